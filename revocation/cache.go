package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dwhitlock/remca/vault"
)

// Cache is a TTL'd byte cache shared by the caching store's tiers. The
// shared tier may be cross-process (see BoltCache); the local tier is
// always an in-process MemoryCache.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

// MemoryCache is an in-memory Cache. Expired entries are dropped on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{
		value:   append([]byte(nil), value...),
		expires: time.Now().Add(ttl),
	}
	return nil
}

func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Default TTLs for the two cache tiers: the shared tier bounds cross-process
// staleness at minutes scale, the local tier keeps repeated reads within one
// process off the shared tier.
const (
	DefaultSharedTTL = 5 * time.Minute
	DefaultLocalTTL  = 30 * time.Second
)

// CachedStore decorates a Store with a two-tier read-through cache. Writes
// invalidate the point entry and the issuer-list entry in both tiers before
// Add returns, so no reader observes a write without an accompanying
// invalidation.
type CachedStore struct {
	inner     Store
	shared    Cache
	local     *MemoryCache
	sharedTTL time.Duration
	localTTL  time.Duration
}

var _ Store = (*CachedStore)(nil)

// CacheOption configures a CachedStore.
type CacheOption func(*CachedStore)

// WithSharedTTL overrides the shared-tier TTL.
func WithSharedTTL(ttl time.Duration) CacheOption {
	return func(s *CachedStore) { s.sharedTTL = ttl }
}

// WithLocalTTL overrides the local-tier TTL.
func WithLocalTTL(ttl time.Duration) CacheOption {
	return func(s *CachedStore) { s.localTTL = ttl }
}

// NewCachedStore wraps inner with the two-tier cache. shared may be any
// Cache implementation; pass a fresh MemoryCache for single-process use.
func NewCachedStore(inner Store, shared Cache, opts ...CacheOption) *CachedStore {
	s := &CachedStore{
		inner:     inner,
		shared:    shared,
		local:     NewMemoryCache(),
		sharedTTL: DefaultSharedTTL,
		localTTL:  DefaultLocalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cachedPoint is the cache encoding for point lookups. Absence of a record
// is a data fact and is cached too.
type cachedPoint struct {
	Found  bool    `json:"found"`
	Record *Record `json:"record,omitempty"`
}

func pointKey(issuerDN, serial string) string {
	return "point\x00" + issuerDN + "\x00" + serial
}

func listKey(issuerDN string) string {
	return "list\x00" + issuerDN
}

func (s *CachedStore) Add(ctx context.Context, rec Record) error {
	if err := s.inner.Add(ctx, rec); err != nil {
		return err
	}
	// Invalidate before acknowledging the write.
	point := pointKey(rec.IssuerDN, CanonicalSerial(rec.SerialNumber))
	list := listKey(rec.IssuerDN)
	s.local.Delete(point)
	s.local.Delete(list)
	if err := s.shared.Delete(point); err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	if err := s.shared.Delete(list); err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	return nil
}

func (s *CachedStore) Get(ctx context.Context, issuerDN, serial string) (*Record, error) {
	serial = CanonicalSerial(serial)
	key := pointKey(issuerDN, serial)

	if data, ok := s.local.Get(key); ok {
		return decodePoint(data, serial)
	}
	if data, ok := s.shared.Get(key); ok {
		s.local.Set(key, data, s.localTTL)
		return decodePoint(data, serial)
	}

	rec, err := s.inner.Get(ctx, issuerDN, serial)
	var entry cachedPoint
	switch {
	case err == nil:
		entry = cachedPoint{Found: true, Record: rec}
	case errors.Is(err, vault.ErrNotFound):
		entry = cachedPoint{Found: false}
	default:
		return nil, err
	}
	if data, encErr := json.Marshal(entry); encErr == nil {
		s.shared.Set(key, data, s.sharedTTL)
		s.local.Set(key, data, s.localTTL)
	}
	return rec, err
}

func (s *CachedStore) ByIssuer(ctx context.Context, issuerDN string) iter.Seq2[Record, error] {
	key := listKey(issuerDN)
	if data, ok := s.local.Get(key); ok {
		return cachedSeq(data)
	}
	if data, ok := s.shared.Get(key); ok {
		s.local.Set(key, data, s.localTTL)
		return cachedSeq(data)
	}

	return func(yield func(Record, error) bool) {
		var records []Record
		complete := true
		for rec, err := range s.inner.ByIssuer(ctx, issuerDN) {
			if err != nil {
				yield(Record{}, err)
				return
			}
			records = append(records, rec)
			if !yield(rec, nil) {
				// Consumer stopped early; the scan is incomplete and must
				// not be cached.
				complete = false
				break
			}
		}
		if complete {
			if data, err := json.Marshal(records); err == nil {
				s.shared.Set(key, data, s.sharedTTL)
				s.local.Set(key, data, s.localTTL)
			}
		}
	}
}

func decodePoint(data []byte, serial string) (*Record, error) {
	var entry cachedPoint
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding cached record: %w", err)
	}
	if !entry.Found {
		return nil, fmt.Errorf("%w: no revocation record for serial %s", vault.ErrNotFound, serial)
	}
	return entry.Record, nil
}

func cachedSeq(data []byte) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			yield(Record{}, fmt.Errorf("decoding cached record list: %w", err))
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}
