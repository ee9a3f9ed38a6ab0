package revocation

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var cacheBucket = []byte("__revocation_cache")

// BoltCache is a Cache persisted in a BBolt database, usable as the shared
// tier when several responder processes run against one data directory.
// Entries carry their expiry inline; expired entries are treated as misses
// and reaped on read.
type BoltCache struct {
	db *bbolt.DB
}

var _ Cache = (*BoltCache)(nil)

// NewBoltCache returns a cache stored in db.
func NewBoltCache(db *bbolt.DB) (*BoltCache, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

// NewBoltCacheFromFile opens a BBolt database at path and returns a cache
// backed by it.
func NewBoltCacheFromFile(path string, options *bbolt.Options) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltCache(db)
}

// Close closes the underlying database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) Get(key string) ([]byte, bool) {
	var value []byte
	expired := false
	c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get([]byte(key))
		if len(raw) < 8 {
			return nil
		}
		expiry := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
		if time.Now().After(expiry) {
			expired = true
			return nil
		}
		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	if expired {
		c.Delete(key)
	}
	if value == nil {
		return nil, false
	}
	return value, true
}

func (c *BoltCache) Set(key string, value []byte, ttl time.Duration) error {
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(time.Now().Add(ttl).UnixNano()))
	copy(raw[8:], value)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), raw)
	})
}

func (c *BoltCache) Delete(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}
