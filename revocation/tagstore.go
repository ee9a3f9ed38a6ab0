package revocation

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dwhitlock/remca/vault"
)

// Tags written on vault certificate objects. TagSerial and TagIssuer are
// the base tags the issuance path stamps at merge time; the revocation
// tags are added by TagStore.Add.
const (
	TagSerial = "serial"
	TagIssuer = "issuer"

	tagRevoked   = "revoked"
	tagRevokedAt = "revoked_at"
	tagReason    = "reason"
	tagComment   = "comment"
)

// BaseTags returns the tag map the issuance path writes on a freshly
// merged certificate so revocation lookups can resolve it later.
func BaseTags(serial, issuerDN string) map[string]string {
	return map[string]string{
		TagSerial: CanonicalSerial(serial),
		TagIssuer: issuerDN,
	}
}

// TagStore is the tag-backed Store implementation: each record field is a
// name->value tag on the corresponding vault certificate object. Hard
// ceilings of the backing store are enforced up front; a record that would
// not fit fails with vault.ErrCapacityExceeded instead of truncating.
type TagStore struct {
	client vault.Client
}

var _ Store = (*TagStore)(nil)

// NewTagStore returns a Store persisting records as tags through client.
func NewTagStore(client vault.Client) *TagStore {
	return &TagStore{client: client}
}

func (s *TagStore) Add(ctx context.Context, rec Record) error {
	if !rec.Reason.Valid() {
		return fmt.Errorf("invalid revocation reason %d", int(rec.Reason))
	}
	rec.SerialNumber = CanonicalSerial(rec.SerialNumber)
	if rec.Revoked && rec.RevokedAt.IsZero() {
		rec.RevokedAt = time.Now().UTC()
	}

	name, tags, err := s.find(ctx, rec.IssuerDN, rec.SerialNumber)
	if err != nil {
		return err
	}
	if existing, ok := recordFromTags(tags); ok {
		// One-way transition: an unrevoked placeholder may become revoked,
		// nothing else may change.
		if existing.Revoked || !rec.Revoked {
			return fmt.Errorf("%w: revocation record already exists for serial %s", vault.ErrConflict, rec.SerialNumber)
		}
	}

	tags[tagRevoked] = strconv.FormatBool(rec.Revoked)
	tags[tagRevokedAt] = rec.RevokedAt.UTC().Format(time.RFC3339)
	tags[tagReason] = strconv.Itoa(int(rec.Reason))
	if rec.Comment != "" {
		tags[tagComment] = rec.Comment
	}
	if err := validateCapacity(tags); err != nil {
		return err
	}
	if err := s.client.SetTags(ctx, name, tags); err != nil {
		return err
	}
	if rec.Revoked {
		if err := s.client.SetEnabled(ctx, name, false); err != nil {
			return fmt.Errorf("disabling revoked certificate %q: %w", name, err)
		}
	}
	return nil
}

func (s *TagStore) Get(ctx context.Context, issuerDN, serial string) (*Record, error) {
	_, tags, err := s.find(ctx, issuerDN, CanonicalSerial(serial))
	if err != nil {
		return nil, err
	}
	rec, ok := recordFromTags(tags)
	if !ok {
		return nil, fmt.Errorf("%w: no revocation record for serial %s", vault.ErrNotFound, CanonicalSerial(serial))
	}
	return rec, nil
}

func (s *TagStore) ByIssuer(ctx context.Context, issuerDN string) iter.Seq2[Record, error] {
	return singleUse(func(yield func(Record, error) bool) {
		for name, err := range s.client.ListCertificates(ctx) {
			if err != nil {
				yield(Record{}, err)
				return
			}
			tags, err := s.client.GetTags(ctx, name)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if tags[TagIssuer] != issuerDN {
				continue
			}
			if rec, ok := recordFromTags(tags); ok {
				if !yield(*rec, nil) {
					return
				}
			}
		}
	})
}

// find resolves the vault object carrying the given (issuer, serial) base
// tags. Serial must already be canonical.
func (s *TagStore) find(ctx context.Context, issuerDN, serial string) (string, map[string]string, error) {
	for name, err := range s.client.ListCertificates(ctx) {
		if err != nil {
			return "", nil, err
		}
		tags, err := s.client.GetTags(ctx, name)
		if err != nil {
			return "", nil, err
		}
		if tags[TagSerial] == serial && tags[TagIssuer] == issuerDN {
			return name, tags, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no certificate with serial %s under issuer %q", vault.ErrNotFound, serial, issuerDN)
}

func recordFromTags(tags map[string]string) (*Record, bool) {
	revokedTag, ok := tags[tagRevoked]
	if !ok {
		return nil, false
	}
	revoked, err := strconv.ParseBool(revokedTag)
	if err != nil {
		return nil, false
	}
	rec := &Record{
		SerialNumber: tags[TagSerial],
		Revoked:      revoked,
		IssuerDN:     tags[TagIssuer],
		Comment:      tags[tagComment],
	}
	if at, err := time.Parse(time.RFC3339, tags[tagRevokedAt]); err == nil {
		rec.RevokedAt = at
	}
	if reason, err := strconv.Atoi(tags[tagReason]); err == nil {
		rec.Reason = ReasonCode(reason)
	}
	return rec, true
}

func validateCapacity(tags map[string]string) error {
	if len(tags) > vault.MaxTagCount {
		return fmt.Errorf("%w: record needs %d tags, store allows %d", vault.ErrCapacityExceeded, len(tags), vault.MaxTagCount)
	}
	for name, value := range tags {
		if len(name) > vault.MaxTagNameLength || len(value) > vault.MaxTagValueLength {
			return fmt.Errorf("%w: tag %q exceeds the store's value ceiling", vault.ErrCapacityExceeded, name)
		}
	}
	return nil
}

// singleUse wraps a sequence so a second range reports an error instead of
// silently rescanning.
func singleUse(seq iter.Seq2[Record, error]) iter.Seq2[Record, error] {
	var used atomic.Bool
	return func(yield func(Record, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Record{}, fmt.Errorf("revocation sequence already consumed"))
			return
		}
		seq(yield)
	}
}
