package revocation

import (
	"context"
	"iter"
)

// Store persists and serves revocation records.
//
// Add fails with vault.ErrConflict when a record already exists for the
// record's (issuer DN, serial) — revocation is one-way. Get returns
// vault.ErrNotFound when no record exists; absence is a data fact (the
// certificate is good), not a failure.
type Store interface {
	Add(ctx context.Context, rec Record) error
	Get(ctx context.Context, issuerDN, serial string) (*Record, error)

	// ByIssuer returns the records for one issuer as a lazy, finite,
	// single-use sequence. Ranging over it a second time yields an error;
	// call ByIssuer again for a fresh scan.
	ByIssuer(ctx context.Context, issuerDN string) iter.Seq2[Record, error]
}
