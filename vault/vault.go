// Package vault defines the contracts this system consumes from a remote
// key-management service. All private keys live behind these interfaces;
// every cryptographic operation is a network call. The vault's certificate
// lifecycle is begin-operation -> pending CSR -> merge: the vault generates
// a key pair and an unsigned CSR, the caller signs a certificate for that
// key elsewhere and merges the result back under the same name.
//
// Production deployments bind these interfaces to Azure Key Vault via
// [github.com/dwhitlock/remca/vault/azure]; tests and local development use
// [github.com/dwhitlock/remca/vault/memory].
package vault

import (
	"context"
	"iter"
)

// KeyKind selects the key algorithm family for a vault-generated key pair.
type KeyKind string

const (
	KeyKindEC  KeyKind = "EC"
	KeyKindRSA KeyKind = "RSA"
)

// KeyPolicy describes the key pair the vault generates when a certificate
// operation begins. Keys are always non-exportable: the whole point of the
// system is that CA key material never leaves the vault.
type KeyPolicy struct {
	Kind KeyKind

	// Size is the modulus size in bits for RSA keys. Ignored for EC.
	Size int

	// Curve names the EC curve ("P-256", "P-384"). Ignored for RSA.
	Curve string

	// ReuseKey makes a re-issuance under the same name keep the existing
	// key pair instead of provisioning a fresh one. Root renewals use this
	// to preserve the Subject Key Identifier across versions.
	ReuseKey bool
}

// CertificatePolicy is the policy handed to the vault when beginning a
// certificate operation.
type CertificatePolicy struct {
	// Subject is the distinguished name the vault places in the CSR.
	Subject string

	Key KeyPolicy

	// ValidityMonths is advisory; the signed certificate merged back into
	// the vault carries the authoritative validity window.
	ValidityMonths int
}

// PendingOperation is the state of an in-flight certificate operation.
type PendingOperation struct {
	Name string

	// CSR holds the DER-encoded PKCS#10 request produced by the vault for
	// the newly generated key pair.
	CSR []byte

	ID string
}

// Certificate is a certificate object held by the vault.
type Certificate struct {
	Name    string
	Version string

	// DER is the certificate in DER encoding. Empty while an operation for
	// the name is still pending.
	DER []byte

	Tags    map[string]string
	Enabled bool
}

// Tag ceilings enforced by the backing store. Writes that would exceed them
// fail with ErrCapacityExceeded rather than silently truncating.
const (
	MaxTagCount       = 15
	MaxTagNameLength  = 256
	MaxTagValueLength = 256
)

// Client is the vault certificate API consumed by the issuance and
// revocation layers. Implementations must honor context cancellation on
// every call; all of these are blocking network operations.
type Client interface {
	// CreateCertificate begins a certificate operation for name and returns
	// the pending operation holding the vault-generated CSR. If an
	// operation for name is already pending it fails with ErrConflict; the
	// vault enforces this rule, not the client.
	CreateCertificate(ctx context.Context, name string, policy CertificatePolicy) (*PendingOperation, error)

	// GetOperation returns the pending operation for name, or ErrNotFound.
	GetOperation(ctx context.Context, name string) (*PendingOperation, error)

	// MergeCertificate completes the pending operation for name with the
	// signed DER certificate and returns the new certificate version.
	MergeCertificate(ctx context.Context, name string, der []byte) (*Certificate, error)

	// GetCertificate fetches a certificate by name. An empty version
	// selects the latest.
	GetCertificate(ctx context.Context, name, version string) (*Certificate, error)

	// ListCertificates yields the names of all certificate objects in the
	// vault. The sequence is lazy and single-use.
	ListCertificates(ctx context.Context) iter.Seq2[string, error]

	// GetTags returns the tag map of the latest version of name.
	GetTags(ctx context.Context, name string) (map[string]string, error)

	// SetTags replaces the tag map of the latest version of name.
	SetTags(ctx context.Context, name string, tags map[string]string) error

	// SetEnabled flips the enabled attribute of the latest version of name.
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// Signer is the remote digest-signing capability. The digest is computed
// locally, shipped to the vault, and a raw signature comes back; the private
// key never materializes on this side of the wire.
type Signer interface {
	// Sign signs digest with the key identified by ref using alg. For EC
	// keys the result is the raw r||s concatenation as produced by the
	// vault; use ECSignatureDER to re-encode it for X.509 structures.
	Sign(ctx context.Context, ref Reference, digest []byte, alg SignatureAlgorithm) ([]byte, error)
}
