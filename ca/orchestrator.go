package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dwhitlock/remca/revocation"
	"github.com/dwhitlock/remca/vault"
)

// Orchestrator drives the vault's certificate lifecycle: begin an
// operation, rebuild the to-be-signed structure from the vault's CSR, sign
// its digest through the remote signing capability, and merge the result
// back. It holds no key material and no state between calls.
type Orchestrator struct {
	client vault.Client
	signer vault.Signer
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger for issuance events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator returns an orchestrator issuing through client and
// signing through signer.
func NewOrchestrator(client vault.Client, signer vault.Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client, signer: signer, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request describes one signing operation. Template carries the
// caller-supplied extension set; the orchestrator fills in the subject and
// public key from the vault's CSR, the serial number, and the computed
// key-identifier extensions. Extensions embedded in the raw CSR by the
// vault are never trusted.
type Request struct {
	Subject vault.Reference
	Issuer  vault.Reference

	NotBefore time.Time
	NotAfter  time.Time

	Template *x509.Certificate
	Key      vault.KeyPolicy
}

// IssuedCertificate is the outcome of a completed signing operation. The
// bytes are owned by the vault; Ref points at the merged version.
type IssuedCertificate struct {
	DER         []byte
	Certificate *x509.Certificate
	Ref         vault.Reference

	Role Role

	// PathLen is the path-length constraint value for intermediates, nil
	// when the extension is absent.
	PathLen *int
}

// Sign runs one begin -> sign -> merge cycle. It does not retry on
// failure: a half-completed pending operation must not be silently
// resubmitted, so retry policy belongs to the caller.
func (o *Orchestrator) Sign(ctx context.Context, req Request) (*IssuedCertificate, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	if err := req.Issuer.Validate(); err != nil {
		return nil, err
	}
	if !req.NotBefore.Before(req.NotAfter) {
		return nil, fmt.Errorf("validity window [%s, %s) is empty", req.NotBefore, req.NotAfter)
	}

	selfIssued := req.Subject.Equal(req.Issuer)
	var issuerCert *x509.Certificate
	if !selfIssued {
		stored, err := o.client.GetCertificate(ctx, req.Issuer.Name, req.Issuer.Version)
		if err != nil {
			return nil, fmt.Errorf("resolving issuer %q: %w", req.Issuer.Name, err)
		}
		issuerCert, err = x509.ParseCertificate(stored.DER)
		if err != nil {
			return nil, fmt.Errorf("parsing issuer certificate: %w", err)
		}
		if err := checkIssuancePolicy(issuerCert, req.Template); err != nil {
			return nil, err
		}
	}

	policy := vault.CertificatePolicy{
		Subject:        vault.FormatDN(req.Template.Subject),
		Key:            req.Key,
		ValidityMonths: validityMonths(req.NotBefore, req.NotAfter),
	}
	pending, err := o.client.CreateCertificate(ctx, req.Subject.Name, policy)
	if err != nil {
		return nil, fmt.Errorf("beginning certificate operation for %q: %w", req.Subject.Name, err)
	}

	csr, err := x509.ParseCertificateRequest(pending.CSR)
	if err != nil {
		return nil, fmt.Errorf("parsing vault CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("vault CSR signature invalid: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, err
	}

	tmpl := *req.Template
	tmpl.SerialNumber = serial
	tmpl.Subject = csr.Subject
	tmpl.NotBefore = req.NotBefore.UTC()
	tmpl.NotAfter = req.NotAfter.UTC()
	tmpl.SubjectKeyId = ski

	parent := &tmpl
	signRef := req.Subject
	signPub := csr.PublicKey
	if !selfIssued {
		parent = issuerCert
		signRef = req.Issuer
		signPub = issuerCert.PublicKey
		if len(issuerCert.SubjectKeyId) == 0 {
			// Issuer carries no SKI; derive the AKI from its public key.
			aki, err := subjectKeyID(issuerCert.PublicKey)
			if err != nil {
				return nil, err
			}
			tmpl.AuthorityKeyId = aki
		}
	}

	signer := newRemoteKeySigner(ctx, o.signer, signRef, signPub)
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, parent, csr.PublicKey, signer)
	if err != nil {
		if errors.Is(err, vault.ErrSigningFailure) || errors.Is(err, vault.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}

	merged, err := o.client.MergeCertificate(ctx, req.Subject.Name, der)
	if err != nil {
		return nil, fmt.Errorf("merging certificate for %q: %w", req.Subject.Name, err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	if err := o.stampBaseTags(ctx, req.Subject.Name, cert); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "certificate issued",
		"subject", req.Subject.Name,
		"issuer", req.Issuer.Name,
		"serial", revocation.SerialFromBigInt(serial),
		"version", merged.Version,
	)

	return &IssuedCertificate{
		DER:         der,
		Certificate: cert,
		Ref:         req.Subject.WithVersion(merged.Version),
	}, nil
}

// stampBaseTags writes the serial and issuer-DN tags the revocation store
// keys on, preserving any tags already present on the object.
func (o *Orchestrator) stampBaseTags(ctx context.Context, name string, cert *x509.Certificate) error {
	tags, err := o.client.GetTags(ctx, name)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("reading tags for %q: %w", name, err)
	}
	if tags == nil {
		tags = make(map[string]string)
	}
	for k, v := range revocation.BaseTags(revocation.SerialFromBigInt(cert.SerialNumber), vault.FormatDN(cert.Issuer)) {
		tags[k] = v
	}
	if err := o.client.SetTags(ctx, name, tags); err != nil {
		return fmt.Errorf("tagging certificate %q: %w", name, err)
	}
	return nil
}

// checkIssuancePolicy rejects requests the issuer's constraints forbid
// before any vault state is created.
func checkIssuancePolicy(issuer *x509.Certificate, tmpl *x509.Certificate) error {
	if !issuer.IsCA {
		return fmt.Errorf("%w: issuer %q is not a CA certificate", ErrPolicyViolation, issuer.Subject.CommonName)
	}
	if !tmpl.IsCA {
		return nil
	}
	if issuer.MaxPathLenZero {
		return fmt.Errorf("%w: issuer %q has path length 0 and cannot sign a subordinate CA", ErrPolicyViolation, issuer.Subject.CommonName)
	}
	requested := tmpl.MaxPathLenZero || tmpl.MaxPathLen > 0
	if issuer.MaxPathLen > 0 && requested && tmpl.MaxPathLen >= issuer.MaxPathLen {
		return fmt.Errorf("%w: requested path length %d is not below issuer's %d", ErrPolicyViolation, tmpl.MaxPathLen, issuer.MaxPathLen)
	}
	return nil
}

// newSerial draws a 126-bit random serial number. The entropy makes
// collisions under one issuer a negligible-probability event, so no
// issuer-scoped counter is kept.
func newSerial() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("drawing serial number: %w", err)
	}
	buf[0] &= 0x3f
	serial := new(big.Int).SetBytes(buf)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

// subjectKeyID computes the Subject Key Identifier as the SHA-1 digest of
// the subjectPublicKey BIT STRING, per RFC 5280 §4.2.1.2 method (1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	var decoded struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &decoded); err != nil {
		return nil, fmt.Errorf("decoding public key info: %w", err)
	}
	sum := sha1.Sum(decoded.PublicKey.RightAlign())
	return sum[:], nil
}

// validityMonths approximates the advisory validity the vault policy
// carries; the merged certificate holds the authoritative window.
func validityMonths(notBefore, notAfter time.Time) int {
	months := int(notAfter.Sub(notBefore).Hours() / (24 * 30))
	if months < 1 {
		months = 1
	}
	return months
}
