package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/dwhitlock/remca/vault"
)

// remoteKeySigner adapts the vault's digest-signing capability to
// crypto.Signer so that x509.CreateCertificate can drive it: the standard
// library digests the TBS bytes and hands us the digest, which we ship to
// the vault. The private key never exists on this side.
//
// crypto.Signer carries no context parameter, so the request context is
// captured at construction. An adapter lives for a single signing
// operation and must not be reused across requests.
type remoteKeySigner struct {
	ctx    context.Context
	signer vault.Signer
	ref    vault.Reference
	pub    crypto.PublicKey
}

var _ crypto.Signer = (*remoteKeySigner)(nil)

func newRemoteKeySigner(ctx context.Context, signer vault.Signer, ref vault.Reference, pub crypto.PublicKey) *remoteKeySigner {
	return &remoteKeySigner{ctx: ctx, signer: signer, ref: ref, pub: pub}
}

func (s *remoteKeySigner) Public() crypto.PublicKey { return s.pub }

func (s *remoteKeySigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	alg, err := vault.AlgorithmFor(s.pub, opts.HashFunc())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}
	raw, err := s.signer.Sign(s.ctx, s.ref, digest, alg)
	if err != nil {
		return nil, err
	}
	// The vault hands EC signatures back as raw r||s; X.509 wants DER.
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return vault.ECSignatureDER(raw)
	}
	return raw, nil
}
