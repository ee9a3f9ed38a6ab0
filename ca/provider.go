package ca

import (
	"context"
	"fmt"
	"time"

	"github.com/dwhitlock/remca/vault"
)

// Provider is the issuance policy layer: three entry points, each a policy
// wrapper over the Orchestrator. Re-invoking an entry point with the same
// target reference performs a renewal, producing a new version at the same
// name.
type Provider struct {
	orch *Orchestrator

	caKey   vault.KeyPolicy
	leafKey vault.KeyPolicy
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithCAKeyPolicy overrides the key policy for intermediate CA keys.
func WithCAKeyPolicy(policy vault.KeyPolicy) ProviderOption {
	return func(p *Provider) { p.caKey = policy }
}

// WithLeafKeyPolicy overrides the key policy for leaf keys.
func WithLeafKeyPolicy(policy vault.KeyPolicy) ProviderOption {
	return func(p *Provider) { p.leafKey = policy }
}

// NewProvider returns a provider issuing through orch. Keys default to EC
// P-256 with no reuse.
func NewProvider(orch *Orchestrator, opts ...ProviderOption) *Provider {
	p := &Provider{
		orch:    orch,
		caKey:   vault.KeyPolicy{Kind: vault.KeyKindEC, Curve: "P-256"},
		leafKey: vault.KeyPolicy{Kind: vault.KeyKindEC, Curve: "P-256"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateRoot creates (or renews) a self-issued root CA at ref. With
// key.ReuseKey set, a renewal keeps the original key pair and therefore
// its Subject Key Identifier across versions.
func (p *Provider) CreateRoot(ctx context.Context, ref vault.Reference, subjectDN string, notBefore, notAfter time.Time, key vault.KeyPolicy) (*IssuedCertificate, error) {
	subject, err := vault.ParseDN(subjectDN)
	if err != nil {
		return nil, err
	}
	issued, err := p.orch.Sign(ctx, Request{
		Subject:   ref,
		Issuer:    ref,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Template:  rootTemplate(subject),
		Key:       key,
	})
	if err != nil {
		return nil, err
	}
	issued.Role = RoleRoot
	return issued, nil
}

// IssueIntermediate issues (or renews) a subordinate CA under issuerRef
// with the given path-length constraint.
func (p *Provider) IssueIntermediate(ctx context.Context, issuerRef, subjectRef vault.Reference, subjectDN string, notBefore, notAfter time.Time, sans SubjectAltNames, pathLen int) (*IssuedCertificate, error) {
	if pathLen < 0 {
		return nil, fmt.Errorf("path length must not be negative, got %d", pathLen)
	}
	subject, err := vault.ParseDN(subjectDN)
	if err != nil {
		return nil, err
	}
	tmpl, err := intermediateTemplate(subject, pathLen, sans)
	if err != nil {
		return nil, err
	}
	issued, err := p.orch.Sign(ctx, Request{
		Subject:   subjectRef,
		Issuer:    issuerRef,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Template:  tmpl,
		Key:       p.caKey,
	})
	if err != nil {
		return nil, err
	}
	issued.Role = RoleIntermediate
	issued.PathLen = &pathLen
	return issued, nil
}

// IssueLeaf issues (or renews) an end-entity certificate under issuerRef.
func (p *Provider) IssueLeaf(ctx context.Context, issuerRef, subjectRef vault.Reference, subjectDN string, notBefore, notAfter time.Time, sans SubjectAltNames) (*IssuedCertificate, error) {
	subject, err := vault.ParseDN(subjectDN)
	if err != nil {
		return nil, err
	}
	tmpl, err := leafTemplate(subject, sans)
	if err != nil {
		return nil, err
	}
	issued, err := p.orch.Sign(ctx, Request{
		Subject:   subjectRef,
		Issuer:    issuerRef,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Template:  tmpl,
		Key:       p.leafKey,
	})
	if err != nil {
		return nil, err
	}
	issued.Role = RoleLeaf
	return issued, nil
}
