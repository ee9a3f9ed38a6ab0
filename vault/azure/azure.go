// Package azure binds the vault contracts to Azure Key Vault. Certificate
// lifecycle calls go through azcertificates; digest signing goes through
// azkeys. Private keys are created non-exportable and never leave the
// service.
package azure

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azcertificates"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/dwhitlock/remca/vault"
)

// Client implements vault.Client over one Azure Key Vault.
type Client struct {
	locator string
	certs   *azcertificates.Client
}

var _ vault.Client = (*Client)(nil)

// NewClient returns a vault client for the Key Vault at vaultURL.
func NewClient(vaultURL string, cred azcore.TokenCredential) (*Client, error) {
	certs, err := azcertificates.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating certificate client: %w", err)
	}
	return &Client{locator: vaultURL, certs: certs}, nil
}

// Locator returns the vault URL this client talks to.
func (c *Client) Locator() string { return c.locator }

func (c *Client) CreateCertificate(ctx context.Context, name string, policy vault.CertificatePolicy) (*vault.PendingOperation, error) {
	if err := vault.ValidateName(name); err != nil {
		return nil, err
	}
	params := azcertificates.CreateCertificateParameters{
		CertificatePolicy: certificatePolicy(policy),
	}
	resp, err := c.certs.CreateCertificate(ctx, name, params, nil)
	if err != nil {
		return nil, mapError(err, name)
	}
	return &vault.PendingOperation{Name: name, CSR: resp.CSR, ID: requestID(resp.CertificateOperation)}, nil
}

func (c *Client) GetOperation(ctx context.Context, name string) (*vault.PendingOperation, error) {
	resp, err := c.certs.GetCertificateOperation(ctx, name, nil)
	if err != nil {
		return nil, mapError(err, name)
	}
	return &vault.PendingOperation{Name: name, CSR: resp.CSR, ID: requestID(resp.CertificateOperation)}, nil
}

func (c *Client) MergeCertificate(ctx context.Context, name string, der []byte) (*vault.Certificate, error) {
	params := azcertificates.MergeCertificateParameters{
		X509Certificates: [][]byte{der},
	}
	resp, err := c.certs.MergeCertificate(ctx, name, params, nil)
	if err != nil {
		return nil, mapError(err, name)
	}
	return bundleCertificate(resp.Certificate), nil
}

func (c *Client) GetCertificate(ctx context.Context, name, version string) (*vault.Certificate, error) {
	resp, err := c.certs.GetCertificate(ctx, name, version, nil)
	if err != nil {
		return nil, mapError(err, name)
	}
	return bundleCertificate(resp.Certificate), nil
}

func (c *Client) ListCertificates(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pager := c.certs.NewListCertificatePropertiesPager(nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield("", mapError(err, ""))
				return
			}
			for _, props := range page.Value {
				if props.ID == nil {
					continue
				}
				if !yield(props.ID.Name(), nil) {
					return
				}
			}
		}
	}
}

func (c *Client) GetTags(ctx context.Context, name string) (map[string]string, error) {
	cert, err := c.GetCertificate(ctx, name, "")
	if err != nil {
		return nil, err
	}
	return cert.Tags, nil
}

func (c *Client) SetTags(ctx context.Context, name string, tags map[string]string) error {
	out := make(map[string]*string, len(tags))
	for k, v := range tags {
		out[k] = to.Ptr(v)
	}
	params := azcertificates.UpdateCertificateParameters{Tags: out}
	if _, err := c.certs.UpdateCertificate(ctx, name, "", params, nil); err != nil {
		return mapError(err, name)
	}
	return nil
}

func (c *Client) SetEnabled(ctx context.Context, name string, enabled bool) error {
	params := azcertificates.UpdateCertificateParameters{
		CertificateAttributes: &azcertificates.CertificateAttributes{
			Enabled: to.Ptr(enabled),
		},
	}
	if _, err := c.certs.UpdateCertificate(ctx, name, "", params, nil); err != nil {
		return mapError(err, name)
	}
	return nil
}

func certificatePolicy(policy vault.CertificatePolicy) *azcertificates.CertificatePolicy {
	keyProps := &azcertificates.KeyProperties{
		Exportable: to.Ptr(false),
		ReuseKey:   to.Ptr(policy.Key.ReuseKey),
	}
	switch policy.Key.Kind {
	case vault.KeyKindRSA:
		keyProps.KeyType = to.Ptr(azcertificates.KeyTypeRSA)
		size := policy.Key.Size
		if size == 0 {
			size = 2048
		}
		keyProps.KeySize = to.Ptr(int32(size))
	default:
		keyProps.KeyType = to.Ptr(azcertificates.KeyTypeEC)
		switch policy.Key.Curve {
		case "P-384":
			keyProps.Curve = to.Ptr(azcertificates.CurveNameP384)
		case "P-521":
			keyProps.Curve = to.Ptr(azcertificates.CurveNameP521)
		default:
			keyProps.Curve = to.Ptr(azcertificates.CurveNameP256)
		}
	}

	months := policy.ValidityMonths
	if months <= 0 {
		months = 12
	}
	return &azcertificates.CertificatePolicy{
		// "Unknown" keeps issuance external: the vault produces a CSR and
		// waits for a merge instead of self-signing.
		IssuerParameters: &azcertificates.IssuerParameters{Name: to.Ptr("Unknown")},
		KeyProperties:    keyProps,
		X509CertificateProperties: &azcertificates.X509CertificateProperties{
			Subject:          to.Ptr(policy.Subject),
			ValidityInMonths: to.Ptr(int32(months)),
		},
	}
}

func bundleCertificate(bundle azcertificates.Certificate) *vault.Certificate {
	cert := &vault.Certificate{
		DER:     bundle.CER,
		Tags:    map[string]string{},
		Enabled: true,
	}
	if bundle.ID != nil {
		cert.Name = bundle.ID.Name()
		cert.Version = bundle.ID.Version()
	}
	for k, v := range bundle.Tags {
		if v != nil {
			cert.Tags[k] = *v
		}
	}
	if bundle.Attributes != nil && bundle.Attributes.Enabled != nil {
		cert.Enabled = *bundle.Attributes.Enabled
	}
	return cert
}

func requestID(op azcertificates.CertificateOperation) string {
	if op.RequestID != nil {
		return *op.RequestID
	}
	return ""
}

func mapError(err error, name string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return fmt.Errorf("%w: %q: %v", vault.ErrNotFound, name, err)
		case 409:
			return fmt.Errorf("%w: %q: %v", vault.ErrConflict, name, err)
		}
	}
	return err
}

// Signer implements vault.Signer over azkeys, caching one key client per
// vault locator so repeated signatures against the same vault reuse the
// underlying transport.
type Signer struct {
	cred azcore.TokenCredential

	mu      sync.Mutex
	clients map[string]*azkeys.Client
}

var _ vault.Signer = (*Signer)(nil)

// NewSigner returns a remote signer authenticating with cred.
func NewSigner(cred azcore.TokenCredential) *Signer {
	return &Signer{
		cred:    cred,
		clients: make(map[string]*azkeys.Client),
	}
}

func (s *Signer) Sign(ctx context.Context, ref vault.Reference, digest []byte, alg vault.SignatureAlgorithm) ([]byte, error) {
	client, err := s.clientFor(ref.Locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}
	azAlg, err := signatureAlgorithm(alg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}
	params := azkeys.SignParameters{
		Algorithm: to.Ptr(azAlg),
		Value:     digest,
	}
	resp, err := client.Sign(ctx, ref.Name, ref.Version, params, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, fmt.Errorf("%w: key %q: %v", vault.ErrNotFound, ref.Name, err)
		}
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}
	return resp.Result, nil
}

func (s *Signer) clientFor(locator string) (*azkeys.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[locator]; ok {
		return client, nil
	}
	client, err := azkeys.NewClient(locator, s.cred, nil)
	if err != nil {
		return nil, err
	}
	s.clients[locator] = client
	return client, nil
}

func signatureAlgorithm(alg vault.SignatureAlgorithm) (azkeys.SignatureAlgorithm, error) {
	switch alg {
	case vault.AlgorithmES256:
		return azkeys.SignatureAlgorithmES256, nil
	case vault.AlgorithmES384:
		return azkeys.SignatureAlgorithmES384, nil
	case vault.AlgorithmES512:
		return azkeys.SignatureAlgorithmES512, nil
	case vault.AlgorithmRS256:
		return azkeys.SignatureAlgorithmRS256, nil
	case vault.AlgorithmRS384:
		return azkeys.SignatureAlgorithmRS384, nil
	case vault.AlgorithmRS512:
		return azkeys.SignatureAlgorithmRS512, nil
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}
