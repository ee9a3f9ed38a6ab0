// Package memory provides a thread-safe in-memory vault implementing both
// the certificate lifecycle Client and the remote Signer. Suitable for
// tests, demos and single-process use; it mimics the remote service's
// observable behavior, including the pending-operation rule, key reuse
// across re-issuances, raw r||s EC signatures and tag ceilings.
package memory

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dwhitlock/remca/vault"
)

// Vault is an in-memory vault instance. The zero value is not usable;
// construct with New.
type Vault struct {
	locator string

	mu      sync.RWMutex
	objects map[string]*object
}

type object struct {
	versions []*version
	pending  *pendingOp
	key      crypto.Signer
	tags     map[string]string
	enabled  bool
}

type version struct {
	id  string
	der []byte
}

type pendingOp struct {
	id     string
	csr    []byte
	policy vault.CertificatePolicy
}

var (
	_ vault.Client = (*Vault)(nil)
	_ vault.Signer = (*Vault)(nil)
)

// New returns an empty in-memory vault addressed by locator.
func New(locator string) *Vault {
	return &Vault{
		locator: locator,
		objects: make(map[string]*object),
	}
}

// Locator returns the vault's locator for building references.
func (v *Vault) Locator() string { return v.locator }

// Reference returns a reference to name in this vault.
func (v *Vault) Reference(name string) vault.Reference {
	return vault.NewReference(v.locator, name)
}

func (v *Vault) CreateCertificate(ctx context.Context, name string, policy vault.CertificatePolicy) (*vault.PendingOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := vault.ValidateName(name); err != nil {
		return nil, err
	}
	subject, err := vault.ParseDN(policy.Subject)
	if err != nil {
		return nil, fmt.Errorf("certificate policy: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	obj := v.objects[name]
	if obj == nil {
		obj = &object{enabled: true}
		v.objects[name] = obj
	}
	if obj.pending != nil {
		return nil, fmt.Errorf("%w: certificate operation already in progress for %q", vault.ErrConflict, name)
	}

	key := obj.key
	if key == nil || !policy.Key.ReuseKey {
		key, err = generateKey(policy.Key)
		if err != nil {
			return nil, err
		}
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	if err != nil {
		return nil, fmt.Errorf("building CSR: %w", err)
	}

	obj.key = key
	obj.pending = &pendingOp{
		id:     newID(),
		csr:    csr,
		policy: policy,
	}
	return &vault.PendingOperation{Name: name, CSR: append([]byte(nil), csr...), ID: obj.pending.id}, nil
}

func (v *Vault) GetOperation(ctx context.Context, name string) (*vault.PendingOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	obj := v.objects[name]
	if obj == nil || obj.pending == nil {
		return nil, fmt.Errorf("%w: no pending operation for %q", vault.ErrNotFound, name)
	}
	return &vault.PendingOperation{Name: name, CSR: append([]byte(nil), obj.pending.csr...), ID: obj.pending.id}, nil
}

func (v *Vault) MergeCertificate(ctx context.Context, name string, der []byte) (*vault.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("merge: parsing certificate: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	obj := v.objects[name]
	if obj == nil || obj.pending == nil {
		return nil, fmt.Errorf("%w: no pending operation for %q", vault.ErrNotFound, name)
	}

	// The merged certificate must certify the pending key pair.
	merged, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	pending, err := x509.MarshalPKIXPublicKey(obj.key.Public())
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	if !bytes.Equal(merged, pending) {
		return nil, fmt.Errorf("%w: merged certificate does not match the pending key", vault.ErrConflict)
	}

	ver := &version{id: newID(), der: append([]byte(nil), der...)}
	obj.versions = append(obj.versions, ver)
	obj.pending = nil
	obj.enabled = true
	return v.certificateLocked(name, obj, ver), nil
}

func (v *Vault) GetCertificate(ctx context.Context, name, versionID string) (*vault.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	obj := v.objects[name]
	if obj == nil || len(obj.versions) == 0 {
		return nil, fmt.Errorf("%w: certificate %q", vault.ErrNotFound, name)
	}
	if versionID == "" {
		return v.certificateLocked(name, obj, obj.versions[len(obj.versions)-1]), nil
	}
	for _, ver := range obj.versions {
		if ver.id == versionID {
			return v.certificateLocked(name, obj, ver), nil
		}
	}
	return nil, fmt.Errorf("%w: certificate %q version %q", vault.ErrNotFound, name, versionID)
}

func (v *Vault) ListCertificates(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		v.mu.RLock()
		names := make([]string, 0, len(v.objects))
		for name, obj := range v.objects {
			if len(obj.versions) > 0 {
				names = append(names, name)
			}
		}
		v.mu.RUnlock()
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

func (v *Vault) GetTags(ctx context.Context, name string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	obj := v.objects[name]
	if obj == nil || len(obj.versions) == 0 {
		return nil, fmt.Errorf("%w: certificate %q", vault.ErrNotFound, name)
	}
	return cloneTags(obj.tags), nil
}

func (v *Vault) SetTags(ctx context.Context, name string, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTags(tags); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	obj := v.objects[name]
	if obj == nil || len(obj.versions) == 0 {
		return fmt.Errorf("%w: certificate %q", vault.ErrNotFound, name)
	}
	obj.tags = cloneTags(tags)
	return nil
}

func (v *Vault) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	obj := v.objects[name]
	if obj == nil || len(obj.versions) == 0 {
		return fmt.Errorf("%w: certificate %q", vault.ErrNotFound, name)
	}
	obj.enabled = enabled
	return nil
}

// Sign implements the remote signing capability over the vault's key
// material. EC signatures come back as raw r||s, mirroring the wire format
// of the real service.
func (v *Vault) Sign(ctx context.Context, ref vault.Reference, digest []byte, alg vault.SignatureAlgorithm) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := alg.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
	}
	if len(digest) != hash.Size() {
		return nil, fmt.Errorf("%w: digest size %d does not match %s", vault.ErrSigningFailure, len(digest), alg)
	}

	v.mu.RLock()
	obj := v.objects[ref.Name]
	v.mu.RUnlock()
	if obj == nil || obj.key == nil {
		return nil, fmt.Errorf("%w: key %q", vault.ErrNotFound, ref.Name)
	}

	switch key := obj.key.(type) {
	case *ecdsa.PrivateKey:
		r, s, err := ecdsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		raw := make([]byte, 2*size)
		r.FillBytes(raw[:size])
		s.FillBytes(raw[size:])
		return raw, nil
	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, hash, digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vault.ErrSigningFailure, err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", vault.ErrSigningFailure, obj.key)
	}
}

func (v *Vault) certificateLocked(name string, obj *object, ver *version) *vault.Certificate {
	return &vault.Certificate{
		Name:    name,
		Version: ver.id,
		DER:     append([]byte(nil), ver.der...),
		Tags:    cloneTags(obj.tags),
		Enabled: obj.enabled,
	}
}

func generateKey(policy vault.KeyPolicy) (crypto.Signer, error) {
	switch policy.Kind {
	case vault.KeyKindEC, "":
		curve := elliptic.P256()
		switch policy.Curve {
		case "", "P-256":
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", policy.Curve)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	case vault.KeyKindRSA:
		size := policy.Size
		if size == 0 {
			size = 2048
		}
		if size != 2048 && size != 3072 && size != 4096 {
			return nil, fmt.Errorf("unsupported RSA key size %d", size)
		}
		return rsa.GenerateKey(rand.Reader, size)
	default:
		return nil, fmt.Errorf("unsupported key kind %q", policy.Kind)
	}
}

func validateTags(tags map[string]string) error {
	if len(tags) > vault.MaxTagCount {
		return fmt.Errorf("%w: %d tags exceeds maximum of %d", vault.ErrCapacityExceeded, len(tags), vault.MaxTagCount)
	}
	for name, value := range tags {
		if len(name) > vault.MaxTagNameLength {
			return fmt.Errorf("%w: tag name exceeds %d characters", vault.ErrCapacityExceeded, vault.MaxTagNameLength)
		}
		if len(value) > vault.MaxTagValueLength {
			return fmt.Errorf("%w: tag %q value exceeds %d characters", vault.ErrCapacityExceeded, name, vault.MaxTagValueLength)
		}
	}
	return nil
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
