package memory

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwhitlock/remca/vault"
)

const testLocator = "https://unit.vault.local"

// mergeTestCertificate completes a pending operation: it builds a
// certificate over the CSR's public key, signed by a throwaway local key,
// and merges it.
func mergeTestCertificate(t *testing.T, v *Vault, name string, op *vault.PendingOperation) *vault.Certificate {
	t.Helper()
	csr, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      csr.Subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, csr.PublicKey, caKey)
	require.NoError(t, err)

	merged, err := v.MergeCertificate(t.Context(), name, der)
	require.NoError(t, err)
	return merged
}

func TestCreateCertificateLifecycle(t *testing.T) {
	v := New(testLocator)
	policy := vault.CertificatePolicy{Subject: "CN=unit-test", ValidityMonths: 12}

	op, err := v.CreateCertificate(t.Context(), "leaf", policy)
	require.NoError(t, err)
	require.NotEmpty(t, op.ID)
	require.NotEmpty(t, op.CSR)

	csr, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "unit-test", csr.Subject.CommonName)

	// A second create while an operation is pending must conflict.
	_, err = v.CreateCertificate(t.Context(), "leaf", policy)
	assert.ErrorIs(t, err, vault.ErrConflict)

	pending, err := v.GetOperation(t.Context(), "leaf")
	require.NoError(t, err)
	assert.Equal(t, op.ID, pending.ID)

	merged := mergeTestCertificate(t, v, "leaf", op)
	assert.NotEmpty(t, merged.Version)
	assert.True(t, merged.Enabled)

	// The pending operation is consumed by the merge.
	_, err = v.GetOperation(t.Context(), "leaf")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	got, err := v.GetCertificate(t.Context(), "leaf", "")
	require.NoError(t, err)
	assert.Equal(t, merged.Version, got.Version)

	got, err = v.GetCertificate(t.Context(), "leaf", merged.Version)
	require.NoError(t, err)
	assert.Equal(t, merged.DER, got.DER)
}

func TestCreateCertificateValidation(t *testing.T) {
	v := New(testLocator)

	_, err := v.CreateCertificate(t.Context(), "bad name!", vault.CertificatePolicy{Subject: "CN=x"})
	assert.ErrorIs(t, err, vault.ErrInvalidName)

	_, err = v.CreateCertificate(t.Context(), "ok", vault.CertificatePolicy{Subject: "not a dn"})
	assert.Error(t, err)
}

func TestMergeRejectsForeignKey(t *testing.T) {
	v := New(testLocator)
	_, err := v.CreateCertificate(t.Context(), "leaf", vault.CertificatePolicy{Subject: "CN=leaf"})
	require.NoError(t, err)

	// Certificate over a key the vault never generated.
	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &foreign.PublicKey, foreign)
	require.NoError(t, err)

	_, err = v.MergeCertificate(t.Context(), "leaf", der)
	assert.ErrorIs(t, err, vault.ErrConflict)
}

func TestKeyReuse(t *testing.T) {
	v := New(testLocator)
	policy := vault.CertificatePolicy{Subject: "CN=reuse"}

	op, err := v.CreateCertificate(t.Context(), "reuse", policy)
	require.NoError(t, err)
	first, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)
	mergeTestCertificate(t, v, "reuse", op)

	// Renewal with ReuseKey keeps the key pair.
	policy.Key.ReuseKey = true
	op, err = v.CreateCertificate(t.Context(), "reuse", policy)
	require.NoError(t, err)
	second, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)

	mergeTestCertificate(t, v, "reuse", op)

	// Renewal without ReuseKey rolls the key.
	policy.Key.ReuseKey = false
	op, err = v.CreateCertificate(t.Context(), "reuse", policy)
	require.NoError(t, err)
	third, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, third.PublicKey)
}

func TestTagCeilings(t *testing.T) {
	v := New(testLocator)
	op, err := v.CreateCertificate(t.Context(), "tagged", vault.CertificatePolicy{Subject: "CN=tagged"})
	require.NoError(t, err)
	mergeTestCertificate(t, v, "tagged", op)

	tags := map[string]string{"serial": "0A", "issuer": "CN=tagged"}
	require.NoError(t, v.SetTags(t.Context(), "tagged", tags))

	got, err := v.GetTags(t.Context(), "tagged")
	require.NoError(t, err)
	assert.Equal(t, tags, got)

	tooMany := make(map[string]string)
	for i := 0; i < vault.MaxTagCount+1; i++ {
		tooMany[string(rune('a'+i))] = "x"
	}
	err = v.SetTags(t.Context(), "tagged", tooMany)
	assert.ErrorIs(t, err, vault.ErrCapacityExceeded)

	err = v.SetTags(t.Context(), "tagged", map[string]string{
		"comment": strings.Repeat("x", vault.MaxTagValueLength+1),
	})
	assert.ErrorIs(t, err, vault.ErrCapacityExceeded)
}

func TestSetEnabled(t *testing.T) {
	v := New(testLocator)
	op, err := v.CreateCertificate(t.Context(), "switch", vault.CertificatePolicy{Subject: "CN=switch"})
	require.NoError(t, err)
	mergeTestCertificate(t, v, "switch", op)

	require.NoError(t, v.SetEnabled(t.Context(), "switch", false))
	got, err := v.GetCertificate(t.Context(), "switch", "")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, v.SetEnabled(t.Context(), "absent", false), vault.ErrNotFound)
}

func TestListCertificates(t *testing.T) {
	v := New(testLocator)

	// Objects with only a pending operation are not listed.
	_, err := v.CreateCertificate(t.Context(), "pending-only", vault.CertificatePolicy{Subject: "CN=p"})
	require.NoError(t, err)

	op, err := v.CreateCertificate(t.Context(), "complete", vault.CertificatePolicy{Subject: "CN=c"})
	require.NoError(t, err)
	mergeTestCertificate(t, v, "complete", op)

	var names []string
	for name, err := range v.ListCertificates(t.Context()) {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"complete"}, names)
}

func TestSignEC(t *testing.T) {
	v := New(testLocator)
	op, err := v.CreateCertificate(t.Context(), "signer", vault.CertificatePolicy{Subject: "CN=signer"})
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(op.CSR)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("to be signed"))
	raw, err := v.Sign(t.Context(), v.Reference("signer"), digest[:], vault.AlgorithmES256)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	der, err := vault.ECSignatureDER(raw)
	require.NoError(t, err)
	pub, ok := csr.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], der))

	// Digest size must match the algorithm.
	_, err = v.Sign(t.Context(), v.Reference("signer"), digest[:16], vault.AlgorithmES256)
	assert.ErrorIs(t, err, vault.ErrSigningFailure)

	_, err = v.Sign(t.Context(), v.Reference("absent"), digest[:], vault.AlgorithmES256)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}
