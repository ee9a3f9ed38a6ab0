package revocation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwhitlock/remca/vault"
	"github.com/dwhitlock/remca/vault/memory"
)

const testIssuerDN = "CN=Unit Test CA, O=Example"

// seedTagged creates a certificate object in the vault carrying the base
// tags the issuance path stamps, so the tag store can resolve it.
func seedTagged(t *testing.T, v *memory.Vault, name, serial string) {
	t.Helper()
	op, err := v.CreateCertificate(t.Context(), name, vault.CertificatePolicy{Subject: "CN=" + name})
	require.NoError(t, err)
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
	_, err = v.MergeCertificate(t.Context(), name, der)
	require.NoError(t, err)

	require.NoError(t, v.SetTags(t.Context(), name, BaseTags(serial, testIssuerDN)))
}

func TestTagStoreAddGet(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "0A1B")

	rec := Record{
		SerialNumber: "0a:1b",
		Revoked:      true,
		RevokedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Reason:       ReasonKeyCompromise,
		IssuerDN:     testIssuerDN,
		Comment:      "laptop stolen",
	}
	require.NoError(t, store.Add(t.Context(), rec))

	// Lookup accepts any serial spelling.
	got, err := store.Get(t.Context(), testIssuerDN, "0x0a1b")
	require.NoError(t, err)
	assert.Equal(t, "A1B", got.SerialNumber)
	assert.True(t, got.Revoked)
	assert.Equal(t, rec.RevokedAt, got.RevokedAt)
	assert.Equal(t, ReasonKeyCompromise, got.Reason)
	assert.Equal(t, "laptop stolen", got.Comment)

	// Revocation disables the vault object.
	cert, err := v.GetCertificate(t.Context(), "leaf-a", "")
	require.NoError(t, err)
	assert.False(t, cert.Enabled)
}

func TestTagStoreOneWay(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "A1B2")

	rec := Record{
		SerialNumber: "A1B2",
		Revoked:      true,
		Reason:       ReasonSuperseded,
		IssuerDN:     testIssuerDN,
	}
	require.NoError(t, store.Add(t.Context(), rec))

	// A second revocation of the same serial conflicts.
	err := store.Add(t.Context(), rec)
	assert.ErrorIs(t, err, vault.ErrConflict)

	// So does any attempt to write an unrevoked record over it.
	rec.Revoked = false
	err = store.Add(t.Context(), rec)
	assert.ErrorIs(t, err, vault.ErrConflict)
}

func TestTagStorePlaceholderTransition(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "F00D")

	// An unrevoked placeholder may be written once...
	placeholder := Record{SerialNumber: "F00D", IssuerDN: testIssuerDN}
	require.NoError(t, store.Add(t.Context(), placeholder))

	got, err := store.Get(t.Context(), testIssuerDN, "F00D")
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	// ...and later becomes revoked, exactly once.
	revoked := Record{
		SerialNumber: "F00D",
		Revoked:      true,
		Reason:       ReasonCessationOfOperation,
		IssuerDN:     testIssuerDN,
	}
	require.NoError(t, store.Add(t.Context(), revoked))
	assert.ErrorIs(t, store.Add(t.Context(), revoked), vault.ErrConflict)
}

func TestTagStoreErrors(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "BEEF")

	// Unknown serial under a known issuer.
	_, err := store.Get(t.Context(), testIssuerDN, "1234")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	// Known serial under the wrong issuer.
	_, err = store.Get(t.Context(), "CN=Other CA", "BEEF")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	// Unassigned reason code.
	err = store.Add(t.Context(), Record{
		SerialNumber: "BEEF",
		Revoked:      true,
		Reason:       ReasonCode(7),
		IssuerDN:     testIssuerDN,
	})
	assert.Error(t, err)

	// A comment beyond the tag value ceiling must fail, not truncate.
	err = store.Add(t.Context(), Record{
		SerialNumber: "BEEF",
		Revoked:      true,
		Reason:       ReasonUnspecified,
		IssuerDN:     testIssuerDN,
		Comment:      strings.Repeat("x", vault.MaxTagValueLength+1),
	})
	assert.ErrorIs(t, err, vault.ErrCapacityExceeded)

	// The failed writes left no record behind.
	_, err = store.Get(t.Context(), testIssuerDN, "BEEF")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestTagStoreByIssuer(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "01")
	seedTagged(t, v, "leaf-b", "02")
	seedTagged(t, v, "leaf-c", "03")

	for _, serial := range []string{"01", "02"} {
		require.NoError(t, store.Add(t.Context(), Record{
			SerialNumber: serial,
			Revoked:      true,
			Reason:       ReasonUnspecified,
			IssuerDN:     testIssuerDN,
		}))
	}

	serials := map[string]bool{}
	for rec, err := range store.ByIssuer(t.Context(), testIssuerDN) {
		require.NoError(t, err)
		serials[rec.SerialNumber] = true
	}
	// leaf-c has no revocation record and is not reported.
	assert.Equal(t, map[string]bool{"1": true, "2": true}, serials)

	for rec, err := range store.ByIssuer(t.Context(), "CN=Other CA") {
		require.NoError(t, err)
		t.Errorf("unexpected record %q for foreign issuer", rec.SerialNumber)
	}
}

func TestTagStoreByIssuerSingleUse(t *testing.T) {
	v := memory.New("https://unit.vault.local")
	store := NewTagStore(v)
	seedTagged(t, v, "leaf-a", "01")
	require.NoError(t, store.Add(t.Context(), Record{
		SerialNumber: "01",
		Revoked:      true,
		Reason:       ReasonUnspecified,
		IssuerDN:     testIssuerDN,
	}))

	seq := store.ByIssuer(t.Context(), testIssuerDN)
	for _, err := range seq {
		require.NoError(t, err)
	}

	// Ranging a second time reports an error instead of rescanning.
	var second error
	for _, err := range seq {
		second = err
		break
	}
	assert.Error(t, second)
}
