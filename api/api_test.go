package api_test

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwhitlock/remca/api"
	"github.com/dwhitlock/remca/ca"
	"github.com/dwhitlock/remca/ocsp"
	"github.com/dwhitlock/remca/revocation"
	"github.com/dwhitlock/remca/vault"
	"github.com/dwhitlock/remca/vault/memory"
)

const testLocator = "https://unit.vault.local"

type testServer struct {
	*httptest.Server
	vault *memory.Vault
	root  *ca.IssuedCertificate
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	v := memory.New(testLocator)
	provider := ca.NewProvider(ca.NewOrchestrator(v, v))
	store := revocation.NewCachedStore(revocation.NewTagStore(v), revocation.NewMemoryCache())

	now := time.Now().UTC()
	root, err := provider.CreateRoot(t.Context(), v.Reference("root-ca"),
		"CN=API Test Root CA, O=Example",
		now, now.AddDate(10, 0, 0),
		vault.KeyPolicy{Kind: vault.KeyKindEC, Curve: "P-256"},
	)
	require.NoError(t, err)
	signing, err := provider.IssueLeaf(t.Context(), root.Ref, v.Reference("ocsp-signer"),
		"CN=API Test OCSP Responder, O=Example",
		now, now.AddDate(1, 0, 0), ca.SubjectAltNames{},
	)
	require.NoError(t, err)
	responder, err := ocsp.NewResponder(store, v, v.Reference("ocsp-signer"),
		signing.Certificate, root.Certificate)
	require.NoError(t, err)

	a := api.New(provider, store, responder, testLocator)
	r := chi.NewRouter()
	r.Mount("/", a.Router())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, vault: v, root: root}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func issueLeaf(t *testing.T, srv *testServer, name string) api.CertificateResponse {
	t.Helper()
	now := time.Now().UTC()
	resp := doJSON(t, http.MethodPost, srv.URL+"/ca/certificates/"+name, api.IssueRequest{
		Issuer:    "root-ca",
		Subject:   "CN=" + name + ".example.com, O=Example",
		NotBefore: now,
		NotAfter:  now.AddDate(1, 0, 0),
		DNSNames:  []string{name + ".example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[api.CertificateResponse](t, resp)
}

func TestCreateRootEndpoint(t *testing.T) {
	srv := setupServer(t)
	now := time.Now().UTC()

	resp := doJSON(t, http.MethodPost, srv.URL+"/ca/root", api.CreateRootRequest{
		Name:      "second-root",
		Subject:   "CN=Second Root CA, O=Example",
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[api.CertificateResponse](t, resp)
	assert.Equal(t, "second-root", created.Name)
	assert.Equal(t, "root", created.Role)
	assert.NotEmpty(t, created.Version)
	assert.NotEmpty(t, created.Serial)

	block, _ := pem.Decode([]byte(created.PEM))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
}

func TestIssueEndpoints(t *testing.T) {
	srv := setupServer(t)
	now := time.Now().UTC()

	resp := doJSON(t, http.MethodPost, srv.URL+"/ca/intermediates/issuing-ca", api.IssueRequest{
		Issuer:    "root-ca",
		Subject:   "CN=Issuing CA, O=Example",
		NotBefore: now,
		NotAfter:  now.AddDate(5, 0, 0),
		PathLen:   0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	inter := decodeBody[api.CertificateResponse](t, resp)
	assert.Equal(t, "intermediate", inter.Role)
	require.NotNil(t, inter.PathLen)
	assert.Equal(t, 0, *inter.PathLen)

	leaf := issueLeaf(t, srv, "web")
	assert.Equal(t, "leaf", leaf.Role)
	assert.Nil(t, leaf.PathLen)

	// A path-length-0 intermediate cannot sign a subordinate CA.
	resp = doJSON(t, http.MethodPost, srv.URL+"/ca/intermediates/sub-ca", api.IssueRequest{
		Issuer:    "issuing-ca",
		Subject:   "CN=Sub CA",
		NotBefore: now,
		NotAfter:  now.AddDate(1, 0, 0),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Unknown issuer maps to 404.
	resp = doJSON(t, http.MethodPost, srv.URL+"/ca/certificates/orphan", api.IssueRequest{
		Issuer:    "no-such-ca",
		Subject:   "CN=orphan",
		NotBefore: now,
		NotAfter:  now.AddDate(1, 0, 0),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Invalid request body maps to 400.
	resp = doJSON(t, http.MethodPost, srv.URL+"/ca/certificates/bad-ip", api.IssueRequest{
		Issuer:      "root-ca",
		Subject:     "CN=bad",
		NotBefore:   now,
		NotAfter:    now.AddDate(1, 0, 0),
		IPAddresses: []string{"not-an-ip"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevocationEndpoints(t *testing.T) {
	srv := setupServer(t)
	leaf := issueLeaf(t, srv, "web")

	revokeBody := api.RevokeRequest{
		Issuer:  leaf.Issuer,
		Serial:  leaf.Serial,
		Reason:  "keyCompromise",
		Comment: "reported stolen",
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/revocations", revokeBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[api.RevocationResponse](t, resp)
	assert.True(t, created.Revoked)
	assert.Equal(t, "keyCompromise", created.Reason)

	// Revocation is one-way: a second revoke conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/revocations", revokeBody)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown reason name maps to 400.
	bad := revokeBody
	bad.Reason = "no-such-reason"
	resp = doJSON(t, http.MethodPost, srv.URL+"/revocations", bad)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	issuerSegment := url.PathEscape(leaf.Issuer)

	resp = doJSON(t, http.MethodGet, srv.URL+"/revocations/"+issuerSegment+"/"+leaf.Serial, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[api.RevocationResponse](t, resp)
	assert.Equal(t, leaf.Serial, got.Serial)
	assert.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, "reported stolen", got.Comment)

	resp = doJSON(t, http.MethodGet, srv.URL+"/revocations/"+issuerSegment+"/DEADBEEF", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/revocations/"+issuerSegment, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decodeBody[[]api.RevocationResponse](t, resp)
	require.Len(t, records, 1)
	assert.Equal(t, leaf.Serial, records[0].Serial)
}

func TestOCSPEndpoints(t *testing.T) {
	srv := setupServer(t)
	leaf := issueLeaf(t, srv, "web")

	serial, ok := new(big.Int).SetString(leaf.Serial, 16)
	require.True(t, ok)
	certID, err := ocsp.NewCertID(srv.root.Certificate, serial, crypto.SHA1)
	require.NoError(t, err)
	reqDER, err := ocsp.MarshalRequest(&ocsp.Request{CertIDs: []ocsp.CertID{certID}})
	require.NoError(t, err)

	post := func(body []byte) *ocsp.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+"/ocsp", "application/ocsp-request", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/ocsp-response", resp.Header.Get("Content-Type"))
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		parsed, err := ocsp.ParseResponse(raw)
		require.NoError(t, err)
		return parsed
	}

	parsed := post(reqDER)
	require.Equal(t, ocsp.StatusSuccessful, parsed.Status)
	require.Len(t, parsed.Statuses, 1)
	assert.Equal(t, ocsp.Good, parsed.Statuses[0].Status)

	// GET with the base64url form.
	resp := doJSON(t, http.MethodGet, srv.URL+"/ocsp/"+base64.URLEncoding.EncodeToString(reqDER), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	viaGet, err := ocsp.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, viaGet.Statuses[0].Status)

	// Revoke through the API, then the responder reports it.
	revokeResp := doJSON(t, http.MethodPost, srv.URL+"/revocations", api.RevokeRequest{
		Issuer: leaf.Issuer,
		Serial: leaf.Serial,
		Reason: "superseded",
	})
	revokeResp.Body.Close()
	require.Equal(t, http.StatusCreated, revokeResp.StatusCode)

	parsed = post(reqDER)
	require.Len(t, parsed.Statuses, 1)
	assert.Equal(t, ocsp.Revoked, parsed.Statuses[0].Status)
	assert.Equal(t, revocation.ReasonSuperseded, parsed.Statuses[0].Reason)

	// Malformed bodies come back as in-band OCSP errors with HTTP 200.
	malformed := post([]byte("garbage"))
	assert.Equal(t, ocsp.StatusMalformedRequest, malformed.Status)
}
