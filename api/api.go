// Package api exposes the certificate authority, revocation store, and
// OCSP responder over HTTP.
package api

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dwhitlock/remca/ca"
	"github.com/dwhitlock/remca/ocsp"
	"github.com/dwhitlock/remca/revocation"
	"github.com/dwhitlock/remca/vault"
)

const ocspContentType = "application/ocsp-response"

// maxRequestBody bounds JSON and OCSP request bodies.
const maxRequestBody = 1 << 20

// API holds the dependencies needed by the REST handlers.
type API struct {
	provider  *ca.Provider
	store     revocation.Store
	responder *ocsp.Responder
	locator   string
	logger    *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request handling events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates a new API instance. locator is the vault all certificate
// references resolve against.
func New(provider *ca.Provider, store revocation.Store, responder *ocsp.Responder, locator string, opts ...Option) *API {
	a := &API{
		provider:  provider,
		store:     store,
		responder: responder,
		locator:   locator,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/ca/root", a.CreateRoot)
	r.Post("/ca/intermediates/{name}", a.IssueIntermediate)
	r.Post("/ca/certificates/{name}", a.IssueLeaf)

	r.Post("/revocations", a.Revoke)
	r.Get("/revocations/{issuer}/{serial}", a.GetRevocation)
	r.Get("/revocations/{issuer}", a.ListRevocations)

	r.Post("/ocsp", a.OCSPPost)
	r.Get("/ocsp/*", a.OCSPGet)

	return r
}

// CreateRoot handles POST /ca/root.
func (a *API) CreateRoot(w http.ResponseWriter, r *http.Request) {
	var req CreateRootRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	issued, err := a.provider.CreateRoot(r.Context(),
		vault.NewReference(a.locator, req.Name),
		req.Subject, req.NotBefore, req.NotAfter,
		vault.KeyPolicy{Kind: vault.KeyKindEC, Curve: "P-256", ReuseKey: req.ReuseKey},
	)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCertificateResponse(issued))
}

// IssueIntermediate handles POST /ca/intermediates/{name}.
func (a *API) IssueIntermediate(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sans, err := req.subjectAltNames()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	issued, err := a.provider.IssueIntermediate(r.Context(),
		vault.NewReference(a.locator, req.Issuer),
		vault.NewReference(a.locator, chi.URLParam(r, "name")),
		req.Subject, req.NotBefore, req.NotAfter, sans, req.PathLen,
	)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCertificateResponse(issued))
}

// IssueLeaf handles POST /ca/certificates/{name}.
func (a *API) IssueLeaf(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sans, err := req.subjectAltNames()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	issued, err := a.provider.IssueLeaf(r.Context(),
		vault.NewReference(a.locator, req.Issuer),
		vault.NewReference(a.locator, chi.URLParam(r, "name")),
		req.Subject, req.NotBefore, req.NotAfter, sans,
	)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCertificateResponse(issued))
}

// Revoke handles POST /revocations.
func (a *API) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reason, err := revocation.ParseReason(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record := revocation.Record{
		SerialNumber: revocation.CanonicalSerial(req.Serial),
		Revoked:      true,
		RevokedAt:    time.Now().UTC(),
		Reason:       reason,
		IssuerDN:     req.Issuer,
		Comment:      req.Comment,
	}
	if err := a.store.Add(r.Context(), record); err != nil {
		mapError(w, err)
		return
	}
	a.logger.InfoContext(r.Context(), "certificate revoked",
		"serial", record.SerialNumber,
		"issuer", record.IssuerDN,
		"reason", record.Reason.String(),
	)
	writeJSON(w, http.StatusCreated, toRevocationResponse(record))
}

// GetRevocation handles GET /revocations/{issuer}/{serial}.
func (a *API) GetRevocation(w http.ResponseWriter, r *http.Request) {
	issuer, err := url.PathUnescape(chi.URLParam(r, "issuer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := a.store.Get(r.Context(), issuer, chi.URLParam(r, "serial"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevocationResponse(*record))
}

// ListRevocations handles GET /revocations/{issuer}.
func (a *API) ListRevocations(w http.ResponseWriter, r *http.Request) {
	issuer, err := url.PathUnescape(chi.URLParam(r, "issuer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records := make([]RevocationResponse, 0)
	for record, err := range a.store.ByIssuer(r.Context(), issuer) {
		if err != nil {
			mapError(w, err)
			return
		}
		records = append(records, toRevocationResponse(record))
	}
	writeJSON(w, http.StatusOK, records)
}

// OCSPPost handles POST /ocsp with a DER request body.
func (a *API) OCSPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	der, status := a.responder.Respond(r.Context(), body)
	writeOCSP(w, der, status)
}

// OCSPGet handles GET /ocsp/{base64url(request)}.
func (a *API) OCSPGet(w http.ResponseWriter, r *http.Request) {
	segment, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	der, status := a.responder.RespondSegment(r.Context(), segment)
	writeOCSP(w, der, status)
}

// writeOCSP writes the response bytes. Only an internal failure maps to
// HTTP 500; protocol-level errors such as malformedRequest are carried
// inside a 200 body, as OCSP transports them in-band.
func writeOCSP(w http.ResponseWriter, der []byte, status ocsp.ResponseStatus) {
	w.Header().Set("Content-Type", ocspContentType)
	if status == ocsp.StatusInternalError {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = w.Write(der)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (req IssueRequest) subjectAltNames() (ca.SubjectAltNames, error) {
	sans := ca.SubjectAltNames{
		DNSNames:       req.DNSNames,
		EmailAddresses: req.EmailAddresses,
		UPNs:           req.UPNs,
	}
	for _, raw := range req.IPAddresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			return ca.SubjectAltNames{}, fmt.Errorf("invalid IP address %q", raw)
		}
		sans.IPAddresses = append(sans.IPAddresses, ip)
	}
	return sans, nil
}

func toCertificateResponse(issued *ca.IssuedCertificate) CertificateResponse {
	cert := issued.Certificate
	return CertificateResponse{
		Name:      issued.Ref.Name,
		Version:   issued.Ref.Version,
		Serial:    revocation.SerialFromBigInt(cert.SerialNumber),
		Subject:   vault.FormatDN(cert.Subject),
		Issuer:    vault.FormatDN(cert.Issuer),
		Role:      issued.Role.String(),
		NotBefore: cert.NotBefore.Format(time.RFC3339),
		NotAfter:  cert.NotAfter.Format(time.RFC3339),
		PathLen:   issued.PathLen,
		PEM:       string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issued.DER})),
	}
}

func toRevocationResponse(record revocation.Record) RevocationResponse {
	out := RevocationResponse{
		Serial:  record.SerialNumber,
		Issuer:  record.IssuerDN,
		Revoked: record.Revoked,
		Comment: record.Comment,
	}
	if record.Revoked {
		at := record.RevokedAt
		out.RevokedAt = &at
		out.Reason = record.Reason.String()
	}
	return out
}
