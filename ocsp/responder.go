package ocsp

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwhitlock/remca/revocation"
	"github.com/dwhitlock/remca/vault"
)

// DefaultValidity is how long a signed response stays fresh when no
// override is given.
const DefaultValidity = 10 * time.Minute

// Error responses carry no responder identity and no signature, so they
// are fixed byte strings computed once.
var (
	malformedRequestResponse = mustErrorResponse(StatusMalformedRequest)
	internalErrorResponse    = mustErrorResponse(StatusInternalError)
)

func mustErrorResponse(status ResponseStatus) []byte {
	der, err := asn1.Marshal(responseASN1{Status: asn1.Enumerated(status)})
	if err != nil {
		panic(fmt.Sprintf("encoding static %s response: %v", status, err))
	}
	return der
}

// Responder answers status queries for certificates issued by one CA. Each
// response is signed through the vault with the responder's own delegated
// key; the responder certificate is attached so relying parties can build
// the trust path.
type Responder struct {
	store   revocation.Store
	signer  vault.Signer
	signRef vault.Reference

	cert   *x509.Certificate
	issuer *x509.Certificate

	validity time.Duration
	logger   *slog.Logger
	now      func() time.Time

	issuerDN string

	// Issuer hashes precomputed for both digests a client may pick.
	sha1NameHash   []byte
	sha1KeyHash    []byte
	sha256NameHash []byte
	sha256KeyHash  []byte

	// responderKeyHash is the byKey responder ID: SHA-1 over the
	// responder's subjectPublicKey BIT STRING.
	responderKeyHash []byte

	sigAlg  pkix.AlgorithmIdentifier
	sigHash crypto.Hash
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithValidity sets the thisUpdate -> nextUpdate freshness window.
func WithValidity(d time.Duration) ResponderOption {
	return func(r *Responder) { r.validity = d }
}

// WithLogger sets the structured logger for response events.
func WithLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResponderOption {
	return func(r *Responder) { r.now = now }
}

// NewResponder builds a responder for certificates issued by issuer,
// answering from store and signing with the vault key behind signRef,
// whose certificate is cert.
func NewResponder(store revocation.Store, signer vault.Signer, signRef vault.Reference, cert, issuer *x509.Certificate, opts ...ResponderOption) (*Responder, error) {
	if err := signRef.Validate(); err != nil {
		return nil, err
	}

	r := &Responder{
		store:    store,
		signer:   signer,
		signRef:  signRef,
		cert:     cert,
		issuer:   issuer,
		validity: DefaultValidity,
		logger:   slog.Default(),
		now:      time.Now,
		issuerDN: vault.FormatDN(issuer.Subject),
	}
	for _, opt := range opts {
		opt(r)
	}

	issuerKeyBits, err := publicKeyBits(issuer)
	if err != nil {
		return nil, err
	}
	sha1Name := sha1.Sum(issuer.RawSubject)
	sha1Key := sha1.Sum(issuerKeyBits)
	sha256Name := sha256.Sum256(issuer.RawSubject)
	sha256Key := sha256.Sum256(issuerKeyBits)
	r.sha1NameHash = sha1Name[:]
	r.sha1KeyHash = sha1Key[:]
	r.sha256NameHash = sha256Name[:]
	r.sha256KeyHash = sha256Key[:]

	responderKeyBits, err := publicKeyBits(cert)
	if err != nil {
		return nil, err
	}
	keyHash := sha1.Sum(responderKeyBits)
	r.responderKeyHash = keyHash[:]

	if err := r.selectSignatureAlgorithm(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Responder) selectSignatureAlgorithm() error {
	switch pub := r.cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if pub.Curve == elliptic.P384() {
			r.sigHash = crypto.SHA384
			r.sigAlg = pkix.AlgorithmIdentifier{Algorithm: oidSigECDSAWithSHA384}
			return nil
		}
		r.sigHash = crypto.SHA256
		r.sigAlg = pkix.AlgorithmIdentifier{Algorithm: oidSigECDSAWithSHA256}
		return nil
	case *rsa.PublicKey:
		r.sigHash = crypto.SHA256
		r.sigAlg = pkix.AlgorithmIdentifier{
			Algorithm:  oidSigSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}
		return nil
	default:
		return fmt.Errorf("unsupported responder key type %T", r.cert.PublicKey)
	}
}

// Respond processes one DER-encoded request and returns the DER response
// plus its status. The returned bytes are always a valid OCSPResponse:
// undecodable input yields the static malformedRequest response, and any
// internal failure yields the static internalError response so that no
// error detail leaks to the client.
func (r *Responder) Respond(ctx context.Context, der []byte) ([]byte, ResponseStatus) {
	req, err := ParseRequest(der)
	if err != nil {
		r.logger.DebugContext(ctx, "rejecting OCSP request", "error", err)
		return malformedRequestResponse, StatusMalformedRequest
	}
	return r.respond(ctx, req)
}

// RespondSegment processes the base64 path segment of an OCSP GET request.
func (r *Responder) RespondSegment(ctx context.Context, segment string) ([]byte, ResponseStatus) {
	req, err := ParseRequestSegment(segment)
	if err != nil {
		r.logger.DebugContext(ctx, "rejecting OCSP GET request", "error", err)
		return malformedRequestResponse, StatusMalformedRequest
	}
	return r.respond(ctx, req)
}

func (r *Responder) respond(ctx context.Context, req *Request) ([]byte, ResponseStatus) {
	produced := r.now().UTC().Truncate(time.Second)
	nextUpdate := produced.Add(r.validity)

	singles := make([]singleResponse, 0, len(req.CertIDs))
	for _, id := range req.CertIDs {
		single, err := r.resolve(ctx, id, produced, nextUpdate)
		if err != nil {
			r.logger.ErrorContext(ctx, "resolving certificate status",
				"serial", revocation.SerialFromBigInt(id.SerialNumber),
				"error", err,
			)
			return internalErrorResponse, StatusInternalError
		}
		singles = append(singles, single)
	}

	out, err := r.sign(ctx, singles, req.Nonce, produced)
	if err != nil {
		r.logger.ErrorContext(ctx, "signing OCSP response", "error", err)
		return internalErrorResponse, StatusInternalError
	}
	r.logger.DebugContext(ctx, "OCSP response signed", "certs", len(singles))
	return out, StatusSuccessful
}

// resolve maps one CertID to its SingleResponse. CertIDs whose issuer
// hashes do not name this responder's CA come back unknown; for a match,
// absence from the revocation store means good.
func (r *Responder) resolve(ctx context.Context, id CertID, thisUpdate, nextUpdate time.Time) (singleResponse, error) {
	single := singleResponse{
		CertID:     r.wireCertID(id),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}

	if !r.issuerMatches(id) {
		single.Unknown = true
		return single, nil
	}

	record, err := r.store.Get(ctx, r.issuerDN, revocation.SerialFromBigInt(id.SerialNumber))
	switch {
	case errors.Is(err, vault.ErrNotFound):
		single.Good = true
	case err != nil:
		return singleResponse{}, err
	case record.Revoked:
		single.Revoked = revokedInfo{
			RevocationTime: record.RevokedAt.UTC().Truncate(time.Second),
			Reason:         asn1.Enumerated(record.Reason),
		}
	default:
		single.Good = true
	}
	return single, nil
}

func (r *Responder) issuerMatches(id CertID) bool {
	switch {
	case id.HashAlgorithm.Equal(oidSHA1):
		return id.matches(r.sha1NameHash, r.sha1KeyHash)
	case id.HashAlgorithm.Equal(oidSHA256):
		return id.matches(r.sha256NameHash, r.sha256KeyHash)
	default:
		return false
	}
}

// wireCertID echoes the request's CertID back unchanged, as the protocol
// requires.
func (r *Responder) wireCertID(id CertID) certIDASN1 {
	return certIDASN1{
		HashAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  id.HashAlgorithm,
			Parameters: asn1.NullRawValue,
		},
		NameHash:      id.IssuerNameHash,
		IssuerKeyHash: id.IssuerKeyHash,
		SerialNumber:  id.SerialNumber,
	}
}

func (r *Responder) sign(ctx context.Context, singles []singleResponse, nonce []byte, produced time.Time) ([]byte, error) {
	keyHashDER, err := asn1.Marshal(r.responderKeyHash)
	if err != nil {
		return nil, fmt.Errorf("encoding responder key hash: %w", err)
	}

	tbs := responseData{
		RawResponderID: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        2,
			IsCompound: true,
			Bytes:      keyHashDER,
		},
		ProducedAt: produced,
		Responses:  singles,
	}
	if len(nonce) > 0 {
		tbs.Extensions = []pkix.Extension{{Id: oidOCSPNonce, Value: nonce}}
	}

	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("encoding response data: %w", err)
	}

	alg, err := vault.AlgorithmFor(r.cert.PublicKey, r.sigHash)
	if err != nil {
		return nil, err
	}
	hasher := r.sigHash.New()
	hasher.Write(tbsDER)
	raw, err := r.signer.Sign(ctx, r.signRef, hasher.Sum(nil), alg)
	if err != nil {
		return nil, fmt.Errorf("signing response data: %w", err)
	}
	signature := raw
	if _, ok := r.cert.PublicKey.(*ecdsa.PublicKey); ok {
		if signature, err = vault.ECSignatureDER(raw); err != nil {
			return nil, err
		}
	}

	basic, err := asn1.Marshal(basicResponse{
		TBSResponseData:    tbs,
		SignatureAlgorithm: r.sigAlg,
		Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
		Certificates:       []asn1.RawValue{{FullBytes: r.cert.Raw}},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding basic response: %w", err)
	}

	out, err := asn1.Marshal(responseASN1{
		Status: asn1.Enumerated(StatusSuccessful),
		Response: responseBytes{
			ResponseType: oidPKIXOCSPBasic,
			Response:     basic,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return out, nil
}
