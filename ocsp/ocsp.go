// Package ocsp implements the RFC 6960 request/response wire format and a
// revocation-checking responder on top of the revocation store and the
// vault's remote signing capability.
//
// The codec is hand-built on encoding/asn1 rather than layered on
// golang.org/x/crypto/ocsp: this responder needs multi-CertID requests,
// the nonce extension, a byKey responder ID and multi-SingleResponse
// responses, none of which that package can produce. The structures below
// mirror its wire definitions and the tests cross-check against it.
package ocsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dwhitlock/remca/revocation"
)

// ErrMalformedRequest indicates bytes that do not decode as an
// OCSPRequest.
var ErrMalformedRequest = errors.New("malformed OCSP request")

var (
	oidPKIXOCSPBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
	oidOCSPNonce     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

	oidSigECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidSigECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidSigSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
)

// ResponseStatus is the OCSPResponseStatus enumeration of RFC 6960 §4.2.1.
type ResponseStatus int

const (
	StatusSuccessful       ResponseStatus = 0
	StatusMalformedRequest ResponseStatus = 1
	StatusInternalError    ResponseStatus = 2
	StatusTryLater         ResponseStatus = 3
	StatusSigRequired      ResponseStatus = 5
	StatusUnauthorized     ResponseStatus = 6
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMalformedRequest:
		return "malformedRequest"
	case StatusInternalError:
		return "internalError"
	case StatusTryLater:
		return "tryLater"
	case StatusSigRequired:
		return "sigRequired"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CertStatus is the per-certificate status in a SingleResponse.
type CertStatus int

const (
	Good CertStatus = iota
	Revoked
	Unknown
)

func (s CertStatus) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("certstatus(%d)", int(s))
	}
}

// CertID identifies one certificate in a request or response: the hash
// algorithm, the issuer name and key hashes, and the serial number.
type CertID struct {
	HashAlgorithm  asn1.ObjectIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// NewCertID computes the CertID for serial under issuer with the given
// digest (crypto.SHA1 or crypto.SHA256): the name hash covers the
// issuer's subject DN encoding, the key hash covers the issuer's
// subjectPublicKey BIT STRING.
func NewCertID(issuer *x509.Certificate, serial *big.Int, hash crypto.Hash) (CertID, error) {
	var oid asn1.ObjectIdentifier
	switch hash {
	case crypto.SHA1:
		oid = oidSHA1
	case crypto.SHA256:
		oid = oidSHA256
	default:
		return CertID{}, fmt.Errorf("unsupported CertID digest %v", hash)
	}
	keyBits, err := publicKeyBits(issuer)
	if err != nil {
		return CertID{}, err
	}
	nameHasher := hash.New()
	nameHasher.Write(issuer.RawSubject)
	keyHasher := hash.New()
	keyHasher.Write(keyBits)
	return CertID{
		HashAlgorithm:  oid,
		IssuerNameHash: nameHasher.Sum(nil),
		IssuerKeyHash:  keyHasher.Sum(nil),
		SerialNumber:   serial,
	}, nil
}

// Request is a parsed OCSPRequest: one or more CertID entries and an
// optional nonce. The nonce bytes are the raw extnValue and are echoed
// verbatim in the response.
type Request struct {
	CertIDs []CertID
	Nonce   []byte
}

// ---------------------------------------------------------------------------
// Wire structures (RFC 6960 §4.1.1, §4.2.1)
// ---------------------------------------------------------------------------

type certIDASN1 struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type ocspRequestASN1 struct {
	TBSRequest        tbsRequest
	OptionalSignature asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type tbsRequest struct {
	Version       int              `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName asn1.RawValue    `asn1:"explicit,tag:1,optional"`
	RequestList   []singleRequest
	ExtensionList []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type singleRequest struct {
	Cert       certIDASN1
	Extensions []pkix.Extension `asn1:"explicit,tag:0,optional"`
}

type responseASN1 struct {
	Status   asn1.Enumerated
	Response responseBytes `asn1:"explicit,tag:0,optional"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponse struct {
	TBSResponseData    responseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type responseData struct {
	Raw            asn1.RawContent
	Version        int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID asn1.RawValue
	ProducedAt     time.Time `asn1:"generalized"`
	Responses      []singleResponse
	Extensions     []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type singleResponse struct {
	CertID           certIDASN1
	Good             asn1.Flag        `asn1:"tag:0,optional"`
	Revoked          revokedInfo      `asn1:"tag:1,optional"`
	Unknown          asn1.Flag        `asn1:"tag:2,optional"`
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"generalized,explicit,tag:0,optional"`
	SingleExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type revokedInfo struct {
	RevocationTime time.Time       `asn1:"generalized"`
	Reason         asn1.Enumerated `asn1:"explicit,tag:0,optional"`
}

// ---------------------------------------------------------------------------
// Request codec
// ---------------------------------------------------------------------------

// ParseRequest decodes a DER OCSPRequest. Undecodable input, trailing
// bytes, or an empty request list fail with ErrMalformedRequest.
func ParseRequest(der []byte) (*Request, error) {
	var req ocspRequestASN1
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedRequest)
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("%w: no certificates requested", ErrMalformedRequest)
	}

	out := &Request{}
	for _, single := range req.TBSRequest.RequestList {
		out.CertIDs = append(out.CertIDs, CertID{
			HashAlgorithm:  single.Cert.HashAlgorithm.Algorithm,
			IssuerNameHash: single.Cert.NameHash,
			IssuerKeyHash:  single.Cert.IssuerKeyHash,
			SerialNumber:   single.Cert.SerialNumber,
		})
	}
	for _, ext := range req.TBSRequest.ExtensionList {
		if ext.Id.Equal(oidOCSPNonce) {
			out.Nonce = ext.Value
		}
	}
	return out, nil
}

// ParseRequestSegment decodes the base64url path segment of an OCSP GET
// request. Standard base64 is accepted too; clients disagree on which
// alphabet the URL form uses.
func ParseRequestSegment(segment string) (*Request, error) {
	encodings := []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	}
	for _, enc := range encodings {
		if der, err := enc.DecodeString(segment); err == nil {
			return ParseRequest(der)
		}
	}
	return nil, fmt.Errorf("%w: not base64", ErrMalformedRequest)
}

// MarshalRequest encodes req as a DER OCSPRequest.
func MarshalRequest(req *Request) ([]byte, error) {
	if len(req.CertIDs) == 0 {
		return nil, fmt.Errorf("request needs at least one CertID")
	}
	var tbs tbsRequest
	for _, id := range req.CertIDs {
		tbs.RequestList = append(tbs.RequestList, singleRequest{Cert: certIDASN1{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  id.HashAlgorithm,
				Parameters: asn1.NullRawValue,
			},
			NameHash:      id.IssuerNameHash,
			IssuerKeyHash: id.IssuerKeyHash,
			SerialNumber:  id.SerialNumber,
		}})
	}
	if len(req.Nonce) > 0 {
		tbs.ExtensionList = []pkix.Extension{{Id: oidOCSPNonce, Value: req.Nonce}}
	}
	der, err := asn1.Marshal(ocspRequestASN1{TBSRequest: tbs})
	if err != nil {
		return nil, fmt.Errorf("encoding OCSP request: %w", err)
	}
	return der, nil
}

// ---------------------------------------------------------------------------
// Response codec
// ---------------------------------------------------------------------------

// SingleStatus is the parsed status of one certificate in a response.
type SingleStatus struct {
	CertID     CertID
	Status     CertStatus
	RevokedAt  time.Time
	Reason     revocation.ReasonCode
	ThisUpdate time.Time
	NextUpdate time.Time
}

// Response is a parsed OCSPResponse. For non-successful statuses only
// Status is set.
type Response struct {
	Status           ResponseStatus
	ResponderKeyHash []byte
	ProducedAt       time.Time
	Statuses         []SingleStatus
	Nonce            []byte

	SignatureAlgorithm asn1.ObjectIdentifier
	Signature          []byte

	// TBSResponseData holds the DER bytes the signature covers.
	TBSResponseData []byte

	Certificates []*x509.Certificate
}

// ParseResponse decodes a DER OCSPResponse, including multi-certificate
// responses.
func ParseResponse(der []byte) (*Response, error) {
	var resp responseASN1
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("malformed OCSP response: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("malformed OCSP response: trailing data")
	}
	out := &Response{Status: ResponseStatus(resp.Status)}
	if out.Status != StatusSuccessful {
		return out, nil
	}
	if !resp.Response.ResponseType.Equal(oidPKIXOCSPBasic) {
		return nil, fmt.Errorf("unsupported response type %v", resp.Response.ResponseType)
	}

	var basic basicResponse
	if rest, err := asn1.Unmarshal(resp.Response.Response, &basic); err != nil {
		return nil, fmt.Errorf("malformed basic response: %w", err)
	} else if len(rest) > 0 {
		return nil, fmt.Errorf("malformed basic response: trailing data")
	}

	out.TBSResponseData = basic.TBSResponseData.Raw
	out.SignatureAlgorithm = basic.SignatureAlgorithm.Algorithm
	out.Signature = basic.Signature.RightAlign()
	out.ProducedAt = basic.TBSResponseData.ProducedAt

	if id := basic.TBSResponseData.RawResponderID; id.Class == asn1.ClassContextSpecific && id.Tag == 2 {
		var keyHash []byte
		if _, err := asn1.Unmarshal(id.Bytes, &keyHash); err != nil {
			return nil, fmt.Errorf("malformed responder key hash: %w", err)
		}
		out.ResponderKeyHash = keyHash
	}

	for _, ext := range basic.TBSResponseData.Extensions {
		if ext.Id.Equal(oidOCSPNonce) {
			out.Nonce = ext.Value
		}
	}

	for _, single := range basic.TBSResponseData.Responses {
		status := SingleStatus{
			CertID: CertID{
				HashAlgorithm:  single.CertID.HashAlgorithm.Algorithm,
				IssuerNameHash: single.CertID.NameHash,
				IssuerKeyHash:  single.CertID.IssuerKeyHash,
				SerialNumber:   single.CertID.SerialNumber,
			},
			ThisUpdate: single.ThisUpdate,
			NextUpdate: single.NextUpdate,
		}
		switch {
		case bool(single.Unknown):
			status.Status = Unknown
		case !single.Revoked.RevocationTime.IsZero():
			status.Status = Revoked
			status.RevokedAt = single.Revoked.RevocationTime
			status.Reason = revocation.ReasonCode(single.Revoked.Reason)
		default:
			status.Status = Good
		}
		out.Statuses = append(out.Statuses, status)
	}

	for _, raw := range basic.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("malformed responder certificate: %w", err)
		}
		out.Certificates = append(out.Certificates, cert)
	}
	return out, nil
}

func publicKeyBits(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("decoding subject public key info: %w", err)
	}
	return spki.PublicKey.RightAlign(), nil
}

// matchesHash reports whether the CertID's issuer hashes match the given
// precomputed pair.
func (id CertID) matches(nameHash, keyHash []byte) bool {
	return bytes.Equal(id.IssuerNameHash, nameHash) && bytes.Equal(id.IssuerKeyHash, keyHash)
}
