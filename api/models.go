package api

import "time"

// CreateRootRequest is the JSON body for POST /ca/root.
type CreateRootRequest struct {
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`

	// ReuseKey keeps the existing key pair on renewal, preserving the
	// subject key identifier across versions.
	ReuseKey bool `json:"reuse_key,omitempty"`
}

// IssueRequest is the JSON body for POST /ca/intermediates/{name} and
// POST /ca/certificates/{name}.
type IssueRequest struct {
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`

	DNSNames       []string `json:"dns_names,omitempty"`
	EmailAddresses []string `json:"email_addresses,omitempty"`
	UPNs           []string `json:"upns,omitempty"`
	IPAddresses    []string `json:"ip_addresses,omitempty"`

	// PathLen applies to intermediates only.
	PathLen int `json:"path_len,omitempty"`
}

// CertificateResponse describes an issued certificate.
type CertificateResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Serial    string `json:"serial"`
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	Role      string `json:"role"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
	PathLen   *int   `json:"path_len,omitempty"`
	PEM       string `json:"pem"`
}

// RevokeRequest is the JSON body for POST /revocations.
type RevokeRequest struct {
	Issuer  string `json:"issuer"`
	Serial  string `json:"serial"`
	Reason  string `json:"reason"`
	Comment string `json:"comment,omitempty"`
}

// RevocationResponse describes one revocation record.
type RevocationResponse struct {
	Serial    string     `json:"serial"`
	Issuer    string     `json:"issuer"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Comment   string     `json:"comment,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
