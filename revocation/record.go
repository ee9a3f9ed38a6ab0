// Package revocation persists and serves revocation facts for issued
// certificates. The Store interface has a tag-backed implementation over
// the vault's certificate objects and a two-tier caching decorator for the
// OCSP read path.
package revocation

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ReasonCode is an RFC 5280 §5.3.1 CRLReason value. Value 7 is not
// assigned by the RFC.
type ReasonCode int

const (
	ReasonUnspecified          ReasonCode = 0
	ReasonKeyCompromise        ReasonCode = 1
	ReasonCACompromise         ReasonCode = 2
	ReasonAffiliationChanged   ReasonCode = 3
	ReasonSuperseded           ReasonCode = 4
	ReasonCessationOfOperation ReasonCode = 5
	ReasonCertificateHold      ReasonCode = 6
	ReasonRemoveFromCRL        ReasonCode = 8
	ReasonPrivilegeWithdrawn   ReasonCode = 9
	ReasonAACompromise         ReasonCode = 10
)

var reasonNames = map[ReasonCode]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

func (r ReasonCode) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Valid reports whether r is one of the RFC 5280 assigned values.
func (r ReasonCode) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// ParseReason maps a reason name back to its code.
func ParseReason(name string) (ReasonCode, error) {
	for code, n := range reasonNames {
		if strings.EqualFold(n, name) {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation reason %q", name)
}

// Record is a revocation fact for one certificate. At most one record
// exists per (issuer DN, serial); revocation is one-way, there is no
// unrevoke.
type Record struct {
	// SerialNumber is the canonical hex form: uppercase, no separators.
	SerialNumber string

	Revoked   bool
	RevokedAt time.Time
	Reason    ReasonCode

	// IssuerDN is the formatted distinguished name of the issuing CA.
	IssuerDN string

	Comment string
}

// CanonicalSerial normalizes a serial number string to the canonical form:
// uppercase hex, no separators, no leading zero padding.
func CanonicalSerial(serial string) string {
	s := strings.ToUpper(strings.TrimSpace(serial))
	s = strings.TrimPrefix(s, "0X")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', ' ':
			return -1
		}
		return r
	}, s)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// SerialFromBigInt renders a certificate serial number in canonical form.
func SerialFromBigInt(serial *big.Int) string {
	return CanonicalSerial(serial.Text(16))
}
