package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"
)

// Role is the chain role of an issued certificate. Each role carries its
// own extension-building policy, selected explicitly by the issuance entry
// point.
type Role int

const (
	RoleRoot Role = iota
	RoleIntermediate
	RoleLeaf
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleIntermediate:
		return "intermediate"
	case RoleLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// SubjectAltNames collects the subject alternative names for a leaf or
// intermediate certificate.
type SubjectAltNames struct {
	DNSNames       []string
	EmailAddresses []string

	// UPNs are Microsoft user principal names, encoded as otherName
	// entries in the SAN extension.
	UPNs []string

	IPAddresses []net.IP
}

// Empty reports whether no names are set.
func (s SubjectAltNames) Empty() bool {
	return len(s.DNSNames) == 0 && len(s.EmailAddresses) == 0 &&
		len(s.UPNs) == 0 && len(s.IPAddresses) == 0
}

// rootTemplate builds the extension policy for a self-issued root CA:
// CA=true, no path-length constraint, certificate and CRL signing only.
func rootTemplate(subject pkix.Name) *x509.Certificate {
	return &x509.Certificate{
		Subject:               subject,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

// intermediateTemplate builds the policy for a subordinate CA with a
// caller-specified path-length constraint.
func intermediateTemplate(subject pkix.Name, pathLen int, sans SubjectAltNames) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:               subject,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            pathLen,
		MaxPathLenZero:        pathLen == 0,
	}
	if err := applySANs(tmpl, sans); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// leafTemplate builds the policy for an end-entity certificate. CRL
// signing is preserved in the key usage for compatibility with existing
// consumers of this CA.
func leafTemplate(subject pkix.Name, sans SubjectAltNames) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:               subject,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if err := applySANs(tmpl, sans); err != nil {
		return nil, err
	}
	return tmpl, nil
}

var (
	oidExtensionSAN = encasn1.ObjectIdentifier{2, 5, 29, 17}
	oidUPN          = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 3}
)

// GeneralName context tags from RFC 5280 §4.2.1.6.
const (
	sanTagOtherName = 0
	sanTagEmail     = 1
	sanTagDNS       = 2
	sanTagIP        = 7
)

// applySANs attaches the subject-alternative-name extension. The extension
// is always hand-built: UPN otherName entries have no representation in
// the x509 typed fields, and building all names through one encoder keeps
// the entry ordering stable regardless of which name kinds are present.
func applySANs(tmpl *x509.Certificate, sans SubjectAltNames) error {
	if sans.Empty() {
		return nil
	}
	ext, err := marshalSANs(sans)
	if err != nil {
		return err
	}
	tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	return nil
}

func marshalSANs(sans SubjectAltNames) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, upn := range sans.UPNs {
			b.AddASN1(cryptobyte_asn1.Tag(sanTagOtherName).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidUPN)
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(upn))
					})
				})
			})
		}
		for _, email := range sans.EmailAddresses {
			b.AddASN1(cryptobyte_asn1.Tag(sanTagEmail).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(email))
			})
		}
		for _, dns := range sans.DNSNames {
			b.AddASN1(cryptobyte_asn1.Tag(sanTagDNS).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(dns))
			})
		}
		for _, ip := range sans.IPAddresses {
			addr := ip
			if v4 := ip.To4(); v4 != nil {
				addr = v4
			}
			b.AddASN1(cryptobyte_asn1.Tag(sanTagIP).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(addr)
			})
		}
	})
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding subject alternative names: %w", err)
	}
	return pkix.Extension{Id: oidExtensionSAN, Value: value}, nil
}
