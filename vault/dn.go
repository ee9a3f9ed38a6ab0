package vault

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// FormatDN renders a pkix.Name as the comma-separated DN string used in
// certificate policies and revocation records. The attribute order is
// fixed so that the same name always produces the same string; revocation
// lookups key on it.
func FormatDN(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// ParseDN parses a comma-separated DN string ("CN=Test-CA, O=Org") into a
// pkix.Name. Only the attribute types FormatDN emits are recognized.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	if strings.TrimSpace(dn) == "" {
		return name, fmt.Errorf("empty distinguished name")
	}
	for part := range strings.SplitSeq(dn, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return name, fmt.Errorf("malformed DN component %q", part)
		}
		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "CN":
			name.CommonName = value
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "C":
			name.Country = append(name.Country, value)
		default:
			return name, fmt.Errorf("unsupported DN attribute %q", attr)
		}
	}
	return name, nil
}
