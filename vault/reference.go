package vault

import "strings"

// Reference identifies a key/certificate pair held by a vault: the vault
// locator (base URL), the object name, and an optional version. Two
// references are equal when their normalized locator and name match;
// version is a selector, not part of identity.
type Reference struct {
	Locator string
	Name    string
	Version string
}

// NewReference builds a reference to the latest version of name in the
// vault at locator.
func NewReference(locator, name string) Reference {
	return Reference{Locator: locator, Name: name}
}

// WithVersion returns a copy of r pinned to the given version.
func (r Reference) WithVersion(version string) Reference {
	r.Version = version
	return r
}

// Equal reports whether r and other identify the same vault object,
// ignoring version.
func (r Reference) Equal(other Reference) bool {
	return normalizeLocator(r.Locator) == normalizeLocator(other.Locator) &&
		strings.EqualFold(r.Name, other.Name)
}

// Validate checks the reference's name against the boundary naming rule.
func (r Reference) Validate() error {
	return ValidateName(r.Name)
}

func (r Reference) String() string {
	s := normalizeLocator(r.Locator) + "/" + r.Name
	if r.Version != "" {
		s += "/" + r.Version
	}
	return s
}

func normalizeLocator(locator string) string {
	return strings.TrimRight(strings.ToLower(locator), "/")
}
