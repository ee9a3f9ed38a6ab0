package vault

import (
	"fmt"
	"regexp"
)

// MaxNameLength is the maximum length of a vault object name.
const MaxNameLength = 127

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)

// ValidateName checks an identifier against the boundary naming rule:
// 1-127 characters, starting with a letter, containing only letters,
// digits and hyphens.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q exceeds maximum length of %d", ErrInvalidName, name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a letter and contain only letters, digits and hyphens", ErrInvalidName, name)
	}
	return nil
}
