package session

import (
	"fmt"
	"regexp"
)

// Session names end up as directory names under the state root, so the
// charset is locked down hard: lowercase alphanumerics, dash, underscore.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects session names that cannot safely become a directory.
func ValidateName(name string) error {
	if namePattern.MatchString(name) {
		return nil
	}
	return fmt.Errorf("session name %q: use 1-64 chars from [a-z0-9_-]", name)
}
