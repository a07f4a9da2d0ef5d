package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for names that cannot be used as a session
// directory.
var ErrInvalidName = errors.New("invalid session name")

// Session names start with a letter or digit so that they never read as a
// flag on the command line.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use up to 64 of a-z, 0-9, '-' and '_', starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}
