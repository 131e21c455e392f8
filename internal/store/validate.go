package store

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9-._]+$`)

const maxIDLength = 128

// validateID enforces the caller-supplied ID grammar shared by topics and
// subscriptions.
func validateID(kind, id string) error {
	if id == "" || len(id) > maxIDLength || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s id must match %s and be at most %d characters",
			ErrInvalidArgument, kind, idPattern.String(), maxIDLength)
	}
	return nil
}
