package volume

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

type Error struct {
	StatusCode int
	message    string
}

func newError(message string, status int) Error {
	return Error{status, message}
}

func (e Error) Error() string {
	return e.message
}

func (e Error) Status() int {
	return e.StatusCode
}

var (
	ErrNotFound         error = newError("dataset or snapshot not found", http.StatusNotFound)
	ErrAlreadyExists    error = newError("dataset or snapshot already exists", http.StatusConflict)
	ErrDependentClones  error = newError("dataset has dependent clones", http.StatusConflict)
	ErrPermissionDenied error = newError("permission denied by volume store", http.StatusForbidden)
	ErrCommandFailed    error = newError("volume store command failed", http.StatusInternalServerError)
)

// parseError maps zfs stderr onto the error kinds above.
func parseError(err error, path string) error {
	if err == nil {
		return nil
	}

	stderr := strings.ToLower(helpers.Stderr(err))
	switch {
	case strings.Contains(stderr, "does not exist"), strings.Contains(stderr, "no such pool"):
		return errors.Wrap(ErrNotFound, path)
	case strings.Contains(stderr, "already exists"):
		return errors.Wrap(ErrAlreadyExists, path)
	case strings.Contains(stderr, "dependent clones"), strings.Contains(stderr, "has children"):
		return errors.Wrap(ErrDependentClones, path)
	case strings.Contains(stderr, "permission denied"):
		return errors.Wrap(ErrPermissionDenied, path)
	}
	return errors.Wrapf(ErrCommandFailed, "%s: %s", path, strings.TrimSpace(helpers.Stderr(err)))
}
