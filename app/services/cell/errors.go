package cell

import "net/http"

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
	ErrNotFound          error = newError("container not found", http.StatusNotFound)
	ErrImageNotAvailable error = newError("image not available", http.StatusConflict)
	ErrNameConflict      error = newError("container name already in use", http.StatusConflict)
	ErrCellRunning       error = newError("container is running", http.StatusConflict)
	ErrInvalidState      error = newError("invalid container state for operation", http.StatusConflict)
	ErrInvalidRequest    error = newError("invalid container request", http.StatusBadRequest)
)
