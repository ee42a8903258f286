package jail

import (
	"net/http"
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
	// ErrBindAfterCreation is returned when an interface is bound to a jail
	// that already exists. VNET interfaces can only be handed over at
	// creation, so this is a programming error and never retried.
	ErrBindAfterCreation error = newError("interfaces can only be bound at jail creation", http.StatusInternalServerError)
	ErrIncomplete        error = newError("jail definition incomplete", http.StatusInternalServerError)
	ErrNotRunning        error = newError("jail is not running", http.StatusConflict)
	ErrCreateFailed      error = newError("failed to create jail", http.StatusInternalServerError)
	ErrExecFailed        error = newError("failed to run command in jail", http.StatusInternalServerError)
)
