package network

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
	ErrPoolExhausted error = newError("address pool exhausted", http.StatusServiceUnavailable)
	ErrNotAllocated  error = newError("address not allocated", http.StatusNotFound)
	ErrInvalidSubnet error = newError("invalid subnet", http.StatusBadRequest)
	ErrPortConflict  error = newError("host port already forwarded", http.StatusConflict)
	ErrInterface     error = newError("failed to configure interface", http.StatusInternalServerError)
	ErrFirewall      error = newError("failed to load firewall rules", http.StatusInternalServerError)
	ErrNoEgress      error = newError("could not determine egress interface", http.StatusInternalServerError)
)
