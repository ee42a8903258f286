package services

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
	ErrImageNotFound      error = newError("image not found", http.StatusNotFound)
	ErrAmbiguousImage     error = newError("image reference matches more than one image", http.StatusBadRequest)
	ErrImageHasDependents error = newError("image has dependent images", http.StatusConflict)
	ErrImageBuilding      error = newError("image is still building", http.StatusConflict)
	ErrBuildNotFound      error = newError("no build with that name", http.StatusNotFound)
	ErrInvalidRequest     error = newError("invalid request", http.StatusBadRequest)
)
