package build

import (
	"fmt"
	"net/http"

	"github.com/2a46m4/kawakaze/app/models/image"
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
	ErrParse           error = newError("invalid instruction file", http.StatusBadRequest)
	ErrBaseNotFound    error = newError("base image not found", http.StatusNotFound)
	ErrNotAvailable    error = newError("base image not available", http.StatusConflict)
	ErrAlreadyBuilding error = newError("image is already being built", http.StatusConflict)
	ErrNameConflict    error = newError("image name already in use", http.StatusConflict)
	ErrInvalidName     error = newError("invalid image name", http.StatusBadRequest)
	ErrStepFailed      error = newError("build step failed", http.StatusUnprocessableEntity)
	ErrInvalidContext  error = newError("invalid build context", http.StatusBadRequest)
)

// InstructionError reports the instruction a build failed at. Index is the
// position in the parsed instruction list, starting at 0.
type InstructionError struct {
	Index       int
	Instruction image.Instruction
	Err         error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d (%s, line %d): %v", e.Index, e.Instruction.Kind, e.Instruction.Line, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

func (e *InstructionError) Status() int {
	return http.StatusUnprocessableEntity
}
