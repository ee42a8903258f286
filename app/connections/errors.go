package connections

import "fmt"

type ConnectionError struct {
	err     error
	backend string
}

func NewConnectionError(err error, backend string) error {
	return ConnectionError{err: err, backend: backend}
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.backend, e.err)
}

func (e ConnectionError) Unwrap() error {
	return e.err
}
