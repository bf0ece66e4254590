package store

import "fmt"

// Error wraps a backend failure with the operation and key involved.
type Error struct {
	Op  string // incr, get, set
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
