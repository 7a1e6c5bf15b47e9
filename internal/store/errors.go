package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when a create would reuse a registered email.
var ErrDuplicateEmail = errors.New("email already registered")
