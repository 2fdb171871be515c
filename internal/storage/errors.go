package storage

import "errors"

// ErrNotFound is returned when no policy exists for an organization.
var ErrNotFound = errors.New("policy not found")
