package store

import "errors"

// Error kinds surfaced by the store. The HTTP layer maps ErrNotFound,
// ErrAlreadyExists and ErrInvalidArgument to status codes; everything else is
// treated as internal. ErrInvalidClient and ErrInvalidToken are not returned
// by the store and not mapped; auth failures use the auth package's errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidClient   = errors.New("invalid client")
	ErrInvalidToken    = errors.New("invalid token")
)
