package docstore

import "errors"

// Sentinel errors for the docstore package and its implementations.
var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrInvalidPath   = errors.New("invalid document path")
	ErrClosed        = errors.New("store closed")
)
