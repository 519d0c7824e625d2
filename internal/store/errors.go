package store

import "errors"

var (
	ErrNotFound = errors.New("gateway state key not found")
)
