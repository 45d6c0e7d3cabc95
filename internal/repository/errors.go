package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the database rejected the value shape.
var ErrInvalidArgument = errors.New("repository: invalid argument")
