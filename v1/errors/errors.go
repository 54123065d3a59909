package errors

import "errors"

var (
	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("dlock: timeout")
	// ErrConnectionClosed is returned when the store connection is gone.
	ErrConnectionClosed = errors.New("dlock: connection closed")
	// ErrDuplicateKey is returned by InsertIfAbsent when a document with the
	// same name already exists.
	ErrDuplicateKey = errors.New("dlock: duplicate key")
	// ErrConfiguration is returned by Setup when required options are missing.
	ErrConfiguration = errors.New("dlock: invalid configuration")
)
