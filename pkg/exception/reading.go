package exception

import "errors"

// Reading parser errors
var (
	ErrEmptyPayload        = errors.New("reading: empty payload")
	ErrIncompleteRecord    = errors.New("reading: incomplete record")
	ErrUnrecoverableRecord = errors.New("reading: unrecoverable record")
	ErrMissingField        = errors.New("reading: missing field")
)
