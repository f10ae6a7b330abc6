package exception

import "errors"

var (
	// ErrProvenanceMissing is returned when a record carries no provenance tag.
	ErrProvenanceMissing = errors.New("broker: provenance missing")
	// ErrProvenanceMismatch is returned when the provenance tag is not the approved value.
	ErrProvenanceMismatch = errors.New("broker: provenance mismatch")

	ErrBrokerClosed      = errors.New("broker: closed")
	ErrEmptyCommand      = errors.New("broker: empty command")
	ErrCommandQueueFull  = errors.New("broker: command queue full")
	ErrSubscriptionEnded = errors.New("broker: subscription closed")
)
