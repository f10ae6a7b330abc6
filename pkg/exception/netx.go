package exception

import "errors"

// Listener and dialer errors
var (
	// ErrEmptyAddress is returned when a listen or dial address is empty.
	ErrEmptyAddress = errors.New("netx: empty address")

	// ErrNilClient is returned when a nil client receiver is used.
	ErrNilClient = errors.New("netx: nil client")

	// ErrUnsupportedNetwork is returned for networks other than tcp and unix.
	ErrUnsupportedNetwork = errors.New("netx: unsupported network")
)
