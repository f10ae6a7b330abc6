package exception

import "errors"

var (
	ErrSignalNotFound  = errors.New("signal: not found")
	ErrSignalInvalid   = errors.New("signal: invalid")
	ErrSignalDuplicate = errors.New("signal: duplicate id")
	ErrSignalResolved  = errors.New("signal: already resolved")
	ErrPersist         = errors.New("signal: persist failed")
	ErrUnknownHorizon  = errors.New("signal: unknown horizon")
)
