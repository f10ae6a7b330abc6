package exception

import "errors"

// Supervisor errors
var (
	ErrWorkerUnknown     = errors.New("supervisor: unknown worker")
	ErrWorkerExists      = errors.New("supervisor: worker already registered")
	ErrCeilingReached    = errors.New("supervisor: restart ceiling reached")
	ErrCooldownActive    = errors.New("supervisor: cooldown active")
	ErrStartTimeout      = errors.New("supervisor: start not confirmed")
	ErrEmptyLaunchSpec   = errors.New("supervisor: empty launch spec")
	ErrProcessNotRunning = errors.New("supervisor: process not running")
)
