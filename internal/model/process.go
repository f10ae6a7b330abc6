package model

import "time"

type ProcessStatus string

const (
	ProcessRunning    ProcessStatus = "RUNNING"
	ProcessDead       ProcessStatus = "DEAD"
	ProcessRestarting ProcessStatus = "RESTARTING"
	// ProcessBackoff means automatic restarts are exhausted for now.
	ProcessBackoff ProcessStatus = "BACKOFF"
)

// ProcessRecord is the supervisor's view of one worker.
type ProcessRecord struct {
	Name          string        `json:"name"`
	PID           int           `json:"pid"`
	LastSeen      time.Time     `json:"last_seen"`
	RestartCount  int           `json:"restart_count"`
	LastRestartAt time.Time     `json:"last_restart_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	FailureCount  int           `json:"failure_count"`
	Status        ProcessStatus `json:"status"`
}
