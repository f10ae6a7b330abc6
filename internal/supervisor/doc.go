/*
Supervisor keeps a fixed set of named worker processes alive.

# Module
  - probe: process table and heartbeat file liveness checks
  - launcher: starts a worker and waits a bounded time to confirm it stays up
  - policy: cooldown between attempts, a ceiling per rolling window, extended backoff
  - alerts: failure, restart_success and persistent_failure events
  - history: restart bookkeeping persisted in bbolt across supervisor restarts

# Source
  - check loop (single goroutine, every CheckInterval)
  - ForceRestart from operator tooling

# Produce
  - alert events to the configured sink
*/
package supervisor
