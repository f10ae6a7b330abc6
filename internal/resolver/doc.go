/*
Resolver decides the outcome of issued signals against live prices.

# Module
  - store: one JSON line per signal, rewritten through a temp file to add results
  - evaluation: long signals exit on the bid, short signals on the ask
  - horizons: outcome classification recorded once at fixed ages
  - stats: outcome counts, win rate and average move per horizon

# Source
  - readings from the fan-out hub
  - signals appended to the log by an external producer (picked up on reload)

# Produce
  - resolved signals to the log and to an OutcomeSink (archive, logs)

# Sharded
  - signal (each signal has its own lock, the set has a read/write lock)

A resolved or expired signal never changes its terminal fields again.
*/
package resolver
