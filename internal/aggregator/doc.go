/*
Aggregator keeps a bounded history per instrument and derives analytics from it.

# Module
  - ring buffer: newest readings per instrument, oldest evicted first
  - order flow: signed volume imbalance over the most recent readings
  - liquidity map: high-volume price buckets above and below the latest price
  - spread differential: narrowest against widest origin

# Source
  - readings from the fan-out hub

# Produce
  - snapshots for the query API, health and counts for the status report

# Sharded
  - instrument (each instrument has its own lock)

Derived values are always rebuilt from the ring contents, never updated incrementally.
*/
package aggregator
