/*
Broker is the ingestion edge of the relay.

# Module
  - collector: many remote clients push reading payloads over tcp or unix sockets
  - provenance gate: records without the approved tag are rejected before validation
  - client registry: last seen time and address per source, aged out on inactivity
  - command hub: operator commands pushed to every connected websocket client

# Source
  - collector endpoint (one reader goroutine per connection)
  - command endpoint (one writer goroutine per websocket client)

# Produce
  - normalized readings to the fan-out hub
  - rejection events, rate limited in the log

# Sharded
  - client (parser carry-over is keyed by connection)
*/
package broker
