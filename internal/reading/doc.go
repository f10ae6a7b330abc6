/*
Reading reconstructs price readings from the raw byte stream of a remote client.

# Module
  - framer: cuts a byte stream into record frames, keeps the unfinished tail as carry-over
  - recovery: strict decode, structural repair, field extraction
  - validator: allow-list and sanity bounds

# Source
  - raw chunks read by the collector

# Produce
  - model.Reading values, rejections from the admission gate

# Sharded
  - client key (one carry-over buffer per connection)

Parsing the concatenation of chunks yields the same readings as parsing each chunk in turn:
a frame is only emitted once its bytes are final, and undecidable tails are deferred.
*/
package reading
