/*
Package runtime hosts the Service that connects a broker transport to the
outbox, the inbox and the handler dispatcher.

# Producing

Service.Post and its typed variants stage envelopes in the outbox. Start
launches the relay: a catchup sweep of uncleared messages followed by a watch
of new ones, each published through the transport and then cleared. A
CatchupSchedule in Config repeats the sweep on a cron schedule. Publish skips
the outbox and sends straight to the broker.

# Consuming

Every consumed record is parsed and, when muxed, demuxed. Each resulting
envelope is dispatched on its Subject, the application headers plus topic,
message type and key. The first handler whose spec is contained in the
subject wins. Unmatched envelopes are acknowledged and skipped. Matched ones
are logged to the inbox before the handler runs; a duplicate is skipped and a
handler failure removes the inbox marker again.

# Sub-packages

  - config/: Service configuration loaded from the environment
  - dispatcher/: ordered partial-match dispatch
  - envelope/: the message envelope and the mux codec
  - errors/: coded and sentinel errors
  - handlers/: typed JSON and protobuf handler adapters
  - ids/: message id generators
  - inbox/, outbox/: the two halves of the storage protocol
  - jsoncodec/: JSON encoding
  - logging/: logger interface and adapters
  - metadata/: header maps and the reserved namespace
  - metrics/: Prometheus collectors and snapshots
  - transport/: broker selection from configuration
*/
package runtime
