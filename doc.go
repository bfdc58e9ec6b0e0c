// Package livewire adds a transactional outbox and an idempotent inbox on top
// of Watermill. Producers stage envelopes in the outbox, optionally inside
// their own database transaction, and a relay publishes them to the broker
// once they are committed. Consumers log every delivered envelope in the
// inbox before handling it, so redelivered messages are skipped.
//
// Envelopes carry their protocol fields in reserved LW_ headers: the message
// id, the envelope type and, for muxed envelopes, a directory describing the
// sub-messages packed into the value. Muxing lets a producer ship many small
// messages as one broker record; the consumer demuxes them and handles each
// one as if it had arrived on its own.
//
// Service ties the pieces together. It reads the broker transport (Kafka,
// RabbitMQ, AWS SNS/SQS, NATS, NATS JetStream, HTTP or Go channels) and the
// storage backend (memory, SQLite, PostgreSQL or Redis) from Config, relays
// the outbox while running, and dispatches consumed envelopes to handlers
// registered against a partial match of their headers:
//
//	svc := livewire.NewService(cfg, logger, ctx, livewire.ServiceDependencies{})
//
//	_ = livewire.RegisterProtoHandler(svc, livewire.ProtoHandlerRegistration[*pb.OrderPlaced]{
//		Topic:   "orders",
//		Handler: onOrderPlaced,
//	})
//
//	_ = svc.PostProto(ctx, "orders", &pb.OrderPlaced{Id: "o-1"}, nil, livewire.WithTx(tx))
//	_ = svc.Start(ctx)
//
// # Delivery guarantees
//
// The relay publishes at least once: a message is cleared from the outbox
// only after the broker accepted it, and a catchup sweep at startup, or on a
// cron schedule, picks up anything left behind. The inbox turns at-least-once
// delivery into effectively-once handling. When a handler fails its inbox
// marker is removed again so the redelivery is processed.
//
// # Middleware
//
// The default middleware chain covers correlation ids, message logging,
// OpenTelemetry tracing, Prometheus metrics, retries with exponential backoff,
// poison queue forwarding and panic recovery. Unprocessable messages, such as
// a malformed mux directory or a payload rejected by the validator, are not
// retried. JobHooksMiddleware adds start, done and error callbacks around
// every handler.
package livewire
