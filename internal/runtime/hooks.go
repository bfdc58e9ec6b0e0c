package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/livewire/internal/runtime/envelope"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the name of the handler processing the job.
	HandlerName string
	// Topic is the topic/queue the message was received from.
	Topic string
	// MessageUUID is the Watermill identifier of the message.
	MessageUUID string
	// MessageID is the livewire message id. For a muxed record it is the id
	// of the muxed envelope, not of its sub-messages.
	MessageID string
	// MessageType is generic or muxed.
	MessageType string
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks are callbacks around each consumed record. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	// OnJobDone and OnJobError receive the context with Duration set.
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the message lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func newJobContext(msg *message.Message, startedAt time.Time) JobContext {
	ctx := msg.Context()
	return JobContext{
		HandlerName: message.HandlerNameFromCtx(ctx),
		Topic:       message.SubscribeTopicFromCtx(ctx),
		MessageUUID: msg.UUID,
		MessageID:   msg.Metadata.Get(metadatapkg.KeyMessageID),
		MessageType: msg.Metadata.Get(metadatapkg.KeyMessageType),
		Metadata:    msg.Metadata,
		Context:     ctx,
		StartedAt:   startedAt,
	}
}

// Muxed reports whether the record packs several envelopes.
func (c JobContext) Muxed() bool {
	return c.MessageType == string(envelope.TypeMuxed)
}

func (c JobContext) logFields() loggingpkg.LogFields {
	return loggingpkg.MessageFields(c.MessageID, c.Topic).With(loggingpkg.LogFields{
		"handler":      c.HandlerName,
		"message_type": c.MessageType,
	})
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := newJobContext(msg, time.Now())
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			switch {
			case err != nil && hooks.OnJobError != nil:
				hooks.OnJobError(jobCtx, err)
			case err == nil && hooks.OnJobDone != nil:
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events. Failures report
// whether the record is unprocessable and headed for the poison queue.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrNop(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", ctx.logFields())
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", ctx.logFields().With(loggingpkg.LogFields{
				"duration_ms": ctx.Duration.Milliseconds(),
			}))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, ctx.logFields().With(loggingpkg.LogFields{
				"duration_ms":   ctx.Duration.Milliseconds(),
				"unprocessable": IsUnprocessable(err),
			}))
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
