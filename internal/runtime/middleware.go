package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/livewire/internal/runtime/ids"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour. Zero values
// fall back to the Service configuration, then to library defaults.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether an error is retried. Defaults to retrying
	// everything except UnprocessableEventError.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withService(s *Service) RetryMiddlewareConfig {
	if s == nil || s.Conf == nil {
		return cfg
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = s.Conf.RetryMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = s.Conf.RetryInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = s.Conf.RetryMaxInterval
	}
	return cfg
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !IsUnprocessable(err) }
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		PoisonQueueMiddleware(nil),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics next to the
// livewire collectors and serves both on /metrics at the configured port.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.metrics.Registerer(),
				"livewire",
				s.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metrics.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(otel.Tracer("livewire-consumer")), nil
		},
	}
}

// RetryMiddleware retries failed handlers with exponential backoff.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return retryMiddleware(cfg.withService(s)), nil
		},
	}
}

// PoisonQueueMiddleware publishes messages whose error matches filter to the
// configured poison queue instead of failing them. It is skipped when no
// poison queue is configured.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf == nil || s.Conf.PoisonQueue == "" {
				return nil, nil
			}
			f := filter
			if f == nil {
				f = IsUnprocessable
			}
			return s.poisonMiddlewareWithFilter(f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be retried or sent to the poison queue.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return h(msg)
		}
	}
}

func (s *Service) poisonMiddlewareWithFilter(filter func(err error) bool) (message.HandlerMiddleware, error) {
	if s.publisher == nil {
		return nil, errors.New("publisher is required for poison queue middleware")
	}
	return middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, filter)
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := loggingpkg.MessageFields(msg.Metadata.Get(metadatapkg.KeyMessageID), message.SubscribeTopicFromCtx(msg.Context()))
			logger.Debug("Processing message", fields.With(loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"message_type": msg.Metadata.Get(metadatapkg.KeyMessageType),
				"size":         len(msg.Payload),
				"metadata":     msg.Metadata,
			}))
			return h(msg)
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return normalized.RetryIf(params.Err)
		},
	}.Middleware
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "livewire.consume")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("messaging.message.id", msg.Metadata.Get(metadatapkg.KeyMessageID)),
				attribute.String("livewire.message_type", msg.Metadata.Get(metadatapkg.KeyMessageType)),
				attribute.String("message.uuid", msg.UUID),
				attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(msg.Context())),
			)
			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return msgs, err
		}
	}
}
