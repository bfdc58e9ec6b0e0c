package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/livewire/internal/runtime/config"
	"github.com/drblury/livewire/internal/runtime/dispatcher"
	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	handlerpkg "github.com/drblury/livewire/internal/runtime/handlers"
	idspkg "github.com/drblury/livewire/internal/runtime/ids"
	inboxpkg "github.com/drblury/livewire/internal/runtime/inbox"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	outboxpkg "github.com/drblury/livewire/internal/runtime/outbox"
	transportpkg "github.com/drblury/livewire/internal/runtime/transport"
	"github.com/drblury/livewire/storage"
	brokers "github.com/drblury/livewire/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ProtoValidator validates decoded payloads before typed handlers see them.
// Implementations typically forward to protovalidate or a struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// OutboxStorage and InboxStorage replace the storage selected by the
	// configuration. Leave both nil to open it with StoreFactory. When only
	// OutboxStorage is set, consumed messages are not logged to an inbox.
	OutboxStorage storage.Adapter
	InboxStorage  storage.Saver
	StoreFactory  StoreFactory

	Validator                 ProtoValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory

	// MetricsRegisterer receives the relay and inbox collectors. Defaults to
	// prometheus.DefaultRegisterer when metrics are enabled, otherwise to a
	// private registry.
	MetricsRegisterer prometheus.Registerer
	IDGenerator       idspkg.Generator
}

// Service wires a broker transport and a Watermill router to an outbox, an
// inbox and a dispatcher of handlers.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	position     brokers.PositionFunc
	capabilities brokers.Capabilities
	router       *message.Router

	outbox      *outboxpkg.Outbox
	inbox       *inboxpkg.Inbox
	dispatcher  *dispatcher.Dispatcher[dispatcher.Object, handlerpkg.HandlerFunc]
	metrics     *metricspkg.Metrics
	validator   ProtoValidator
	idGenerator idspkg.Generator
	stores      Stores

	consumed   map[string]struct{}
	consumedMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Register handlers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the construction error.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating livewire service",
		loggingpkg.LogFields{
			"pubsub_system":   conf.PubSubSystem,
			"storage_backend": conf.StorageBackend,
			"config":          conf,
		})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		dispatcher:  dispatcher.New[handlerpkg.HandlerFunc](),
		validator:   deps.Validator,
		idGenerator: deps.IDGenerator.OrDefault(),
		consumed:    make(map[string]struct{}),
	}

	if err := s.initMetrics(deps.MetricsRegisterer); err != nil {
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to build %q transport: %w", conf.PubSubSystem, err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.position = transport.Position
	s.capabilities = transport.Capabilities

	if err := s.initStores(ctx, deps, wmLogger); err != nil {
		_ = s.closeTransport()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Service) initMetrics(registerer prometheus.Registerer) error {
	if registerer == nil {
		if s.Conf.MetricsEnabled {
			registerer = prometheus.DefaultRegisterer
		} else {
			registerer = prometheus.NewRegistry()
		}
	}
	s.metrics = metricspkg.New(registerer)
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("failed to register livewire metrics: %w", err)
	}
	return nil
}

func (s *Service) initStores(ctx context.Context, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	stores := Stores{Outbox: deps.OutboxStorage, Inbox: deps.InboxStorage}
	if stores.Outbox == nil && stores.Inbox == nil {
		factory := deps.StoreFactory
		if factory == nil {
			factory = DefaultStores
		}
		var err error
		stores, err = factory(ctx, s.Conf, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to open %q storage: %w", s.Conf.StorageBackend, err)
		}
	}
	s.stores = stores

	if stores.Outbox == nil {
		return errspkg.ErrStorageRequired
	}
	outbox, err := outboxpkg.New(stores.Outbox,
		outboxpkg.WithLogger(loggingpkg.ForComponent(s.Logger, "outbox")),
		outboxpkg.WithMetrics(s.metrics),
		outboxpkg.WithPoolSize(s.Conf.RelayConcurrency),
	)
	if err != nil {
		_ = stores.Close()
		return err
	}
	s.outbox = outbox

	if stores.Inbox != nil {
		inbox, err := inboxpkg.New(stores.Inbox,
			inboxpkg.WithLogger(loggingpkg.ForComponent(s.Logger, "inbox")),
			inboxpkg.WithMetrics(s.metrics),
		)
		if err != nil {
			_ = stores.Close()
			return err
		}
		s.inbox = inbox
	}
	return nil
}

// Start relays the outbox to the broker and runs the router until ctx is
// cancelled. A configured catchup schedule re-sweeps the outbox periodically.
func (s *Service) Start(ctx context.Context) error {
	relay, err := s.outbox.Relay(ctx, s.onRelayError, s.send)
	if err != nil {
		return fmt.Errorf("failed to start outbox relay: %w", err)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			s.Logger.Error("Failed to stop outbox relay", err, nil)
		}
	}()

	if expr := s.Conf.CatchupSchedule; expr != "" {
		relayer, err := outboxpkg.NewRelayer(s.outbox, s.send, s.onRelayError)
		if err != nil {
			return err
		}
		if err := outboxpkg.ValidateSchedule(expr); err != nil {
			return err
		}
		go func() {
			if err := relayer.Schedule(ctx, expr); err != nil {
				s.Logger.Error("Outbox catchup schedule stopped", err, loggingpkg.LogFields{"schedule": expr})
			}
		}()
	}

	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Close releases the transport and the storage opened by the Service.
func (s *Service) Close() error {
	var errs []error
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.closeTransport())
	errs = append(errs, s.stores.Close())
	return errors.Join(errs...)
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

// Outbox returns the outbox the Service relays from.
func (s *Service) Outbox() *outboxpkg.Outbox { return s.outbox }

// Inbox returns the inbox, or nil when consumed messages are not logged.
func (s *Service) Inbox() *inboxpkg.Inbox { return s.inbox }

// Metrics returns the relay, inbox and dispatch collector.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Capabilities returns the capabilities of the broker transport.
func (s *Service) Capabilities() brokers.Capabilities { return s.capabilities }

// NewMessage builds an envelope using the Service id generator.
func (s *Service) NewMessage(args envelope.Args) *envelope.Message {
	return envelope.New(args, envelope.WithIDGenerator(s.idGenerator))
}

// NewMuxedMessage builds a muxed envelope using the Service id generator.
func (s *Service) NewMuxedMessage(args envelope.Args) *envelope.MuxedMessage {
	return envelope.NewMuxed(args, envelope.WithIDGenerator(s.idGenerator))
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler serves handler on pattern at the given port once Start runs.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
