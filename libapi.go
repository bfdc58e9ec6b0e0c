package livewire

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/livewire/internal/runtime"
	configpkg "github.com/drblury/livewire/internal/runtime/config"
	"github.com/drblury/livewire/internal/runtime/dispatcher"
	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	handlerpkg "github.com/drblury/livewire/internal/runtime/handlers"
	idspkg "github.com/drblury/livewire/internal/runtime/ids"
	inboxpkg "github.com/drblury/livewire/internal/runtime/inbox"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	outboxpkg "github.com/drblury/livewire/internal/runtime/outbox"
	transportpkg "github.com/drblury/livewire/internal/runtime/transport"
	"github.com/drblury/livewire/storage"
	brokers "github.com/drblury/livewire/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ProtoValidator      = runtimepkg.ProtoValidator
	Stores              = runtimepkg.Stores
	StoreFactory        = runtimepkg.StoreFactory
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	// Envelope and mux codec
	Message       = envelope.Message
	MessageArgs   = envelope.Args
	MessageType   = envelope.Type
	MessageOption = envelope.Option
	MuxedMessage  = envelope.MuxedMessage
	Record        = envelope.Record
	Parsed        = envelope.Parsed
	Meta          = envelope.Meta

	// Dispatch
	Object                                    = dispatcher.Object
	HandlerFunc                               = handlerpkg.HandlerFunc
	HandlerRegistration                       = runtimepkg.HandlerRegistration
	JSONHandlerRegistration[T any]            = runtimepkg.JSONHandlerRegistration[T]
	ProtoHandlerRegistration[T proto.Message] = runtimepkg.ProtoHandlerRegistration[T]
	JSONMessageContext[T any]                 = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]                 = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message]      = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message]      = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                        = handlerpkg.MessageContextBase

	// Outbox and inbox
	Outbox         = outboxpkg.Outbox
	OutboxOption   = outboxpkg.Option
	Relayer        = outboxpkg.Relayer
	SendFunc       = outboxpkg.SendFunc
	Inbox          = inboxpkg.Inbox
	InboxOption    = inboxpkg.Option
	StorageAdapter = storage.Adapter
	StorageSaver   = storage.Saver
	StorageOption  = storage.Option
	Execer         = storage.Execer
	Subscription   = storage.Subscription

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Error                   = errspkg.Error
	ErrorCode               = errspkg.Code
	UnprocessableEventError = runtimepkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Metrics         = metricspkg.Metrics
	MetricsSnapshot = metricspkg.Snapshot
	TopicMetrics    = metricspkg.TopicMetrics

	IDGenerator = idspkg.Generator

	// Broker transports
	Capabilities      = brokers.Capabilities
	Position          = brokers.Position
	TransportBuilder  = brokers.Builder
	TransportConfig   = brokers.Config
	TransportRegistry = brokers.Registry
)

const (
	MessageTypeGeneric = envelope.TypeGeneric
	MessageTypeMuxed   = envelope.TypeMuxed

	CodeNoMatch          = errspkg.CodeNoMatch
	CodeMessageNotMuxed  = errspkg.CodeMessageNotMuxed
	CodeMalformedMux     = errspkg.CodeMalformedMux
	CodeDuplicatedInbox  = errspkg.CodeDuplicatedInbox
	CodeDuplicatedOutbox = errspkg.CodeDuplicatedOutbox
	CodeNoOutboxMessage  = errspkg.CodeNoOutboxMessage
)

// Metadata keys. Reserved keys carry the LW_ prefix and are never exposed as
// application headers.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeyEventSchema
	MetadataKeyContentType   = metadatapkg.KeyContentType

	MetadataKeyMessageID   = metadatapkg.KeyMessageID
	MetadataKeyMessageType = metadatapkg.KeyMessageType
	MetadataKeyMux         = metadatapkg.KeyMux
	MetadataKeyKey         = metadatapkg.KeyKey
	MetadataKeyPartition   = metadatapkg.KeyPartition
)

// Subject keys added to the application headers when dispatching.
const (
	SubjectTopic       = runtimepkg.SubjectTopic
	SubjectMessageType = runtimepkg.SubjectMessageType
	SubjectKey         = runtimepkg.SubjectKey
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	DefaultStores  = runtimepkg.DefaultStores
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewMessage      = envelope.New
	NewMuxedMessage = envelope.NewMuxed
	WithIDGenerator = envelope.WithIDGenerator
	Parse           = envelope.Parse
	IsMuxed         = envelope.IsMuxed
	Demux           = envelope.Demux
	FromProto       = envelope.FromProto
	FromJSON        = envelope.FromJSON
	Subject         = runtimepkg.Subject

	NewOutbox        = outboxpkg.New
	WithOutboxLogger = outboxpkg.WithLogger
	WithPoolSize     = outboxpkg.WithPoolSize
	NewRelayer       = outboxpkg.NewRelayer
	ValidateSchedule = outboxpkg.ValidateSchedule
	NewInbox         = inboxpkg.New
	WithInboxLogger  = inboxpkg.WithLogger
	WithTx           = storage.WithTx

	RegisterHandler = runtimepkg.RegisterHandler
	PublishProto    = runtimepkg.PublishProto

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewUnprocessableEventError = runtimepkg.NewUnprocessableEventError
	IsUnprocessable            = runtimepkg.IsUnprocessable
	ErrorCodeOf                = errspkg.CodeOf

	ErrNoMatch          = errspkg.ErrNoMatch
	ErrMessageNotMuxed  = errspkg.ErrMessageNotMuxed
	ErrMalformedMux     = errspkg.ErrMalformedMux
	ErrDuplicatedInbox  = errspkg.ErrDuplicatedInbox
	ErrDuplicatedOutbox = errspkg.ErrDuplicatedOutbox
	ErrNoOutboxMessage  = errspkg.ErrNoOutboxMessage

	ErrServiceRequired             = errspkg.ErrServiceRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrStorageRequired             = errspkg.ErrStorageRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrPublisherRequired           = errspkg.ErrPublisherRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrPayloadRequired             = errspkg.ErrPayloadRequired

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	IDSequence = idspkg.Sequence
	NewMetrics = metricspkg.New

	DefaultTransportRegistry = brokers.DefaultRegistry
	RegisterTransport        = brokers.Register
	BuildTransport           = brokers.Build
	GetCapabilities          = brokers.GetCapabilities
)

func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
