// Package jetstream provides a NATS JetStream transport for livewire.
//
// Every topic maps to a subject under a single stream. Delivered messages
// report their stream sequence as the offset, so consumers get the same
// position information as with Kafka (with a single partition).
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream created when none is configured.
	DefaultStreamName = "LIVEWIRE"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchBatch is how many messages a pull request asks for.
	DefaultFetchBatch = 10
)

// ErrClosed is returned when publishing or subscribing on a closed transport.
var ErrClosed = errors.New("jetstream transport is closed")

type positionKey struct{}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:           cfg.GetNATSURL(),
		ConsumerGroup: cfg.GetConsumerGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Position:   Position,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Position returns the stream sequence and publish time attached to a
// delivered message.
func Position(msg *message.Message) (transport.Position, bool) {
	pos, ok := msg.Context().Value(positionKey{}).(transport.Position)
	return pos, ok
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to DefaultStreamName.
	StreamName string

	// ConsumerGroup prefixes durable consumer names. Subscribers with the
	// same group share a durable and split the work.
	ConsumerGroup string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string

	// DuplicateWindow bounds server-side deduplication by message id.
	DuplicateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "livewire"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions []*nats.Subscription
	subMu         sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to NATS and makes sure the configured stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("livewire"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   []string{t.config.StreamName + ".>"},
		MaxAge:     24 * time.Hour * 7,
		Replicas:   t.config.Replicas,
		Duplicates: t.config.DuplicateWindow,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

func (t *Transport) ensureStream() error {
	streamCfg := t.streamConfig()
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		if _, infoErr := t.js.StreamInfo(streamCfg.Name); infoErr != nil {
			return err
		}
		t.logger.Info("JetStream stream exists with different config", watermill.LogFields{
			"stream": streamCfg.Name,
		})
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the stream. The livewire message id doubles
// as the JetStream dedup id, so relaying the same record twice within the
// duplicate window stores it once.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := t.subject(topic)
	for _, msg := range messages {
		natsMsg := toNATS(subject, msg)
		if _, err := t.js.PublishMsg(natsMsg, nats.MsgId(messageID(msg))); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe pulls messages for topic through a durable consumer.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	subject := t.subject(topic)
	durable := t.durable(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.fetch(ctx, sub, output, topic)
	}()
	return output, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		batch, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, fields)
			continue
		}

		for _, natsMsg := range batch {
			if !t.deliver(ctx, natsMsg, output, fields) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and waits for its verdict. It
// reports false when the subscription should stop.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, fields watermill.LogFields) bool {
	wmMsg := fromNATS(natsMsg)
	wmMsg.SetContext(ctx)
	if meta, err := natsMsg.Metadata(); err == nil {
		wmMsg.SetContext(context.WithValue(ctx, positionKey{}, transport.Position{
			Offset:    int64(meta.Sequence.Stream),
			Timestamp: meta.Timestamp,
		}))
	}

	select {
	case output <- wmMsg:
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}

	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, fields)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}
	return true
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(metadatapkg.KeyMessageID)
	if msgID == "" {
		msgID = natsMsg.Header.Get(nats.MsgIdHdr)
	}
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

func messageID(msg *message.Message) string {
	if id := msg.Metadata.Get(metadatapkg.KeyMessageID); id != "" {
		return id
	}
	return msg.UUID
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// durable names may not contain dots, stars or '>'.
func (t *Transport) durable(topic string) string {
	return sanitize(t.config.ConsumerGroup + "_" + topic)
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

// Close stops all subscriptions and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.wg.Wait()
	t.nc.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}
