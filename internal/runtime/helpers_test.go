package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/livewire/internal/runtime/config"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	transportpkg "github.com/drblury/livewire/internal/runtime/transport"
	"github.com/drblury/livewire/storage/memory"
	brokers "github.com/drblury/livewire/transport"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type publishedMessage struct {
	topic string
	msg   *message.Message
}

type testPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]publishedMessage, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type testValidator struct{ err error }

func (v *testValidator) Validate(_ any) error { return v.err }

// staticTransport hands out fixed publisher and subscriber fakes.
func staticTransport(pub message.Publisher, sub message.Subscriber, caps brokers.Capabilities) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{
			Transport:    brokers.Transport{Publisher: pub, Subscriber: sub},
			Capabilities: caps,
		}, nil
	})
}

type testServiceOptions struct {
	conf *configpkg.Config
	deps ServiceDependencies
	caps brokers.Capabilities
}

func newTestService(t *testing.T, opts ...func(*testServiceOptions)) (*Service, *testPublisher, *memory.Store, *memory.Store) {
	t.Helper()
	o := testServiceOptions{conf: &configpkg.Config{PubSubSystem: "test"}}
	for _, opt := range opts {
		opt(&o)
	}

	pub := &testPublisher{}
	out, in := memory.New(), memory.New()
	deps := o.deps
	deps.TransportFactory = staticTransport(pub, &testSubscriber{}, o.caps)
	deps.OutboxStorage = out
	deps.InboxStorage = in
	deps.DisableDefaultMiddlewares = true
	deps.MetricsRegisterer = prometheus.NewRegistry()

	svc, err := TryNewService(o.conf, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, pub, out, in
}

type loggedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every log line, sharing the record across With.
type recordingLogger struct {
	mu     *sync.Mutex
	lines  *[]loggedLine
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, lines: &[]loggedLine{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, lines: l.lines, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.lines = append(*l.lines, loggedLine{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) Messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range *l.lines {
		if line.level == level {
			out = append(out, line.msg)
		}
	}
	return out
}

func (l *recordingLogger) Lines(level string) []loggedLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []loggedLine
	for _, line := range *l.lines {
		if line.level == level {
			out = append(out, line)
		}
	}
	return out
}
