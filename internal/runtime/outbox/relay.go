package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/livewire/internal/runtime/envelope"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	"github.com/drblury/livewire/storage"
)

// relay issues sends on a bounded pool and tracks them until close. Submitted
// messages wait in a FIFO queue that a single feeder hands to the pool, so
// issuing a send never blocks on sends already in flight.
type relay struct {
	outbox    *Outbox
	onError   storage.ErrorFunc
	onMessage SendFunc
	pool      *ants.Pool

	mu      sync.Mutex
	closed  bool
	queue   []pendingSend
	wg      sync.WaitGroup
	signal  chan struct{}
	stopped chan struct{}
}

type pendingSend struct {
	ctx  context.Context
	msg  *envelope.Message
	path string
}

func (o *Outbox) newRelay(onError storage.ErrorFunc, onMessage SendFunc) (*relay, error) {
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay pool: %w", err)
	}
	r := &relay{
		outbox:    o,
		onMessage: onMessage,
		pool:      pool,
		signal:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	r.onError = func(err error) {
		o.logger.Error("Outbox relay failed", err, nil)
		if onError != nil {
			onError(err)
		}
	}
	go r.feed()
	return r, nil
}

// catchup issues a send for every currently uncleared message.
func (r *relay) catchup(ctx context.Context) error {
	msgs, err := r.outbox.GetUncleared(ctx)
	if err != nil {
		return err
	}
	r.outbox.metrics.SetUncleared(len(msgs))
	if len(msgs) > 0 {
		r.outbox.logger.Info("Outbox catchup", loggingpkg.LogFields{"uncleared": len(msgs)})
	}
	for _, msg := range msgs {
		r.submit(ctx, msg, metricspkg.PathCatchup)
	}
	return nil
}

// submit queues msg for sending and returns immediately.
func (r *relay) submit(ctx context.Context, msg *envelope.Message, path string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.queue = append(r.queue, pendingSend{ctx: ctx, msg: msg, path: path})
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *relay) feed() {
	for {
		select {
		case <-r.stopped:
			return
		case <-r.signal:
		}
		for {
			next, ok := r.dequeue()
			if !ok {
				break
			}
			r.dispatch(next)
		}
	}
}

func (r *relay) dequeue() (pendingSend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return pendingSend{}, false
	}
	next := r.queue[0]
	r.queue[0] = pendingSend{}
	r.queue = r.queue[1:]
	return next, true
}

// dispatch blocks while the pool is saturated.
func (r *relay) dispatch(p pendingSend) {
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.send(p.ctx, p.msg, p.path)
	})
	if err != nil {
		r.wg.Done()
		r.onError(fmt.Errorf("failed to schedule relay of %s: %w", p.msg.ID, err))
	}
}

func (r *relay) send(ctx context.Context, msg *envelope.Message, path string) {
	ctx, span := r.outbox.tracer.Start(ctx, "livewire.relay "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("livewire.relay.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	if err := r.invoke(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.outbox.metrics.RecordFailed(msg.Topic, path)
		r.onError(fmt.Errorf("failed to relay %s: %w", msg.ID, err))
		return
	}
	r.outbox.metrics.RecordSent(msg.Topic, path, time.Since(start))

	if err := r.outbox.Clear(ctx, msg); err != nil {
		span.RecordError(err)
		r.onError(err)
	}
}

func (r *relay) invoke(ctx context.Context, msg *envelope.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.onMessage(ctx, msg)
}

// wait blocks until every queued and issued send has finished.
func (r *relay) wait() {
	r.wg.Wait()
}

// close rejects new sends, waits for queued and in-flight ones, then stops
// the feeder and releases the pool.
func (r *relay) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
	close(r.stopped)
	r.pool.Release()
}
