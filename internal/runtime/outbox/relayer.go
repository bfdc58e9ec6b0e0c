package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	"github.com/drblury/livewire/storage"
)

// Relayer splits the relay into its watch and catchup halves so a host can
// run the sweep on its own cadence.
type Relayer struct {
	outbox  *Outbox
	send    SendFunc
	onError storage.ErrorFunc
}

// NewRelayer binds an outbox to a send function.
func NewRelayer(o *Outbox, send SendFunc, onError storage.ErrorFunc) (*Relayer, error) {
	if o == nil {
		return nil, errspkg.ErrStorageRequired
	}
	if send == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return &Relayer{outbox: o, send: send, onError: onError}, nil
}

// Run is Outbox.Relay with the relayer's callbacks.
func (r *Relayer) Run(ctx context.Context) (storage.Subscription, error) {
	return r.outbox.Relay(ctx, r.onError, r.send)
}

// Watch relays messages posted from now on without a catchup sweep.
func (r *Relayer) Watch(ctx context.Context) (storage.Subscription, error) {
	rl, err := r.outbox.newRelay(r.onError, r.send)
	if err != nil {
		return nil, err
	}
	watch, err := r.outbox.adapter.Watch(ctx, rl.onError, func(msg *envelope.Message) {
		rl.submit(ctx, msg, metricspkg.PathWatch)
	})
	if err != nil {
		rl.close()
		return nil, fmt.Errorf("failed to watch outbox: %w", err)
	}
	return storage.SubscriptionFunc(func() error {
		err := watch.Close()
		rl.close()
		return err
	}), nil
}

// Catchup sends every uncleared message and blocks until all sends finished.
// Per-message failures go to onError; only a failed read is returned.
func (r *Relayer) Catchup(ctx context.Context) error {
	rl, err := r.outbox.newRelay(r.onError, r.send)
	if err != nil {
		return err
	}
	defer rl.close()

	if err := rl.catchup(ctx); err != nil {
		return err
	}
	rl.wait()
	return nil
}

// ValidateSchedule reports whether expr is a cron expression Schedule accepts.
func ValidateSchedule(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid catchup schedule %q", expr)
	}
	return nil
}

// Schedule runs Catchup on every tick of the cron expression until ctx is
// done. Sweep failures go to onError and do not stop the schedule.
func (r *Relayer) Schedule(ctx context.Context, expr string) error {
	if err := ValidateSchedule(expr); err != nil {
		return err
	}
	r.outbox.logger.Info("Outbox catchup scheduled", loggingpkg.LogFields{"schedule": expr})

	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("failed to compute next catchup: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := r.Catchup(ctx); err != nil {
			r.outbox.logger.Error("Scheduled catchup failed", err, nil)
			if r.onError != nil {
				r.onError(err)
			}
		}
	}
}
