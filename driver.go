package dummynet

//
// Driving the scheduler with the wall clock
//

import (
	"context"
	"sync"
	"time"
)

// Driver calls [Scheduler.Tick] in a background goroutine while the
// scheduler has pending events and sleeps otherwise. The zero value is
// invalid; use [NewDriver] to instantiate.
type Driver struct {
	// cancel stops the background goroutine.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// joined is closed when the background goroutine has terminated.
	joined chan any

	// logger is the logger to use.
	logger Logger

	// sched is the driven scheduler.
	sched *Scheduler
}

// NewDriver creates a [Driver] for the given [Scheduler] and starts the
// background goroutine. The scheduler should use the wall clock. Call
// [Driver.Close] to join the goroutine.
func NewDriver(sched *Scheduler, logger Logger) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		cancel:    cancel,
		closeOnce: sync.Once{},
		joined:    make(chan any),
		logger:    logger,
		sched:     sched,
	}
	go d.loop(ctx)
	return d
}

func (d *Driver) loop(ctx context.Context) {
	// informative logging
	d.logger.Info("dummynet: driver up")
	defer d.logger.Info("dummynet: driver down")

	// synchronize with Close
	defer close(d.joined)

	// ticker to run the scheduler events
	const initialTimer = 100 * time.Millisecond
	ticker := time.NewTicker(initialTimer)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.sched.Wakeup():
			ticker.Reset(TickInterval)

		case <-ticker.C:
			result := d.sched.Tick(time.Time{})

			// avoid wasting CPU with a fast timer if there's nothing to do
			if result.Idle {
				ticker.Reset(initialTimer)
				continue
			}

			// otherwise sleep until the next event
			delay := time.Until(result.NextDeadline)
			if delay <= 0 {
				delay = time.Nanosecond // avoid panic
			}
			ticker.Reset(delay)
		}
	}
}

// Close stops the background goroutine. Packets still inside the
// scheduler stay there until someone else calls [Scheduler.Tick].
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.joined
	})
	return nil
}
