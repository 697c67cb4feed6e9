// internal/sink/dispatcher.go
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/poller"
)

// Dispatcher fans results out to every sink on a shared worker pool.
type Dispatcher struct {
	sinks []Sink
	pool  *ants.Pool
	log   *logrus.Entry

	// OnError observes every sink failure after it is logged.
	OnError func(*PublishError)

	closeOnce sync.Once
	closeErr  error
}

// NewDispatcher takes ownership of sinks; Close closes them.
func NewDispatcher(sinks []Sink, log *logrus.Entry) (*Dispatcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	size := 4 * len(sinks)
	if size < 4 {
		size = 4
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("sink: worker pool: %w", err)
	}
	return &Dispatcher{sinks: sinks, pool: pool, log: log}, nil
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []Sink { return d.sinks }

// Dispatch delivers res to every sink concurrently and returns when all
// of them are done. Failures are contained per sink.
func (d *Dispatcher) Dispatch(ctx context.Context, res poller.PollResult) {
	var wg sync.WaitGroup
	for _, s := range d.sinks {
		s := s
		wg.Add(1)
		task := func() {
			defer wg.Done()
			d.deliver(ctx, s, res)
		}
		if err := d.pool.Submit(task); err != nil {
			// pool released or overloaded: deliver inline
			if !errors.Is(err, ants.ErrPoolClosed) {
				d.log.WithError(err).WithField("sink", s.Name()).Debug("pool submit failed")
			}
			task()
		}
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, res poller.PollResult) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(&PublishError{Sink: s.Name(), Device: res.DeviceID, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := s.Write(ctx, res); err != nil {
		d.fail(&PublishError{Sink: s.Name(), Device: res.DeviceID, Err: err})
	}
}

func (d *Dispatcher) fail(pe *PublishError) {
	d.log.WithFields(logrus.Fields{"sink": pe.Sink, "device": pe.Device}).WithError(pe.Err).Warn("sink write failed")
	if d.OnError != nil {
		d.OnError(pe)
	}
}

// Serve dispatches everything received on in, in order, until in is
// closed. Run one Serve per device to keep per-device ordering.
func (d *Dispatcher) Serve(in <-chan poller.PollResult) {
	for res := range in {
		d.Dispatch(context.Background(), res)
	}
}

// Close releases the pool and closes every sink, flushing buffers.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.pool.Release()
		var errs []error
		for _, s := range d.sinks {
			if err := s.Close(); err != nil {
				d.log.WithError(err).WithField("sink", s.Name()).Warn("sink close failed")
				errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
