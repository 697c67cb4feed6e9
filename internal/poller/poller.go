// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/regmap"
	"github.com/gavinying/modpoll/internal/transport"
)

// Factory opens a session. ONE attempt per call; retry policy is the
// poller's.
type Factory func(ctx context.Context) (transport.Session, error)

// Config is the runtime config of one device's scheduler.
type Config struct {
	DeviceID   string
	DeviceName string
	Interval   time.Duration

	// Retries is the number of attempts per cycle, at least one.
	Retries int

	// FirstDelay postpones the first request after each connect.
	FirstDelay time.Duration

	// Timeout is the per-request timeout. On shutdown a cycle in flight
	// gets Timeout for each remaining request before it is cut off.
	Timeout time.Duration

	// BackoffTicks are skipped after an unavailable cycle.
	BackoffTicks int

	// DisableAfter consecutive exception replies switch a batch off.
	// Zero never disables.
	DisableAfter int

	// Once runs a single cycle and returns.
	Once bool

	Log     *logrus.Entry
	OnEvent func(Event)

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Poller is the clock-driven reader of one device. The session is only
// touched by the worker goroutine.
type Poller struct {
	cfg     Config
	regs    *regmap.Map
	plan    []regmap.Batch
	factory Factory
	log     *logrus.Entry

	state       atomic.Int32
	backoffLeft atomic.Int32

	// worker-owned
	sess     transport.Session
	down     bool
	excCount []int
	disabled []bool
	lastAt   time.Time

	writes chan writeJob
	done   chan struct{}
}

// New creates a poller with immutable config.
func New(cfg Config, regs *regmap.Map, factory Factory) (*Poller, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("poller: device id required")
	}
	if cfg.Interval <= 0 && !cfg.Once {
		return nil, errors.New("poller: interval must be > 0")
	}
	if regs == nil || len(regs.Registers()) == 0 {
		return nil, errors.New("poller: at least one register required")
	}
	if factory == nil {
		return nil, errors.New("poller: session factory required")
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = cfg.DeviceID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	plan := regs.Plan()
	return &Poller{
		cfg:      cfg,
		regs:     regs,
		plan:     plan,
		factory:  factory,
		log:      log.WithField("device", cfg.DeviceID),
		excCount: make([]int, len(plan)),
		disabled: make([]bool, len(plan)),
		writes:   make(chan writeJob),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the device id.
func (p *Poller) ID() string { return p.cfg.DeviceID }

// Registers returns the device register map.
func (p *Poller) Registers() *regmap.Map { return p.regs }

// State returns the current scheduler state.
func (p *Poller) State() State { return State(p.state.Load()) }

// PollOnce performs exactly one poll cycle, retrying transport failures up
// to Config.Retries attempts in total. When every attempt fails it returns
// *UnavailableError and no result.
//
// PollOnce must not run concurrently with Run.
func (p *Poller) PollOnce(ctx context.Context) (PollResult, error) {
	return p.cycle(ctx, ctx)
}

// cycle runs the attempts on reqCtx. stop only prevents further attempts,
// so an attempt already on the wire when stop is done completes on reqCtx.
func (p *Poller) cycle(stop, reqCtx context.Context) (PollResult, error) {
	var (
		lastErr error
		tally   *batchTally
	)

	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		tally = newBatchTally(len(p.plan))
		res, err := p.attempt(reqCtx, tally)
		if err == nil {
			p.settle(tally)
			if p.down {
				p.down = false
				p.log.Info("device recovered")
				p.emit(Event{Kind: EventRecovered, Attempt: attempt})
			}
			p.emit(Event{Kind: EventPolled, Attempt: attempt, Err: res.Err()})
			return res, nil
		}

		if ctxErr := stop.Err(); ctxErr != nil {
			return PollResult{}, ctxErr
		}
		lastErr = err

		if attempt < p.cfg.Retries {
			p.log.WithError(err).WithField("attempt", attempt).Warn("poll attempt failed, retrying")
			p.emit(Event{Kind: EventRetry, Attempt: attempt, Err: err})
		}
	}

	p.settle(tally)
	p.down = true
	p.log.WithError(lastErr).WithField("attempts", p.cfg.Retries).Error("device unavailable")
	p.emit(Event{Kind: EventUnavailable, Attempt: p.cfg.Retries, Err: lastErr})

	return PollResult{}, &UnavailableError{Device: p.cfg.DeviceID, Attempts: p.cfg.Retries, Err: lastErr}
}

// batchTally records how each batch answered during one attempt.
type batchTally struct {
	ok  []bool
	exc []error
}

func newBatchTally(n int) *batchTally {
	return &batchTally{ok: make([]bool, n), exc: make([]error, n)}
}

// attempt runs every batch once. Only transport failures abort it;
// exceptions and decode errors end up in the readings.
func (p *Poller) attempt(ctx context.Context, tally *batchTally) (PollResult, error) {
	sess, err := p.session(ctx)
	if err != nil {
		return PollResult{}, err
	}

	regs := p.regs.Registers()
	readings := make([]Reading, len(regs))
	for i, r := range regs {
		readings[i] = Reading{Name: r.Name, Unit: r.Unit}
	}

	for bi, b := range p.plan {
		if p.disabled[bi] {
			markBatch(readings, b, ErrBatchDisabled)
			continue
		}

		raw, err := sess.Read(ctx, uint8(b.Category), b.Start, b.Count)
		if err != nil {
			var ex *transport.ExceptionError
			if errors.As(err, &ex) {
				markBatch(readings, b, err)
				tally.exc[bi] = err
				continue
			}
			if transport.IsConnection(err) {
				p.closeSession()
			}
			return PollResult{}, fmt.Errorf("poller: batch %s: %w", b, err)
		}
		tally.ok[bi] = true

		for _, ri := range b.Registers {
			r := p.regs.Register(ri)
			words, err := p.regs.Slice(b, raw, r)
			if err != nil {
				readings[ri].Err = err
				continue
			}
			v, err := codec.Decode(words, r.Field)
			if err != nil {
				readings[ri].Err = err
				continue
			}
			readings[ri].Value = v
		}
	}

	return PollResult{
		DeviceID:   p.cfg.DeviceID,
		DeviceName: p.cfg.DeviceName,
		At:         p.stamp(),
		Readings:   readings,
	}, nil
}

// settle applies the last attempt of a cycle to the exception counters,
// so a batch counts at most one exception per cycle however many
// attempts the cycle took.
func (p *Poller) settle(tally *batchTally) {
	if tally == nil {
		return
	}
	for bi, b := range p.plan {
		switch {
		case tally.exc[bi] != nil:
			p.exception(bi, b, tally.exc[bi])
		case tally.ok[bi]:
			p.excCount[bi] = 0
		}
	}
}

func (p *Poller) exception(bi int, b regmap.Batch, err error) {
	p.excCount[bi]++
	p.log.WithError(err).WithField("batch", b.String()).Warn("exception reply")

	if p.cfg.DisableAfter > 0 && p.excCount[bi] >= p.cfg.DisableAfter {
		p.disabled[bi] = true
		p.log.WithField("batch", b.String()).Warnf("batch disabled after %d exceptions", p.excCount[bi])
		p.emit(Event{Kind: EventBatchDisabled, Err: err})
	}
}

func markBatch(readings []Reading, b regmap.Batch, err error) {
	for _, ri := range b.Registers {
		readings[ri].Err = err
	}
}

// session returns the open session, dialing once when there is none.
func (p *Poller) session(ctx context.Context) (transport.Session, error) {
	if p.sess != nil {
		return p.sess, nil
	}
	s, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.sess = s

	if p.cfg.FirstDelay > 0 {
		t := time.NewTimer(p.cfg.FirstDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return s, nil
}

func (p *Poller) closeSession() {
	if p.sess == nil {
		return
	}
	if err := p.sess.Close(); err != nil {
		p.log.WithError(err).Debug("session close")
	}
	p.sess = nil
}

// stamp keeps result timestamps non-decreasing even if the clock steps back.
func (p *Poller) stamp() time.Time {
	now := p.cfg.Now()
	if now.Before(p.lastAt) {
		now = p.lastAt
	}
	p.lastAt = now
	return now
}

func (p *Poller) emit(ev Event) {
	ev.Device = p.cfg.DeviceID
	if ev.At.IsZero() {
		ev.At = p.cfg.Now()
	}
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(ev)
	}
}
