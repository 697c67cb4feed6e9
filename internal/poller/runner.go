// internal/poller/runner.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/regmap"
	"github.com/gavinying/modpoll/internal/transport"
)

type writeJob struct {
	fc    uint8
	addr  uint16
	words []uint16
	done  chan error
}

// Run starts the ticker loop and emits PollResult on the provided channel.
// One worker goroutine per device owns the session, so polls never overlap
// and writes never race a poll. out must be drained; Run closes it on
// return.
func (p *Poller) Run(ctx context.Context, out chan<- PollResult) {
	defer close(out)
	defer close(p.done)

	if p.cfg.Once {
		p.state.Store(int32(Polling))
		if res, err := p.pollCycle(ctx); err == nil {
			out <- res
		}
		p.closeSession()
		p.state.Store(int32(Stopped))
		return
	}

	polls := make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.work(ctx, polls, out)
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(polls)
	for {
		select {
		case <-ctx.Done():
			// in-flight cycle finishes within its request timeout
			wg.Wait()
			p.closeSession()
			p.state.Store(int32(Stopped))
			return
		case <-ticker.C:
			p.tick(polls)
		}
	}
}

func (p *Poller) tick(polls chan<- struct{}) {
	switch {
	case p.state.CompareAndSwap(int32(Idle), int32(Polling)):
		polls <- struct{}{}

	case p.State() == Polling:
		p.log.Warn("previous cycle still running, tick skipped")
		p.emit(Event{Kind: EventSkipped})

	case p.State() == BackingOff:
		if p.backoffLeft.Load() > 0 {
			p.backoffLeft.Add(-1)
			p.emit(Event{Kind: EventSkipped})
			return
		}
		if p.state.CompareAndSwap(int32(BackingOff), int32(Polling)) {
			polls <- struct{}{}
		}
	}
}

func (p *Poller) work(ctx context.Context, polls <-chan struct{}, out chan<- PollResult) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-polls:
			res, err := p.pollCycle(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.backoffLeft.Store(int32(p.cfg.BackoffTicks))
				p.state.Store(int32(BackingOff))
				continue
			}
			out <- res
			p.state.Store(int32(Idle))

		case j := <-p.writes:
			j.done <- p.execWrite(ctx, j)
		}
	}
}

// pollCycle runs one cycle that outlives ctx: once ctx is done no new
// attempt starts, and the attempt in flight gets Timeout per batch (plus
// one for the connect) to complete.
func (p *Poller) pollCycle(ctx context.Context) (PollResult, error) {
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	grace := p.cfg.Timeout * time.Duration(len(p.plan)+1)
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(grace, cancel)
		<-cycleCtx.Done()
		t.Stop()
	})
	defer stop()

	return p.cycle(ctx, cycleCtx)
}

func (p *Poller) execWrite(ctx context.Context, j writeJob) error {
	sess, err := p.session(ctx)
	if err != nil {
		return err
	}
	err = sess.Write(ctx, j.fc, j.addr, j.words)
	if transport.IsConnection(err) {
		p.closeSession()
	}
	return err
}

// Write encodes value for the named register and writes it between polls.
func (p *Poller) Write(ctx context.Context, name string, value codec.Value) error {
	r, ok := p.regs.Lookup(name)
	if !ok {
		return fmt.Errorf("poller: device %q has no register %q", p.cfg.DeviceID, name)
	}
	if !r.Writable {
		return fmt.Errorf("poller: register %q is not writable", name)
	}
	words, err := codec.Encode(value, r.Field)
	if err != nil {
		return err
	}
	return p.WriteRaw(ctx, r.Category, r.Address, words)
}

// WriteRaw writes words at addr. Coils take one word per coil.
func (p *Poller) WriteRaw(ctx context.Context, c regmap.Category, addr uint16, words []uint16) error {
	if len(words) == 0 {
		return errors.New("poller: nothing to write")
	}

	var fc uint8
	switch c {
	case regmap.Coil:
		bits := make([]uint16, len(words))
		for i, w := range words {
			if w != 0 {
				bits[i] = 1
			}
		}
		words = bits
		fc = transport.FuncWriteMultipleCoils
		if len(words) == 1 {
			fc = transport.FuncWriteSingleCoil
		}
	case regmap.HoldingRegister:
		fc = transport.FuncWriteMultipleRegisters
		if len(words) == 1 {
			fc = transport.FuncWriteSingleRegister
		}
	default:
		return fmt.Errorf("poller: %s objects are read-only", c)
	}

	j := writeJob{fc: fc, addr: addr, words: words, done: make(chan error, 1)}
	select {
	case p.writes <- j:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		if err == nil {
			p.log.WithField("address", addr).Infof("wrote %d objects with fc=%d", len(words), fc)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
