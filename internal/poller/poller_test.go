// internal/poller/poller_test.go
package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/regmap"
	"github.com/gavinying/modpoll/internal/transport"
)

type writeCall struct {
	fc    uint8
	addr  uint16
	words []uint16
}

type fakeSession struct {
	mu        sync.Mutex
	data      map[uint8]map[uint16]uint16 // fc -> address -> word
	readErr   map[uint8]error
	failNext  error
	delay     time.Duration
	honorCtx  bool // refuse requests once ctx is done
	reads     int
	writes    []writeCall
	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		data:    map[uint8]map[uint16]uint16{1: {}, 2: {}, 3: {}, 4: {}},
		readErr: map[uint8]error{},
	}
}

func (f *fakeSession) set(fc uint8, addr uint16, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range words {
		f.data[fc][addr+uint16(i)] = w
	}
}

func (f *fakeSession) Read(ctx context.Context, fc uint8, addr, qty uint16) ([]uint16, error) {
	if f.honorCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	if err := f.readErr[fc]; err != nil {
		return nil, err
	}
	out := make([]uint16, qty)
	for i := range out {
		out[i] = f.data[fc][addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeSession) Write(ctx context.Context, fc uint8, addr uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{fc: fc, addr: addr, words: append([]uint16(nil), words...)})
	return nil
}

func (f *fakeSession) Close() error { return nil }

type fakeFactory struct {
	calls atomic.Int32
	sess  transport.Session
	err   error
	delay time.Duration
}

func (f *fakeFactory) open(ctx context.Context) (transport.Session, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) count(k EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.list {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func buildMap(t *testing.T, regs ...regmap.Register) *regmap.Map {
	t.Helper()
	m, err := regmap.Build("dev", regs, regmap.DefaultLimits())
	if err != nil {
		t.Fatalf("regmap.Build err=%v", err)
	}
	return m
}

func newPoller(t *testing.T, cfg Config, m *regmap.Map, f *fakeFactory) (*Poller, *events) {
	t.Helper()
	ev := &events{}
	cfg.DeviceID = "dev"
	cfg.Log = quietLog()
	cfg.OnEvent = ev.add
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	p, err := New(cfg, m, f.open)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return p, ev
}

// ---- tests ----

func TestPollOnce_Success(t *testing.T) {
	sess := newFakeSession()
	sess.set(3, 40001, 2345)
	sess.set(3, 40002, 0x4049, 0x0FDB)
	sess.set(1, 10001, 1)

	m := buildMap(t,
		regmap.Register{Name: "voltage", Category: regmap.HoldingRegister, Address: 40001,
			Field: codec.Field{Type: codec.Uint16, Scale: 0.1}, Unit: "V"},
		regmap.Register{Name: "pi", Category: regmap.HoldingRegister, Address: 40002,
			Field: codec.Field{Type: codec.Float32}},
		regmap.Register{Name: "run", Category: regmap.Coil, Address: 10001,
			Field: codec.Field{Type: codec.Bool8}},
	)
	p, ev := newPoller(t, Config{}, m, &fakeFactory{sess: sess})

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce err=%v", err)
	}
	if len(res.Readings) != 3 || res.DeviceID != "dev" || res.DeviceName != "dev" {
		t.Fatalf("unexpected result %+v", res)
	}

	v, _ := res.Lookup("voltage")
	if !v.OK() || math.Abs(v.Value.Float-234.5) > 1e-9 || v.Unit != "V" {
		t.Fatalf("voltage %+v", v)
	}
	pi, _ := res.Lookup("pi")
	if math.Abs(pi.Value.Float-3.14159) > 1e-5 {
		t.Fatalf("pi %+v", pi)
	}
	run, _ := res.Lookup("run")
	if run.Value.Kind != codec.KindBool || !run.Value.Bool {
		t.Fatalf("run %+v", run)
	}

	// two holding registers share one batch
	if sess.reads != 2 {
		t.Fatalf("expected 2 batch reads, got %d", sess.reads)
	}
	if ev.count(EventPolled) != 1 {
		t.Fatalf("expected one polled event")
	}
}

func TestPollOnce_UnreachableRetriesThenUnavailable(t *testing.T) {
	f := &fakeFactory{err: &transport.ConnectionError{Addr: "10.0.0.1:502", Err: errors.New("refused")}}
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{Retries: 3}, m, f)

	res, err := p.PollOnce(context.Background())
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if ue.Attempts != 3 || !transport.IsConnection(err) {
		t.Fatalf("unexpected error %+v", ue)
	}
	if len(res.Readings) != 0 {
		t.Fatalf("no result expected, got %+v", res)
	}
	if got := f.calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if ev.count(EventUnavailable) != 1 || ev.count(EventRetry) != 2 {
		t.Fatalf("unexpected events %+v", ev.list)
	}
}

func TestRun_UnavailableDispatchesNothing(t *testing.T) {
	f := &fakeFactory{err: &transport.ConnectionError{Addr: "x", Err: errors.New("refused")}}
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{Retries: 3, Once: true}, m, f)

	out := make(chan PollResult, 4)
	p.Run(context.Background(), out)

	n := 0
	for range out {
		n++
	}
	if n != 0 {
		t.Fatalf("expected zero results, got %d", n)
	}
	if f.calls.Load() != 3 || ev.count(EventUnavailable) != 1 {
		t.Fatalf("calls=%d events=%+v", f.calls.Load(), ev.list)
	}
	if p.State() != Stopped {
		t.Fatalf("state %s", p.State())
	}
}

func TestPollOnce_MalformedTypeStillDispatches(t *testing.T) {
	sess := newFakeSession()
	sess.set(3, 0, 7, 9)

	m := buildMap(t,
		regmap.Register{Name: "good", Category: regmap.HoldingRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
		regmap.Register{Name: "bad", Category: regmap.HoldingRegister, Address: 1, Field: codec.Field{Type: "int12"}},
	)
	p, _ := newPoller(t, Config{}, m, &fakeFactory{sess: sess})

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce err=%v", err)
	}
	good, _ := res.Lookup("good")
	if !good.OK() || good.Value.Int != 7 {
		t.Fatalf("good %+v", good)
	}
	bad, _ := res.Lookup("bad")
	var de *codec.DecodeError
	if !errors.As(bad.Err, &de) {
		t.Fatalf("expected DecodeError marker, got %+v", bad)
	}
}

func TestPollOnce_ExceptionMarksBatchAndDisables(t *testing.T) {
	sess := newFakeSession()
	sess.set(4, 0, 11)
	sess.readErr[3] = &transport.ExceptionError{Function: 3, Code: 2}

	m := buildMap(t,
		regmap.Register{Name: "h", Category: regmap.HoldingRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
		regmap.Register{Name: "i", Category: regmap.InputRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
	)
	f := &fakeFactory{sess: sess}
	p, ev := newPoller(t, Config{Retries: 3, DisableAfter: 2}, m, f)

	for cycle := 1; cycle <= 3; cycle++ {
		res, err := p.PollOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: exceptions must not fail the cycle: %v", cycle, err)
		}
		h, _ := res.Lookup("h")
		i, _ := res.Lookup("i")
		if !i.OK() || i.Value.Int != 11 {
			t.Fatalf("cycle %d: unaffected reading %+v", cycle, i)
		}
		var ex *transport.ExceptionError
		switch cycle {
		case 1, 2:
			if !errors.As(h.Err, &ex) {
				t.Fatalf("cycle %d: expected exception marker, got %+v", cycle, h)
			}
		case 3:
			if !errors.Is(h.Err, ErrBatchDisabled) {
				t.Fatalf("cycle %d: expected disabled marker, got %+v", cycle, h)
			}
		}
	}

	// 2 batches in cycles 1-2, only the input batch in cycle 3; no retries
	if sess.reads != 5 {
		t.Fatalf("expected 5 reads, got %d", sess.reads)
	}
	if ev.count(EventBatchDisabled) != 1 || ev.count(EventRetry) != 0 {
		t.Fatalf("unexpected events %+v", ev.list)
	}
}

func TestPollOnce_ExceptionCountsOncePerCycle(t *testing.T) {
	sess := newFakeSession()
	sess.readErr[3] = &transport.ExceptionError{Function: 3, Code: 2}
	sess.readErr[4] = &transport.TimeoutError{Op: "read"}

	m := buildMap(t,
		regmap.Register{Name: "h", Category: regmap.HoldingRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
		regmap.Register{Name: "i", Category: regmap.InputRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
	)
	p, ev := newPoller(t, Config{Retries: 3, DisableAfter: 3}, m, &fakeFactory{sess: sess})

	for cycle := 1; cycle <= 3; cycle++ {
		var ue *UnavailableError
		if _, err := p.PollOnce(context.Background()); !errors.As(err, &ue) {
			t.Fatalf("cycle %d: expected unavailable, got %v", cycle, err)
		}
		if p.excCount[0] != cycle {
			t.Fatalf("cycle %d: exception count %d", cycle, p.excCount[0])
		}
		want := 0
		if cycle == 3 {
			want = 1
		}
		if got := ev.count(EventBatchDisabled); got != want {
			t.Fatalf("cycle %d: %d disabled events, want %d", cycle, got, want)
		}
	}
}

func TestRun_InFlightCycleFinishesOnShutdown(t *testing.T) {
	sess := newFakeSession()
	sess.honorCtx = true
	sess.delay = 50 * time.Millisecond
	sess.set(3, 0, 7)
	sess.set(3, 1000, 9)

	m := buildMap(t,
		regmap.Register{Name: "a", Category: regmap.HoldingRegister, Address: 0, Field: codec.Field{Type: codec.Uint16}},
		regmap.Register{Name: "b", Category: regmap.HoldingRegister, Address: 1000, Field: codec.Field{Type: codec.Uint16}},
	)
	if len(m.Plan()) != 2 {
		t.Fatalf("expected two batches, got %v", m.Plan())
	}
	p, _ := newPoller(t, Config{Interval: time.Hour, Timeout: time.Second}, m, &fakeFactory{sess: sess})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan PollResult, 4)
	go p.Run(ctx, out)

	deadline := time.Now().Add(time.Second)
	for sess.active.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first read never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()

	var results []PollResult
	for res := range out {
		results = append(results, res)
	}
	if len(results) != 1 {
		t.Fatalf("expected the in-flight cycle to be dispatched, got %d results", len(results))
	}
	a, _ := results[0].Lookup("a")
	b, _ := results[0].Lookup("b")
	if !a.OK() || a.Value.Int != 7 || !b.OK() || b.Value.Int != 9 {
		t.Fatalf("unexpected readings a=%+v b=%+v", a, b)
	}
	if sess.reads != 2 {
		t.Fatalf("expected both batches read, got %d", sess.reads)
	}
}

func TestPollCycle_ShutdownStopsRetries(t *testing.T) {
	f := &fakeFactory{err: &transport.TimeoutError{Op: "dial"}}
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{Retries: 5}, m, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.pollCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls.Load() != 1 || ev.count(EventUnavailable) != 0 {
		t.Fatalf("no retry expected after shutdown: calls=%d events=%+v", f.calls.Load(), ev.list)
	}
}

func TestPollOnce_ReopensAfterConnectionError(t *testing.T) {
	sess := newFakeSession()
	sess.set(3, 0, 5)
	sess.failNext = &transport.ConnectionError{Addr: "x", Err: errors.New("reset")}

	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	f := &fakeFactory{sess: sess}
	p, ev := newPoller(t, Config{Retries: 2}, m, f)

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce err=%v", err)
	}
	if v, _ := res.Lookup("v"); v.Value.Int != 5 {
		t.Fatalf("unexpected reading %+v", v)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("expected session reopened, factory calls=%d", f.calls.Load())
	}
	if ev.count(EventRetry) != 1 {
		t.Fatalf("expected one retry event")
	}
}

func TestPollOnce_RecoveredEvent(t *testing.T) {
	sess := newFakeSession()
	f := &fakeFactory{err: &transport.TimeoutError{Op: "dial"}}
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{}, m, f)

	if _, err := p.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	f.err, f.sess = nil, sess
	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce err=%v", err)
	}
	if ev.count(EventRecovered) != 1 {
		t.Fatalf("expected one recovered event, got %+v", ev.list)
	}
}

func TestRun_MonotonicTimestamps(t *testing.T) {
	sess := newFakeSession()
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var step atomic.Int32
	// clock steps back on every other reading
	clock := func() time.Time {
		n := step.Add(1)
		if n%2 == 0 {
			return base.Add(-time.Hour)
		}
		return base.Add(time.Duration(n) * time.Second)
	}

	p, _ := newPoller(t, Config{Interval: 5 * time.Millisecond, Now: clock}, m, &fakeFactory{sess: sess})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan PollResult)
	go p.Run(ctx, out)

	var last time.Time
	for i := 0; i < 6; i++ {
		res := <-out
		if res.At.Before(last) {
			t.Fatalf("timestamp went backwards: %v after %v", res.At, last)
		}
		last = res.At
	}
	cancel()
	for range out {
	}
	if p.State() != Stopped {
		t.Fatalf("state %s after cancel", p.State())
	}
}

func TestRun_UnreachableDeviceDoesNotDelayOthers(t *testing.T) {
	down := &fakeFactory{
		err:   &transport.TimeoutError{Op: "dial"},
		delay: 200 * time.Millisecond,
	}
	reg := regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}}
	pDown, _ := newPoller(t, Config{Interval: 5 * time.Millisecond, Retries: 3}, buildMap(t, reg), down)
	pUp, _ := newPoller(t, Config{Interval: 5 * time.Millisecond}, buildMap(t, reg), &fakeFactory{sess: newFakeSession()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outDown := make(chan PollResult, 16)
	outUp := make(chan PollResult, 64)
	go pDown.Run(ctx, outDown)
	go pUp.Run(ctx, outUp)

	got := 0
	timeout := time.After(300 * time.Millisecond)
	for got < 5 {
		select {
		case <-outUp:
			got++
		case <-timeout:
			t.Fatalf("reachable device produced %d results while the other was down", got)
		}
	}
}

func TestRun_NeverOverlapsAndSkipsTicks(t *testing.T) {
	sess := newFakeSession()
	sess.delay = 30 * time.Millisecond
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{Interval: 5 * time.Millisecond}, m, &fakeFactory{sess: sess})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan PollResult, 64)
	go p.Run(ctx, out)

	time.Sleep(150 * time.Millisecond)
	cancel()
	for range out {
	}

	if sess.maxActive.Load() != 1 {
		t.Fatalf("polls overlapped: %d concurrent", sess.maxActive.Load())
	}
	if ev.count(EventSkipped) == 0 {
		t.Fatalf("expected skipped ticks")
	}
}

func TestTick_BackoffSkipsConfiguredTicks(t *testing.T) {
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	p, ev := newPoller(t, Config{BackoffTicks: 2}, m, &fakeFactory{sess: newFakeSession()})

	polls := make(chan struct{}, 1)
	p.state.Store(int32(BackingOff))
	p.backoffLeft.Store(2)

	p.tick(polls)
	p.tick(polls)
	if len(polls) != 0 || ev.count(EventSkipped) != 2 {
		t.Fatalf("backoff ticks not skipped: polls=%d events=%+v", len(polls), ev.list)
	}
	p.tick(polls)
	if len(polls) != 1 || p.State() != Polling {
		t.Fatalf("expected a poll after backoff, state=%s", p.State())
	}
}

func TestWrite_RunsOnWorker(t *testing.T) {
	sess := newFakeSession()
	m := buildMap(t,
		regmap.Register{Name: "setpoint", Category: regmap.HoldingRegister, Address: 20,
			Field: codec.Field{Type: codec.Int16, Scale: 0.1}, Writable: true},
		regmap.Register{Name: "pump", Category: regmap.Coil, Address: 3,
			Field: codec.Field{Type: codec.Bool8}, Writable: true},
		regmap.Register{Name: "ro", Category: regmap.HoldingRegister, Address: 30,
			Field: codec.Field{Type: codec.Uint16}},
	)
	p, _ := newPoller(t, Config{Interval: time.Hour}, m, &fakeFactory{sess: sess})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan PollResult, 4)
	go p.Run(ctx, out)

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()

	if err := p.Write(wctx, "setpoint", codec.FloatValue(12.5)); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	if err := p.Write(wctx, "pump", codec.BoolValue(true)); err != nil {
		t.Fatalf("Write coil err=%v", err)
	}
	if err := p.Write(wctx, "ro", codec.IntValue(1)); err == nil {
		t.Fatalf("expected not-writable error")
	}
	if err := p.Write(wctx, "missing", codec.IntValue(1)); err == nil {
		t.Fatalf("expected unknown register error")
	}

	cancel()
	for range out {
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.writes) != 2 {
		t.Fatalf("expected 2 writes, got %+v", sess.writes)
	}
	w := sess.writes[0]
	if w.fc != transport.FuncWriteSingleRegister || w.addr != 20 || w.words[0] != 125 {
		t.Fatalf("unexpected register write %+v", w)
	}
	c := sess.writes[1]
	if c.fc != transport.FuncWriteSingleCoil || c.addr != 3 || c.words[0] != 1 {
		t.Fatalf("unexpected coil write %+v", c)
	}

	if err := p.Write(context.Background(), "setpoint", codec.FloatValue(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Run returned, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	m := buildMap(t, regmap.Register{Name: "v", Category: regmap.HoldingRegister, Field: codec.Field{Type: codec.Uint16}})
	f := &fakeFactory{}
	if _, err := New(Config{Interval: time.Second}, m, f.open); err == nil {
		t.Fatalf("expected device id error")
	}
	if _, err := New(Config{DeviceID: "d"}, m, f.open); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := New(Config{DeviceID: "d", Interval: time.Second}, nil, f.open); err == nil {
		t.Fatalf("expected registers error")
	}
	if _, err := New(Config{DeviceID: "d", Interval: time.Second}, m, nil); err == nil {
		t.Fatalf("expected factory error")
	}
}
