// internal/sink/mqtt.go
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/poller"
)

// ErrClosed is returned when publishing to a closed MQTT sink.
var ErrClosed = errors.New("sink: mqtt closed")

// ConnState is the connection state of an MQTT sink.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("conn_state(%d)", int32(s))
}

// MessageHandler receives subscribed messages.
type MessageHandler func(topic string, payload []byte)

// Conn is the network side of the sink. Every call blocks until the
// broker answered or the connection's own timeout expired.
type Conn interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, h MessageHandler) error
	Disconnect()
}

// Dialer builds one Conn. lost is called once if an established
// connection drops.
type Dialer func(lost func(error)) Conn

// MQTTConfig holds broker and delivery options.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	QoS       byte
	Retained  bool
	Aggregate bool // one JSON message per device instead of one per reference
	OnChange  bool // skip values equal to the last one published on the topic
	Timestamp bool // add "timestamp" (unix seconds) to aggregated payloads
	Precision int  // float decimals; negative is shortest exact form

	// Buffer bounds the pending messages. When full, the oldest message is
	// dropped to make room, or the new one when DropNewest is set.
	Buffer     int
	DropNewest bool

	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	FlushTimeout   time.Duration
	PublishTimeout time.Duration

	TLS *TLSOptions

	// OnDrop is called for every message discarded by the buffer bound.
	OnDrop func(Message)
}

// Message is one pending publish.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool

	seq uint64
}

type mqttEventKind int

const (
	evConnected mqttEventKind = iota
	evConnectFailed
	evLost
	evSubscribe
)

type mqttEvent struct {
	kind mqttEventKind
	gen  uint64
	conn Conn
	err  error
	sub  subscription
}

type subscription struct {
	topic string
	h     MessageHandler
}

// MQTT publishes results to a broker. Publish calls only enqueue; one
// goroutine owns the connection and moves it through Disconnected,
// Connecting and Connected in response to events on a channel.
//
// Delivery is at-least-once: a message whose publish fails stays at the
// head of the buffer and is sent again after reconnecting.
type MQTT struct {
	cfg  MQTTConfig
	dial Dialer
	log  *logrus.Entry

	mu      sync.Mutex
	buf     []Message
	seq     uint64
	subs    []subscription
	last    map[string]string
	closing bool

	state   atomic.Int32
	dropped atomic.Uint64
	sent    atomic.Uint64

	events  chan mqttEvent
	wake    chan struct{}
	closeCh chan chan int
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewMQTT starts the connection loop against a real broker.
func NewMQTT(cfg MQTTConfig, log *logrus.Entry) (*MQTT, error) {
	dial, err := PahoDialer(cfg)
	if err != nil {
		return nil, err
	}
	return newMQTT(cfg, dial, log), nil
}

func newMQTT(cfg MQTTConfig, dial Dialer, log *logrus.Entry) *MQTT {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &MQTT{
		cfg:     cfg,
		dial:    dial,
		log:     log.WithField("sink", "mqtt"),
		last:    make(map[string]string),
		events:  make(chan mqttEvent, 16),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan chan int),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *MQTT) Name() string { return "mqtt:" + m.cfg.Broker }

// State returns the current connection state.
func (m *MQTT) State() ConnState { return ConnState(m.state.Load()) }

// Dropped counts messages discarded by the buffer bound.
func (m *MQTT) Dropped() uint64 { return m.dropped.Load() }

// Sent counts messages acknowledged by the broker.
func (m *MQTT) Sent() uint64 { return m.sent.Load() }

// Pending returns the number of buffered messages.
func (m *MQTT) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Topic returns {prefix}/{device}/{name}, or {prefix}/{device} for an
// empty name.
func (m *MQTT) Topic(device, name string) string {
	parts := make([]string, 0, 3)
	if m.cfg.TopicPrefix != "" {
		parts = append(parts, m.cfg.TopicPrefix)
	}
	parts = append(parts, device)
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, "/")
}

// Write enqueues the messages of one result. It never touches the network.
func (m *MQTT) Write(_ context.Context, res poller.PollResult) error {
	if m.cfg.Aggregate {
		return m.writeAggregate(res)
	}
	for _, rd := range res.Readings {
		if !rd.OK() {
			continue
		}
		topic := m.Topic(res.DeviceID, rd.Name)
		payload := rd.Value.Format(m.cfg.Precision)
		if !m.changed(topic, payload) {
			continue
		}
		if err := m.Publish(topic, []byte(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) writeAggregate(res poller.PollResult) error {
	values := make(map[string]any, len(res.Readings)+1)
	for _, rd := range res.Readings {
		if !rd.OK() {
			continue
		}
		key := m.Topic(res.DeviceID, rd.Name)
		if !m.changed(key, rd.Value.Format(m.cfg.Precision)) {
			continue
		}
		values[rd.Name] = rd.Value
	}
	if len(values) == 0 {
		return nil
	}
	if m.cfg.Timestamp {
		values["timestamp"] = res.At.Unix()
	}
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", res.DeviceID, err)
	}
	return m.Publish(m.Topic(res.DeviceID, ""), b)
}

// changed records payload as the last value of key. Without on_change
// every value counts as changed.
func (m *MQTT) changed(key, payload string) bool {
	if !m.cfg.OnChange {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[key]; ok && prev == payload {
		return false
	}
	m.last[key] = payload
	return true
}

// Publish enqueues one message with the configured QoS and retained flag.
func (m *MQTT) Publish(topic string, payload []byte) error {
	return m.enqueue(Message{Topic: topic, Payload: payload, QoS: m.cfg.QoS, Retained: m.cfg.Retained})
}

func (m *MQTT) enqueue(msg Message) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.seq++
	msg.seq = m.seq

	var (
		old     Message
		dropped bool
	)
	switch {
	case len(m.buf) < m.cfg.Buffer:
		m.buf = append(m.buf, msg)
	case m.cfg.DropNewest:
		old, dropped = msg, true
	default:
		old, dropped = m.buf[0], true
		copy(m.buf, m.buf[1:])
		m.buf[len(m.buf)-1] = msg
	}
	m.mu.Unlock()

	if dropped {
		n := m.dropped.Add(1)
		m.log.WithFields(logrus.Fields{"topic": old.Topic, "dropped": n, "newest": m.cfg.DropNewest}).Warn("buffer full, message dropped")
		if m.cfg.OnDrop != nil {
			m.cfg.OnDrop(old)
		}
		if m.cfg.DropNewest {
			return nil
		}
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers h for topic. Subscriptions are renewed on every
// connect.
func (m *MQTT) Subscribe(topic string, h MessageHandler) {
	sub := subscription{topic: topic, h: h}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	m.post(mqttEvent{kind: evSubscribe, sub: sub})
}

func (m *MQTT) post(ev mqttEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *MQTT) peek() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) == 0 {
		return Message{}, false
	}
	return m.buf[0], true
}

// pop removes msg if it is still at the head; it may have been dropped
// while it was in flight.
func (m *MQTT) pop(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) > 0 && m.buf[0].seq == seq {
		copy(m.buf, m.buf[1:])
		m.buf = m.buf[:len(m.buf)-1]
	}
}

func (m *MQTT) setState(s ConnState) {
	if ConnState(m.state.Swap(int32(s))) != s {
		m.log.WithField("state", s.String()).Debug("mqtt state")
	}
}

// flush publishes in buffer order until the buffer is empty or a publish
// fails. A failed message stays at the head.
func (m *MQTT) flush(conn Conn) error {
	for {
		msg, ok := m.peek()
		if !ok {
			return nil
		}
		if err := conn.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload); err != nil {
			return fmt.Errorf("mqtt: publish %s: %w", msg.Topic, err)
		}
		m.pop(msg.seq)
		m.sent.Add(1)
	}
}

func (m *MQTT) run() {
	defer close(m.done)

	var (
		conn    Conn
		gen     uint64
		backoff = m.cfg.ReconnectMin
		retry   *time.Timer
		retryC  <-chan time.Time
		reply   chan int
		flush   *time.Timer
		flushC  <-chan time.Time
	)

	connect := func() {
		gen++
		g := gen
		m.setState(Connecting)
		c := m.dial(func(err error) { m.post(mqttEvent{kind: evLost, gen: g, err: err}) })
		go func() {
			if err := c.Connect(); err != nil {
				m.post(mqttEvent{kind: evConnectFailed, gen: g, err: err})
				return
			}
			m.post(mqttEvent{kind: evConnected, gen: g, conn: c})
		}()
	}

	schedule := func() {
		m.setState(Disconnected)
		if retry != nil {
			retry.Stop()
		}
		retry = time.NewTimer(backoff)
		retryC = retry.C
		backoff *= 2
		if backoff > m.cfg.ReconnectMax {
			backoff = m.cfg.ReconnectMax
		}
	}

	// drop abandons conn after a failed publish; the broker will see the
	// session end and we reconnect with the message still buffered.
	drop := func(err error) {
		m.log.WithError(err).Warn("publish failed, reconnecting")
		conn.Disconnect()
		conn = nil
		gen++
		schedule()
	}

	finish := func() {
		if retry != nil {
			retry.Stop()
		}
		if flush != nil {
			flush.Stop()
		}
		if conn != nil {
			conn.Disconnect()
		}
		m.setState(Disconnected)
		reply <- m.Pending()
	}

	connect()
	for {
		select {
		case ev := <-m.events:
			switch ev.kind {
			case evSubscribe:
				if conn != nil {
					if err := conn.Subscribe(ev.sub.topic, m.cfg.QoS, ev.sub.h); err != nil {
						m.log.WithError(err).WithField("topic", ev.sub.topic).Warn("subscribe failed")
					}
				}
				continue
			}
			if ev.gen != gen {
				// a late answer from an abandoned attempt
				if ev.kind == evConnected {
					ev.conn.Disconnect()
				}
				continue
			}

			switch ev.kind {
			case evConnected:
				conn = ev.conn
				backoff = m.cfg.ReconnectMin
				m.setState(Connected)
				m.log.WithField("broker", m.cfg.Broker).Info("mqtt connected")
				m.resubscribe(conn)
				if err := m.flush(conn); err != nil {
					drop(err)
				}
			case evConnectFailed:
				m.log.WithError(ev.err).WithField("retry_in", backoff).Warn("mqtt connect failed")
				schedule()
			case evLost:
				m.log.WithError(ev.err).Warn("mqtt connection lost")
				conn = nil
				schedule()
			}

		case <-m.wake:
			if conn != nil {
				if err := m.flush(conn); err != nil {
					drop(err)
				}
			}

		case <-retryC:
			retryC = nil
			connect()

		case r := <-m.closeCh:
			reply = r
			flush = time.NewTimer(m.cfg.FlushTimeout)
			flushC = flush.C

		case <-flushC:
			finish()
			return
		}

		if reply != nil && m.Pending() == 0 {
			finish()
			return
		}
	}
}

func (m *MQTT) resubscribe(conn Conn) {
	m.mu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		if err := conn.Subscribe(s.topic, m.cfg.QoS, s.h); err != nil {
			m.log.WithError(err).WithField("topic", s.topic).Warn("subscribe failed")
		}
	}
}

// Close stops accepting messages, flushes for up to FlushTimeout and
// disconnects. Messages still pending afterwards are reported as an error.
func (m *MQTT) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()

		reply := make(chan int, 1)
		m.closeCh <- reply
		left := <-reply
		<-m.done
		if left > 0 {
			m.closeErr = fmt.Errorf("mqtt: %d messages undelivered", left)
		}
	})
	return m.closeErr
}
