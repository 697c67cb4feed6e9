// internal/writer/router.go
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/config"
	"github.com/gavinying/modpoll/internal/regmap"
)

// Target is the device side of a write. *poller.Poller implements it;
// writes run on the poller's worker between polls.
type Target interface {
	Registers() *regmap.Map
	Write(ctx context.Context, name string, v codec.Value) error
	WriteRaw(ctx context.Context, c regmap.Category, addr uint16, words []uint16) error
}

// Command is the payload of a {prefix}/{device}/set message. Either Name
// selects a configured reference, or ObjectType and Address address the
// device directly.
type Command struct {
	Name       string          `json:"name,omitempty"`
	ObjectType string          `json:"object_type,omitempty"` // coil | holding_register
	Address    *uint16         `json:"address,omitempty"`
	Value      json.RawMessage `json:"value"`
}

// Router validates write commands and hands them to the device target.
type Router struct {
	targets map[string]Target
	pool    *ants.Pool
	timeout time.Duration
	log     *logrus.Entry
}

// NewRouter builds a router. Commands received through Submit run on a
// small worker pool so a slow device never stalls the message callback.
func NewRouter(targets map[string]Target, timeout time.Duration, log *logrus.Entry) (*Router, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pool, err := ants.NewPool(len(targets) + 1)
	if err != nil {
		return nil, fmt.Errorf("writer: pool: %w", err)
	}
	return &Router{
		targets: targets,
		pool:    pool,
		timeout: timeout,
		log:     log.WithField("component", "writer"),
	}, nil
}

// Close stops accepting commands.
func (r *Router) Close() { r.pool.Release() }

// HandleMessage is a subscription callback for {prefix}/{device}/set.
func (r *Router) HandleMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != config.TopicSet {
		r.log.WithField("topic", topic).Warn("ignoring message on unexpected topic")
		return
	}
	r.Submit(parts[len(parts)-2], payload)
}

// Submit runs Handle in the background and logs the outcome.
func (r *Router) Submit(device string, payload []byte) {
	b := append([]byte(nil), payload...)
	err := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Handle(ctx, device, b); err != nil {
			r.log.WithError(err).WithField("device", device).Warn("write command failed")
		}
	})
	if err != nil {
		r.log.WithError(err).WithField("device", device).Warn("write command rejected")
	}
}

// Handle validates one command and performs the write.
func (r *Router) Handle(ctx context.Context, device string, payload []byte) error {
	t, ok := r.targets[device]
	if !ok {
		return fmt.Errorf("writer: unknown device %q", device)
	}

	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return fmt.Errorf("writer: invalid command: %w", err)
	}
	if len(cmd.Value) == 0 {
		return errors.New("writer: command without value")
	}

	if cmd.Name != "" {
		v, err := parseValue(cmd.Value)
		if err != nil {
			return err
		}
		if err := t.Write(ctx, cmd.Name, v); err != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{"device": device, "ref": cmd.Name, "value": v.String()}).Info("write done")
		return nil
	}

	if cmd.Address == nil {
		return errors.New("writer: command needs name or address")
	}
	cat, err := regmap.ParseCategory(cmd.ObjectType)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if !cat.Writable() {
		return fmt.Errorf("writer: %s objects are read-only", cat)
	}
	addr := *cmd.Address

	// a configured register at that address writes through its codec
	if reg, ok := t.Registers().Find(cat, addr); ok && reg.Writable {
		v, err := parseValue(cmd.Value)
		if err != nil {
			return err
		}
		if _, isList := listValue(cmd.Value); !isList {
			return t.Write(ctx, reg.Name, v)
		}
	}

	words, err := rawWords(cat, cmd.Value)
	if err != nil {
		return err
	}
	return t.WriteRaw(ctx, cat, addr, words)
}

// parseValue maps a JSON scalar onto the value union.
func parseValue(raw json.RawMessage) (codec.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return codec.Value{}, fmt.Errorf("writer: invalid value: %w", err)
	}
	switch v := x.(type) {
	case bool:
		return codec.BoolValue(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return codec.IntValue(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return codec.Value{}, fmt.Errorf("writer: invalid number %s", v)
		}
		return codec.FloatValue(f), nil
	case string:
		return codec.TextValue(v), nil
	case []any:
		return codec.Value{}, errors.New("writer: list values need object_type and address")
	}
	return codec.Value{}, fmt.Errorf("writer: unsupported value %s", raw)
}

func listValue(raw json.RawMessage) ([]json.Number, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var list []json.Number
	if err := dec.Decode(&list); err != nil {
		return nil, false
	}
	return list, true
}

// rawWords accepts a scalar or a list. Coils take booleans or 0/1;
// registers take integers in 0..65535.
func rawWords(cat regmap.Category, raw json.RawMessage) ([]uint16, error) {
	if cat == regmap.Coil {
		var one bool
		if err := json.Unmarshal(raw, &one); err == nil {
			return []uint16{boolWord(one)}, nil
		}
		var many []bool
		if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
			out := make([]uint16, len(many))
			for i, b := range many {
				out[i] = boolWord(b)
			}
			return out, nil
		}
	}

	nums, ok := listValue(raw)
	if !ok {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("writer: invalid %s value %s", cat, raw)
		}
		nums = []json.Number{n}
	}
	if len(nums) == 0 {
		return nil, errors.New("writer: empty value list")
	}

	out := make([]uint16, len(nums))
	for i, n := range nums {
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || f < 0 || f > math.MaxUint16 {
			return nil, fmt.Errorf("writer: %s value %s out of range", cat, n)
		}
		if cat == regmap.Coil && f > 1 {
			return nil, fmt.Errorf("writer: coil value %s must be 0 or 1", n)
		}
		out[i] = uint16(f)
	}
	return out, nil
}

func boolWord(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
