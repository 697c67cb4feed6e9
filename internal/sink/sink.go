// internal/sink/sink.go
package sink

import (
	"context"
	"fmt"

	"github.com/gavinying/modpoll/internal/poller"
)

// Sink receives poll results. Implementations are shared by every device
// and serialize concurrent writes themselves.
//
// Delivery is at-least-once: a result may reach a sink again after a
// partial failure, never less than once while the sink is healthy.
type Sink interface {
	Name() string
	Write(ctx context.Context, res poller.PollResult) error
	Close() error
}

// PublishError is a failure of one sink for one result. It is logged by
// the dispatcher and never reaches the scheduler or the other sinks.
type PublishError struct {
	Sink   string
	Device string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("sink %s: device %q: %v", e.Sink, e.Device, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
