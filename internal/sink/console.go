// internal/sink/console.go
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gavinying/modpoll/internal/poller"
)

// Console prints one line per reading:
//
//	<timestamp> <device> <ref> = <value> <unit>
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	prec int
}

// NewConsole writes to w, or stdout when w is nil. prec is the number of
// decimals for floats; negative prints the shortest exact form.
func NewConsole(w io.Writer, prec int) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w, prec: prec}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Write(_ context.Context, res poller.PollResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bw := bufio.NewWriter(c.w)
	ts := res.At.Format(time.RFC3339)
	for _, rd := range res.Readings {
		val := "<error: " + errText(rd.Err) + ">"
		if rd.Err == nil {
			val = rd.Value.Format(c.prec)
			if rd.Unit != "" {
				val += " " + rd.Unit
			}
		}
		fmt.Fprintf(bw, "%s %s %s = %s\n", ts, res.DeviceID, rd.Name, val)
	}
	return bw.Flush()
}

func (c *Console) Close() error { return nil }

func errText(err error) string {
	if err == nil {
		return "no value"
	}
	return err.Error()
}
