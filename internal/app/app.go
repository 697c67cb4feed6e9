// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/api"
	"github.com/gavinying/modpoll/internal/config"
	"github.com/gavinying/modpoll/internal/poller"
	"github.com/gavinying/modpoll/internal/sink"
	"github.com/gavinying/modpoll/internal/status"
	"github.com/gavinying/modpoll/internal/writer"
)

// resultBuffer decouples a device's poll loop from slow sinks.
const resultBuffer = 16

// Run builds every device pipeline from a validated, normalized config and
// polls until ctx is done (or one cycle per device in once mode). Only
// build failures are returned; runtime errors are logged where they occur.
//
// Shutdown order: pollers stop (an in-flight cycle finishes within its
// timeout) and their results drain to the sinks; then diagnostics and the
// status API stop; then the sinks are flushed and closed.
func Run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := logrus.NewEntry(log)

	tracker := status.NewTracker()

	// --------------------
	// Pollers (config validation errors are fatal here)
	// --------------------

	pollers := make([]*poller.Poller, 0, len(cfg.Devices))
	targets := make(map[string]writer.Target, len(cfg.Devices))
	for _, d := range cfg.Devices {
		p, err := poller.Build(d, poller.Options{
			Limits:  cfg.RegmapLimits(),
			Once:    cfg.Once,
			Log:     entry,
			Tracker: tracker,
		})
		if err != nil {
			return fmt.Errorf("device %q: %w", d.ID, err)
		}
		pollers = append(pollers, p)
		targets[d.ID] = p
		entry.WithFields(logrus.Fields{
			"device":  d.ID,
			"batches": len(p.Registers().Plan()),
		}).Info("device loaded")
	}

	// --------------------
	// Sinks
	// --------------------

	set, err := sink.Build(ctx, cfg.Sinks, entry)
	if err != nil {
		return err
	}
	disp, err := sink.NewDispatcher(set.Sinks, entry)
	if err != nil {
		set.Close()
		return err
	}
	defer disp.Close()

	auxCtx, stopAux := context.WithCancel(context.Background())
	var aux sync.WaitGroup
	defer aux.Wait()
	defer stopAux()

	// --------------------
	// Writes and diagnostics over MQTT
	// --------------------

	router, err := writer.NewRouter(targets, 10*time.Second, entry)
	if err != nil {
		return err
	}
	defer router.Close()

	for _, m := range set.MQTT {
		if m.Config.SubscribeWrites {
			m.Subscribe(m.Topic("+", config.TopicSet), router.HandleMessage)
		}
		if m.Config.DiagnosticsInterval > 0 {
			m := m
			aux.Add(1)
			go func() {
				defer aux.Done()
				writer.RunDiagnostics(auxCtx, tracker, m, m.Config.DiagnosticsInterval, entry)
			}()
		}
	}

	// --------------------
	// Status API
	// --------------------

	if cfg.HTTP.Listen != "" {
		aux.Add(1)
		go func() {
			defer aux.Done()
			if err := api.Serve(auxCtx, cfg.HTTP.Listen, api.NewRouter(tracker, entry), entry); err != nil {
				entry.WithError(err).Error("status api stopped")
			}
		}()
	}

	// --------------------
	// One supervised loop per device
	// --------------------

	var wg sync.WaitGroup
	for _, p := range pollers {
		p := p
		out := make(chan poller.PollResult, resultBuffer)

		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Run(ctx, out)
			tracker.Stopped(p.ID())
		}()
		go func() {
			defer wg.Done()
			disp.Serve(out)
		}()
	}

	wg.Wait()
	entry.Info("all pollers stopped")
	return nil
}
