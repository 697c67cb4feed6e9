// cmd/modpoll/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/gavinying/modpoll/internal/app"
	"github.com/gavinying/modpoll/internal/logging"
)

func main() {
	v, fs, err := loadSettings(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, fs.FlagUsages())
		os.Exit(2)
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := buildConfig(v)
	if err != nil {
		logrus.Fatalf("config failed: %v", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		logrus.Fatalf("logging setup failed: %v", err)
	}

	log.WithFields(logrus.Fields{
		"devices": len(cfg.Devices),
		"sinks":   len(cfg.Sinks),
		"once":    cfg.Once,
	}).Info("modpoll starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Info("modpoll stopped")
}
