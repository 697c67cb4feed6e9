// internal/app/app_test.go
package app

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tbrandon/mbserver"

	"github.com/gavinying/modpoll/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen err=%v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func device(id string, port int) config.DeviceConfig {
	return config.DeviceConfig{
		ID:        id,
		Transport: config.TransportConfig{Kind: "tcp", Host: "127.0.0.1", Port: port},
		UnitID:    1,
		Timeout:   300 * time.Millisecond,
		Retries:   2,
		Registers: []config.RegisterConfig{
			{Name: "voltage", Category: "holding", Address: 0, DataType: "uint16", Scale: 0.1, Unit: "V"},
			{Name: "pi", Category: "holding", Address: 1, DataType: "float32"},
			{Name: "relay", Category: "coil", Address: 0},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s err=%v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv err=%v", err)
	}
	return rows
}

func TestRun_OnceEndToEnd(t *testing.T) {
	port := freePort(t)
	srv := mbserver.NewServer()
	if err := srv.ListenTCP("127.0.0.1:" + strconv.Itoa(port)); err != nil {
		t.Fatalf("ListenTCP err=%v", err)
	}
	defer srv.Close()
	srv.HoldingRegisters[0] = 2345
	srv.HoldingRegisters[1] = 0x4049
	srv.HoldingRegisters[2] = 0x0FDB
	srv.Coils[0] = 1

	// a second device nobody listens for
	deadPort := freePort(t)

	dir := t.TempDir()
	cfg := &config.Config{
		Once:    true,
		Devices: []config.DeviceConfig{device("live", port), device("dead", deadPort)},
		Sinks:   []config.SinkConfig{{Kind: "file", Path: filepath.Join(dir, "{device}.csv"), Format: "csv"}},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	config.Normalize(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, cfg, quietLogger()); err != nil {
		t.Fatalf("Run err=%v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "live.csv"))
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	if rows[0][1] != "voltage" || rows[0][2] != "pi" || rows[1][3] != "true" {
		t.Fatalf("unexpected rows %v", rows)
	}
	volts, err := strconv.ParseFloat(rows[1][1], 64)
	if err != nil || math.Abs(volts-234.5) > 1e-9 {
		t.Fatalf("voltage=%q err=%v", rows[1][1], err)
	}
	pi, err := strconv.ParseFloat(rows[1][2], 64)
	if err != nil || pi < 3.14159 || pi > 3.1416 {
		t.Fatalf("pi=%q err=%v", rows[1][2], err)
	}

	if _, err := os.Stat(filepath.Join(dir, "dead.csv")); !os.IsNotExist(err) {
		t.Fatalf("unreachable device must not produce a result, stat err=%v", err)
	}
}

func TestRun_InvalidRegisterIsFatal(t *testing.T) {
	cfg := &config.Config{
		Once: true,
		Devices: []config.DeviceConfig{{
			ID:        "d1",
			Transport: config.TransportConfig{Kind: "tcp", Host: "127.0.0.1", Port: 1},
			Registers: []config.RegisterConfig{
				{Name: "bad", Category: "coil", Address: 0, DataType: "float32"},
			},
		}},
	}
	config.Normalize(cfg)

	if err := Run(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected build error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := &config.Config{
		Devices: []config.DeviceConfig{device("dead", freePort(t))},
		Sinks:   []config.SinkConfig{{Kind: "console"}},
	}
	config.Normalize(cfg)
	cfg.Devices[0].Interval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, quietLogger()) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
