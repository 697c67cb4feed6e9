// internal/sink/file_test.go
package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavinying/modpoll/internal/poller"
)

func TestFile_CSVHeaderOnceAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out-{device}.csv")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	s, err := NewFile(path, "csv", -1)
	if err != nil {
		t.Fatalf("NewFile err=%v", err)
	}
	if err := s.Write(ctx, sampleResult(at)); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}

	// reopen: appends without a second header
	s, err = NewFile(path, "csv", -1)
	if err != nil {
		t.Fatalf("NewFile err=%v", err)
	}
	if err := s.Write(ctx, sampleResult(at.Add(time.Second))); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	_ = s.Close()

	f, err := os.Open(filepath.Join(dir, "out-meter1.csv"))
	if err != nil {
		t.Fatalf("open err=%v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv err=%v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	want := []string{"timestamp", "voltage", "running", "broken", "count"}
	for i, h := range want {
		if rows[0][i] != h {
			t.Fatalf("header[%d]=%q want %q", i, rows[0][i], h)
		}
	}
	if rows[1][0] != "2024-05-01T12:00:00Z" || rows[1][1] != "234.5" || rows[1][2] != "true" ||
		rows[1][3] != "" || rows[1][4] != "42" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestFile_CSVRejectsForeignLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.csv")
	s, err := NewFile(path, "csv", -1)
	if err != nil {
		t.Fatalf("NewFile err=%v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Write(ctx, sampleResult(time.Now())); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	other := poller.PollResult{DeviceID: "other", At: time.Now(), Readings: []poller.Reading{{Name: "x"}}}
	if err := s.Write(ctx, other); err == nil {
		t.Fatalf("expected layout error")
	}
}

func TestFile_JSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewFile(path, "jsonl", -1)
	if err != nil {
		t.Fatalf("NewFile err=%v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Write(context.Background(), sampleResult(at)); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	_ = s.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open err=%v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("no line")
	}
	var rec struct {
		Device string            `json:"device"`
		Values map[string]any    `json:"values"`
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatalf("json err=%v", err)
	}
	if rec.Device != "meter1" || rec.Values["voltage"] != 234.5 || rec.Values["running"] != true {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, ok := rec.Errors["broken"]; !ok {
		t.Fatalf("decode error not recorded: %+v", rec.Errors)
	}
}

func TestNewFile_UnknownFormat(t *testing.T) {
	if _, err := NewFile("x", "xml", -1); err == nil {
		t.Fatalf("expected error")
	}
}
