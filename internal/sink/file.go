// internal/sink/file.go
package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/poller"
)

// File formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// DevicePlaceholder in a file path is replaced by the device id.
const DevicePlaceholder = "{device}"

// File appends one record per poll cycle. In csv format the columns are
// the timestamp followed by every reference of the device, in
// configuration order; a header is written when the file is empty.
type File struct {
	mu     sync.Mutex
	path   string
	format string
	prec   int
	open   map[string]*fileHandle
}

type fileHandle struct {
	f       *os.File
	csv     *csv.Writer
	bw      *bufio.Writer
	columns []string
}

// NewFile checks the format; files are opened on first write.
func NewFile(path, format string, prec int) (*File, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatJSONL {
		return nil, fmt.Errorf("sink: file: unknown format %q", format)
	}
	if path == "" {
		return nil, fmt.Errorf("sink: file: path required")
	}
	return &File{path: path, format: format, prec: prec, open: make(map[string]*fileHandle)}, nil
}

func (s *File) Name() string { return "file:" + s.path }

// PathFor returns the file a device writes to.
func (s *File) PathFor(device string) string {
	return strings.ReplaceAll(s.path, DevicePlaceholder, device)
}

func (s *File) Write(_ context.Context, res poller.PollResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(res.DeviceID)
	h, err := s.handle(path)
	if err != nil {
		return err
	}

	if s.format == FormatJSONL {
		return s.writeJSONL(h, res)
	}
	return s.writeCSV(h, res)
}

func (s *File) handle(path string) (*fileHandle, error) {
	if h, ok := s.open[path]; ok {
		return h, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	h := &fileHandle{f: f}
	if s.format == FormatJSONL {
		h.bw = bufio.NewWriter(f)
	} else {
		h.csv = csv.NewWriter(f)
	}
	s.open[path] = h
	return h, nil
}

func (s *File) writeCSV(h *fileHandle, res poller.PollResult) error {
	names := make([]string, len(res.Readings))
	for i, rd := range res.Readings {
		names[i] = rd.Name
	}

	if h.columns == nil {
		off, err := h.f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("seek %s: %w", h.f.Name(), err)
		}
		if off == 0 {
			if err := h.csv.Write(append([]string{"timestamp"}, names...)); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
		}
		h.columns = names
	} else if !sameColumns(h.columns, names) {
		return fmt.Errorf("device %q does not match the column layout of %s", res.DeviceID, h.f.Name())
	}

	row := make([]string, 0, 1+len(res.Readings))
	row = append(row, res.At.Format(time.RFC3339Nano))
	for _, rd := range res.Readings {
		if rd.Err != nil {
			row = append(row, "")
			continue
		}
		row = append(row, rd.Value.Format(s.prec))
	}
	if err := h.csv.Write(row); err != nil {
		return err
	}
	h.csv.Flush()
	return h.csv.Error()
}

type jsonRecord struct {
	Device string                 `json:"device"`
	Name   string                 `json:"name,omitempty"`
	TS     string                 `json:"ts"`
	Values map[string]codec.Value `json:"values"`
	Errors map[string]string      `json:"errors,omitempty"`
}

func (s *File) writeJSONL(h *fileHandle, res poller.PollResult) error {
	rec := jsonRecord{
		Device: res.DeviceID,
		Name:   res.DeviceName,
		TS:     res.At.Format(time.RFC3339Nano),
		Values: make(map[string]codec.Value, len(res.Readings)),
	}
	for _, rd := range res.Readings {
		if rd.Err != nil {
			if rec.Errors == nil {
				rec.Errors = make(map[string]string)
			}
			rec.Errors[rd.Name] = rd.Err.Error()
			continue
		}
		rec.Values[rd.Name] = rd.Value
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := h.bw.Write(append(b, '\n')); err != nil {
		return err
	}
	return h.bw.Flush()
}

// Close flushes and closes every open file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for path, h := range s.open {
		if h.csv != nil {
			h.csv.Flush()
		}
		if h.bw != nil {
			_ = h.bw.Flush()
		}
		if err := h.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.open, path)
	}
	return first
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
