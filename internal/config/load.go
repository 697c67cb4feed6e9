// internal/config/load.go
package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gavinying/modpoll/internal/regmap"
)

// Load reads a configuration file. Files ending in .csv use the modpoll
// device format and carry devices only; everything else is YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		devices, err := LoadCSV(f)
		if err != nil {
			return nil, err
		}
		return &Config{Devices: devices}, nil
	}
	return LoadYAML(f)
}

// LoadYAML decodes a YAML document. Unknown keys are errors.
func LoadYAML(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config: empty document")
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return &cfg, nil
}

// csvPoll is the range and layout a poll row sets for the refs after it.
type csvPoll struct {
	category regmap.Category
	start    int
	size     int
	order    string
}

// LoadCSV reads the three-row modpoll format:
//
//	device,<name>,<unit id>
//	poll,<coil|discrete_input|holding_register|input_register>,<start>,<size>,<endian>
//	ref,<name>,<address>,<dtype>,<rw>,<unit>,<scale>
//
// Bad poll rows and refs outside their poll range are skipped with a
// warning. Transport settings are not part of the format.
func LoadCSV(r io.Reader) ([]DeviceConfig, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var (
		devices []DeviceConfig
		dev     *DeviceConfig
		poll    *csvPoll
		line    int
	)

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("config: csv: %w", err)
		}
		line, _ = cr.FieldPos(0)
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}

		switch kind := strings.ToLower(strings.TrimSpace(row[0])); {
		case strings.Contains(kind, "device"):
			if len(row) < 3 {
				return nil, fmt.Errorf("config: csv line %d: device row needs name and unit id", line)
			}
			unit, err := strconv.ParseUint(strings.TrimSpace(row[2]), 10, 8)
			if err != nil {
				return nil, fmt.Errorf("config: csv line %d: unit id %q: %v", line, row[2], err)
			}
			name := strings.TrimSpace(row[1])
			devices = append(devices, DeviceConfig{
				ID:     strings.ReplaceAll(name, " ", "_"),
				Name:   name,
				UnitID: uint8(unit),
			})
			dev = &devices[len(devices)-1]
			poll = nil

		case strings.Contains(kind, "poll"):
			if dev == nil {
				logrus.Warnf("config: csv line %d: poll row before any device, ignored", line)
				continue
			}
			poll = parsePollRow(line, row)

		case strings.Contains(kind, "ref"):
			if dev == nil || poll == nil {
				logrus.Warnf("config: csv line %d: ref row without device/poll, ignored", line)
				continue
			}
			rc, ok := parseRefRow(line, row, poll)
			if !ok {
				continue
			}
			dup := false
			for _, existing := range dev.Registers {
				if existing.Name == rc.Name {
					dup = true
					break
				}
			}
			if dup {
				logrus.Warnf("config: csv line %d: reference %q already added, ignored", line, rc.Name)
				continue
			}
			dev.Registers = append(dev.Registers, rc)

		default:
			logrus.Warnf("config: csv line %d: unknown row kind %q, ignored", line, row[0])
		}
	}

	if len(devices) == 0 {
		return nil, errors.New("config: csv: no device found")
	}
	return devices, nil
}

func parsePollRow(line int, row []string) *csvPoll {
	if len(row) < 5 {
		logrus.Warnf("config: csv line %d: invalid poll row, ignored", line)
		return nil
	}
	cat, err := regmap.ParseCategory(row[1])
	if err != nil {
		logrus.Warnf("config: csv line %d: unknown function code (%s), poll ignored", line, row[1])
		return nil
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(row[2]))
	size, err2 := strconv.Atoi(strings.TrimSpace(row[3]))
	if err1 != nil || err2 != nil || start < 0 || size <= 0 {
		logrus.Warnf("config: csv line %d: invalid start address or size, poll ignored", line)
		return nil
	}
	if cat.IsBit() && size > 2000 {
		logrus.Warnf("config: csv line %d: too many coils/discrete inputs (max 2000): %d, poll ignored", line, size)
		return nil
	}
	if !cat.IsBit() && size > 123 {
		logrus.Warnf("config: csv line %d: too many registers (max 123): %d, poll ignored", line, size)
		return nil
	}
	return &csvPoll{category: cat, start: start, size: size, order: strings.TrimSpace(row[4])}
}

func parseRefRow(line int, row []string, poll *csvPoll) (RegisterConfig, bool) {
	if len(row) < 5 {
		logrus.Warnf("config: csv line %d: invalid reference row, ignored", line)
		return RegisterConfig{}, false
	}
	name := strings.ReplaceAll(strings.TrimSpace(row[1]), " ", "_")
	addr, err := strconv.Atoi(strings.TrimSpace(row[2]))
	if err != nil || addr < 0 || addr > 65535 {
		logrus.Warnf("config: csv line %d: invalid address for reference %s, ignored", line, name)
		return RegisterConfig{}, false
	}
	if addr < poll.start || addr >= poll.start+poll.size {
		logrus.Warnf("config: csv line %d: reference %s outside poll range %d+%d, ignored", line, name, poll.start, poll.size)
		return RegisterConfig{}, false
	}

	rw := strings.ToLower(strings.TrimSpace(row[4]))
	if rw == "" {
		rw = "r"
	}

	rc := RegisterConfig{
		Name:     name,
		Category: poll.category.String(),
		Address:  uint16(addr),
		DataType: strings.ToLower(strings.TrimSpace(row[3])),
		Order:    poll.order,
		Writable: strings.Contains(rw, "w") && poll.category.Writable(),
	}
	if len(row) > 5 {
		rc.Unit = strings.TrimSpace(row[5])
	}
	if len(row) > 6 && strings.TrimSpace(row[6]) != "" {
		if s, err := strconv.ParseFloat(strings.TrimSpace(row[6]), 64); err == nil {
			rc.Scale = s
		} else {
			logrus.Warnf("config: csv line %d: invalid scale %q for %s, ignored", line, row[6], name)
		}
	}
	return rc, true
}
