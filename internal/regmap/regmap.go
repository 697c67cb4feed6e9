// internal/regmap/regmap.go
package regmap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gavinying/modpoll/internal/codec"
)

// Category is the Modbus object space. Values equal the read function code.
type Category uint8

const (
	Coil            Category = 1
	DiscreteInput   Category = 2
	HoldingRegister Category = 3
	InputRegister   Category = 4
)

func (c Category) String() string {
	switch c {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete"
	case HoldingRegister:
		return "holding"
	case InputRegister:
		return "input"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// IsBit reports whether c addresses single bits.
func (c Category) IsBit() bool { return c == Coil || c == DiscreteInput }

// Writable reports whether the protocol allows writes to c.
func (c Category) Writable() bool { return c == Coil || c == HoldingRegister }

// ParseCategory accepts short names and the long names of the CSV format.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils":
		return Coil, nil
	case "discrete", "discrete_input", "discrete_inputs":
		return DiscreteInput, nil
	case "holding", "holding_register", "holding_registers":
		return HoldingRegister, nil
	case "input", "input_register", "input_registers":
		return InputRegister, nil
	}
	return 0, fmt.Errorf("regmap: unknown category %q", s)
}

// Register is one configured reference.
type Register struct {
	Name     string
	Category Category
	Address  uint16
	Field    codec.Field
	Unit     string
	Writable bool
}

// Width is the number of protocol objects (words or bits) r spans.
// Unknown data types span one object so they still get a slot in the plan.
func (r Register) Width() int {
	if r.Category.IsBit() {
		return 1
	}
	w, err := r.Field.Width()
	if err != nil {
		if r.Field.Words > 0 {
			return r.Field.Words
		}
		return 1
	}
	return w
}

// Limits is batching policy. Protocol maxima are defaults here, not law.
type Limits struct {
	MaxRegisters int // per request, FC 3/4
	MaxBits      int // per request, FC 1/2
	MergeGap     int // largest hole (in objects) bridged when merging
	Strict       bool
}

// DefaultLimits are the Modbus application protocol maxima.
func DefaultLimits() Limits {
	return Limits{MaxRegisters: 125, MaxBits: 2000, MergeGap: 8}
}

func (l Limits) max(c Category) int {
	if c.IsBit() {
		return l.MaxBits
	}
	return l.MaxRegisters
}

// ValidationError names the reference that failed to load.
type ValidationError struct {
	Device    string
	Reference string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("regmap: device %q register %q: %s", e.Device, e.Reference, e.Reason)
}

// Map is the validated register set of one device plus its read plan.
type Map struct {
	device string
	regs   []Register
	byName map[string]int
	plan   []Batch
}

// Build validates regs and computes the batched read plan.
func Build(device string, regs []Register, lim Limits) (*Map, error) {
	if lim.MaxRegisters <= 0 {
		lim.MaxRegisters = 125
	}
	if lim.MaxBits <= 0 {
		lim.MaxBits = 2000
	}
	if lim.MergeGap < 0 {
		lim.MergeGap = 0
	}

	m := &Map{
		device: device,
		regs:   make([]Register, len(regs)),
		byName: make(map[string]int, len(regs)),
	}
	copy(m.regs, regs)

	for i, r := range m.regs {
		if err := check(device, r, lim); err != nil {
			return nil, err
		}
		if _, dup := m.byName[r.Name]; dup {
			return nil, &ValidationError{Device: device, Reference: r.Name, Reason: "duplicate reference name"}
		}
		m.byName[r.Name] = i
	}

	m.plan = buildPlan(m.regs, lim)
	return m, nil
}

func check(device string, r Register, lim Limits) error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Device: device, Reference: r.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if r.Name == "" {
		return fail("reference name required")
	}
	switch r.Category {
	case Coil, DiscreteInput, HoldingRegister, InputRegister:
	default:
		return fail("unsupported category %d", r.Category)
	}

	f := r.Field
	if r.Category.IsBit() && !f.Type.IsBool() {
		return fail("%s objects are single bits, data type %q is not boolean", r.Category, f.Type)
	}
	if !f.Type.Known() {
		if lim.Strict {
			return fail("unrecognized data type %q", f.Type)
		}
	} else if !r.Category.IsBit() {
		w, err := f.Width()
		if err != nil {
			return fail("%v", err)
		}
		if f.Type != codec.String && f.Words != 0 && f.Words != w {
			return fail("word count %d does not match %s width %d", f.Words, f.Type, w)
		}
	}

	width := r.Width()
	if int(r.Address)+width > 65536 {
		return fail("address %d + %d exceeds the address space", r.Address, width)
	}
	if width > lim.max(r.Category) {
		return fail("width %d exceeds per-request maximum %d", width, lim.max(r.Category))
	}
	if r.Writable && !r.Category.Writable() {
		return fail("%s objects are read-only", r.Category)
	}
	return nil
}

// Device returns the owning device id.
func (m *Map) Device() string { return m.device }

// Registers returns the registers in configuration order.
func (m *Map) Registers() []Register { return m.regs }

// Register returns the register at index i.
func (m *Map) Register(i int) Register { return m.regs[i] }

// Lookup finds a register by reference name.
func (m *Map) Lookup(name string) (Register, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Register{}, false
	}
	return m.regs[i], true
}

// Find returns the register of category c starting at addr, if any.
func (m *Map) Find(c Category, addr uint16) (Register, bool) {
	for _, r := range m.regs {
		if r.Category == c && r.Address == addr {
			return r, true
		}
	}
	return Register{}, false
}

// Names returns the reference names in configuration order.
func (m *Map) Names() []string {
	out := make([]string, len(m.regs))
	for i, r := range m.regs {
		out[i] = r.Name
	}
	return out
}

// Plan returns every batch, ordered by category then start address.
func (m *Map) Plan() []Batch { return m.plan }

// PlanFor returns the batches of one category.
func (m *Map) PlanFor(c Category) []Batch {
	var out []Batch
	for _, b := range m.plan {
		if b.Category == c {
			out = append(out, b)
		}
	}
	return out
}

func sortedIndices(regs []Register) []int {
	idx := make([]int, len(regs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := regs[idx[a]], regs[idx[b]]
		if ra.Category != rb.Category {
			return ra.Category < rb.Category
		}
		if ra.Address != rb.Address {
			return ra.Address < rb.Address
		}
		return ra.Name < rb.Name
	})
	return idx
}
