// internal/regmap/plan.go
package regmap

import "fmt"

// Batch is one read request of the plan and the registers it covers.
type Batch struct {
	Category Category
	Start    uint16
	Count    uint16

	// Registers are indices into Map.Registers().
	Registers []int
}

// End is one past the last object of the batch.
func (b Batch) End() int { return int(b.Start) + int(b.Count) }

func (b Batch) String() string {
	return fmt.Sprintf("%s[%d+%d]", b.Category, b.Start, b.Count)
}

// buildPlan merges registers greedily. Within a category, sorted by address,
// the next register joins the open batch when the hole before it is at most
// MergeGap and the merged span stays within the category maximum.
func buildPlan(regs []Register, lim Limits) []Batch {
	var (
		plan []Batch
		cur  *Batch
	)

	for _, i := range sortedIndices(regs) {
		r := regs[i]
		start := int(r.Address)
		end := start + r.Width()

		if cur != nil && cur.Category == r.Category {
			gap := start - cur.End()
			newEnd := end
			if newEnd < cur.End() {
				newEnd = cur.End()
			}
			if gap <= lim.MergeGap && newEnd-int(cur.Start) <= lim.max(r.Category) {
				cur.Count = uint16(newEnd - int(cur.Start))
				cur.Registers = append(cur.Registers, i)
				continue
			}
		}

		plan = append(plan, Batch{
			Category:  r.Category,
			Start:     r.Address,
			Count:     uint16(end - start),
			Registers: []int{i},
		})
		cur = &plan[len(plan)-1]
	}
	return plan
}

// Slice returns the words of r inside the response raw of batch b.
func (m *Map) Slice(b Batch, raw []uint16, r Register) ([]uint16, error) {
	if r.Category != b.Category {
		return nil, fmt.Errorf("regmap: register %q is %s, batch is %s", r.Name, r.Category, b.Category)
	}
	off := int(r.Address) - int(b.Start)
	end := off + r.Width()
	if off < 0 || end > int(b.Count) {
		return nil, fmt.Errorf("regmap: register %q outside batch %s", r.Name, b)
	}
	if end > len(raw) {
		return nil, fmt.Errorf("regmap: batch %s response has %d objects, need %d", b, len(raw), end)
	}
	return raw[off:end], nil
}
