// Package retention decides which existing slots a new capture replaces or evicts.
package retention

import (
	"time"

	"github.com/wilhg/savestate/pkg/store"
)

// Mode is how a kind behaves once it reaches its cap.
type Mode int

const (
	// Unbounded kinds are never evicted.
	Unbounded Mode = iota
	// Overwrite rewrites the existing slot in place and keeps its creation time.
	Overwrite
	// ReuseOldest rewrites the oldest slot in place and stamps it as the newest.
	ReuseOldest
	// EvictOldest deletes the oldest slots before a new one is inserted.
	EvictOldest
)

func (m Mode) String() string {
	switch m {
	case Overwrite:
		return "overwrite"
	case ReuseOldest:
		return "reuse_oldest"
	case EvictOldest:
		return "evict_oldest"
	default:
		return "unbounded"
	}
}

// Rule is the retention rule for one kind.
type Rule struct {
	Max  int
	Mode Mode
}

// Default caps.
const (
	DefaultQuickMax  = 1
	DefaultAutoMax   = 2
	DefaultRewindMax = 30
)

// Caps overrides the per-kind maxima. Zero keeps the default.
type Caps struct {
	Quick  int
	Auto   int
	Rewind int
}

// Policy maps slot kinds to rules.
type Policy struct {
	rules map[store.SlotKind]Rule
}

// Default returns the standard policy: one quick, two auto, thirty rewind.
func Default() Policy { return New(Caps{}) }

// New builds a policy from caps, falling back to defaults for zero values.
func New(c Caps) Policy {
	orDefault := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	return Policy{rules: map[store.SlotKind]Rule{
		store.KindQuick:  {Max: orDefault(c.Quick, DefaultQuickMax), Mode: Overwrite},
		store.KindAuto:   {Max: orDefault(c.Auto, DefaultAutoMax), Mode: ReuseOldest},
		store.KindRewind: {Max: orDefault(c.Rewind, DefaultRewindMax), Mode: EvictOldest},
	}}
}

// Rule returns the rule for kind. Kinds without a rule are unbounded.
func (p Policy) Rule(kind store.SlotKind) Rule {
	if r, ok := p.rules[kind]; ok {
		return r
	}
	return Rule{Mode: Unbounded}
}

// Decision is the outcome of planning one capture.
type Decision struct {
	// Reuse is the slot rewritten in place, nil when a new slot is inserted.
	Reuse *store.SlotRecord
	// Evict lists slots to delete before the capture is committed, oldest first.
	Evict []store.SlotRecord
	// KeepCreated is set when the reused slot keeps its creation time.
	KeepCreated bool
	// Newest is the latest creation time among the surviving slots of the kind.
	Newest time.Time
}

// Stamp returns the creation time for the captured slot: now, or just after the
// newest surviving slot when the clock has not moved past it.
func (d Decision) Stamp(now time.Time) time.Time {
	if d.KeepCreated && d.Reuse != nil {
		return d.Reuse.CreatedAt
	}
	if !d.Newest.IsZero() && !now.After(d.Newest) {
		return d.Newest.Add(time.Nanosecond)
	}
	return now
}

// Plan decides how a new capture of kind fits next to existing, which must be
// ordered oldest first.
func (p Policy) Plan(kind store.SlotKind, existing []store.SlotRecord) Decision {
	rule := p.Rule(kind)
	var d Decision
	switch rule.Mode {
	case Overwrite, ReuseOldest:
		if len(existing) < rule.Max {
			break
		}
		reuse := existing[0]
		d.Reuse = &reuse
		d.KeepCreated = rule.Mode == Overwrite
		// Anything beyond the cap after reuse goes, oldest first.
		if excess := len(existing) - rule.Max; excess > 0 {
			d.Evict = append(d.Evict, existing[1:1+excess]...)
		}
	case EvictOldest:
		if n := len(existing) - rule.Max + 1; n > 0 {
			d.Evict = append(d.Evict, existing[:n]...)
		}
	}
	d.Newest = newest(existing, d)
	return d
}

func newest(existing []store.SlotRecord, d Decision) time.Time {
	gone := map[string]bool{}
	for _, r := range d.Evict {
		gone[r.ID] = true
	}
	if d.Reuse != nil && !d.KeepCreated {
		gone[d.Reuse.ID] = true
	}
	var t time.Time
	for _, r := range existing {
		if gone[r.ID] {
			continue
		}
		if r.CreatedAt.After(t) {
			t = r.CreatedAt
		}
	}
	return t
}
