// Package store defines persistence contracts for save-state slot metadata and
// the per-game activity journal. Implementations must provide identical
// semantics across backends (ordering, tie-breaking, commit durability).
package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a slot record does not exist.
var ErrNotFound = errors.New("store: not found")

// SlotKind classifies a save-state slot. Each kind has its own retention rule.
type SlotKind string

const (
	KindGeneral SlotKind = "general"
	KindQuick   SlotKind = "quick"
	KindAuto    SlotKind = "auto"
	KindRewind  SlotKind = "rewind"
	KindLocked  SlotKind = "locked"
)

// Kinds lists every slot kind in display order.
var Kinds = []SlotKind{KindGeneral, KindLocked, KindQuick, KindAuto, KindRewind}

// Valid reports whether k is a known kind.
func (k SlotKind) Valid() bool {
	switch k {
	case KindGeneral, KindQuick, KindAuto, KindRewind, KindLocked:
		return true
	}
	return false
}

// UserNamed reports whether slots of this kind carry a user-chosen name.
func (k SlotKind) UserNamed() bool { return k == KindGeneral || k == KindLocked }

// ParseKind converts s into a SlotKind.
func ParseKind(s string) (SlotKind, error) {
	k := SlotKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("store: unknown slot kind %q", s)
	}
	return k, nil
}
