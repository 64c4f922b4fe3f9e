package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wilhg/savestate/pkg/store"
)

// EventType names a coordinator outcome.
type EventType string

const (
	CaptureCompleted EventType = "capture_completed"
	CaptureFailed    EventType = "capture_failed"
	RestoreCompleted EventType = "restore_completed"
	RestoreFailed    EventType = "restore_failed"
	SlotDeleted      EventType = "slot_deleted"
)

// Event is delivered to subscribers after the catalog change it reports has committed.
type Event struct {
	Type   EventType
	GameID string
	Kind   store.SlotKind
	// Slot is the affected slot; zero for failures that happened before a slot was chosen.
	Slot store.SlotRecord
	Err  error
	At   time.Time
}

// Dispatcher hands a delivery function to the goroutine that should run it.
type Dispatcher func(func())

// Inline delivers events on the goroutine that produced them.
func Inline(fn func()) { fn() }

// Subscribe registers fn for every event and returns a func that removes it.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	if len(fns) > 0 {
		c.dispatch(func() {
			for _, fn := range fns {
				fn(ev)
			}
		})
	}
	c.record(ctx, ev)
}

type journalPayload struct {
	SlotID string `json:"slot_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error,omitempty"`
}

// record appends ev to the journal. Journal failures never fail the operation.
func (c *Coordinator) record(ctx context.Context, ev Event) {
	if c.journal == nil || ev.GameID == "" {
		return
	}
	p := journalPayload{SlotID: ev.Slot.ID, Kind: string(ev.Kind), Name: ev.Slot.Name}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	b, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("journal encode failed", "game", ev.GameID, "error", err)
		return
	}
	_, err = c.journal.AppendJournal(ctx, store.JournalRecord{
		EntryID:   uuid.NewString(),
		GameID:    ev.GameID,
		Type:      string(ev.Type),
		Payload:   b,
		CreatedAt: ev.At,
	})
	if err != nil {
		c.log.Warn("journal append failed", "game", ev.GameID, "event", ev.Type, "error", err)
	}
}
