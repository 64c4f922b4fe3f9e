package store

import (
	"context"
	"encoding/json"
	"time"
)

// SlotRecord is the metadata of one save-state slot. Payload bytes live in the
// blob store and are never loaded by catalog queries.
type SlotRecord struct {
	ID            string
	GameID        string
	Kind          SlotKind
	Name          string
	EngineID      string
	PayloadPath   string
	ThumbnailPath string
	// Digest is the hex sha256 of the payload at commit time.
	Digest     string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// JournalRecord is one entry of the per-game activity journal.
// Payload holds the event data as JSON.
type JournalRecord struct {
	EntryID   string
	GameID    string
	Seq       int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// FindOptions narrows a FindSlots query.
type FindOptions struct {
	Descending bool
	Limit      int
	Offset     int
}

// FindOption configures FindSlots.
type FindOption func(*FindOptions)

// Descending orders by creation time, newest first.
func Descending() FindOption { return func(o *FindOptions) { o.Descending = true } }

// Limit caps the number of returned records.
func Limit(n int) FindOption { return func(o *FindOptions) { o.Limit = n } }

// Offset skips the first n records, e.g. Offset(n-1)+Limit(1) is the n-th oldest.
func Offset(n int) FindOption { return func(o *FindOptions) { o.Offset = n } }

// ApplyFindOptions folds opts into a FindOptions value.
func ApplyFindOptions(opts ...FindOption) FindOptions {
	var o FindOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Catalog indexes slot metadata by game and kind.
// Ordering is by creation time, ties broken by insertion order.
type Catalog interface {
	FindSlots(ctx context.Context, gameID string, kind SlotKind, opts ...FindOption) ([]SlotRecord, error)
	GetSlot(ctx context.Context, slotID string) (SlotRecord, error)
	CreateSlot(ctx context.Context, rec SlotRecord) (SlotRecord, error)
	UpdateSlot(ctx context.Context, rec SlotRecord) (SlotRecord, error)
	DeleteSlot(ctx context.Context, slotID string) error
	// DeleteSlotsAfter removes slots of kind created strictly after the given time
	// and returns the removed records.
	DeleteSlotsAfter(ctx context.Context, gameID string, kind SlotKind, after time.Time) ([]SlotRecord, error)
	// DeleteGameSlots removes every slot of the game and returns the removed records.
	DeleteGameSlots(ctx context.Context, gameID string) ([]SlotRecord, error)
	Count(ctx context.Context, gameID string, kind SlotKind) (int, error)
	CountGame(ctx context.Context, gameID string) (int, error)
	SlotIDs(ctx context.Context) ([]string, error)
}

// Journal defines operations for the activity journal.
type Journal interface {
	AppendJournal(ctx context.Context, e JournalRecord) (JournalRecord, error)
	ListJournal(ctx context.Context, gameID string, afterSeq int64, limit int) ([]JournalRecord, error)
}

// Store aggregates catalog and journal.
type Store interface {
	Catalog
	Journal
}
