package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

type captureOptions struct {
	name string
}

// CaptureOption configures a single Capture.
type CaptureOption func(*captureOptions)

// WithName sets the slot name. Only general and locked slots keep user names.
func WithName(name string) CaptureOption {
	return func(o *captureOptions) { o.name = strings.TrimSpace(name) }
}

// Capture snapshots session into a slot of kind for gameID.
// The engine is snapshotted before anything else, so an engine failure leaves the catalog untouched.
func (c *Coordinator) Capture(ctx context.Context, gameID string, kind store.SlotKind, session engine.Session, opts ...CaptureOption) (store.SlotRecord, error) {
	var rec store.SlotRecord
	err := c.run(ctx, gameID, func(ctx context.Context) error {
		var err error
		rec, err = c.captureLocked(ctx, gameID, kind, session, opts...)
		return err
	})
	return rec, err
}

// captureLocked must run on gameID's queue.
func (c *Coordinator) captureLocked(ctx context.Context, gameID string, kind store.SlotKind, session engine.Session, opts ...CaptureOption) (store.SlotRecord, error) {
	ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Capture", trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.String("slot.kind", string(kind)),
	))
	defer span.End()

	fail := func(err error) (store.SlotRecord, error) {
		return store.SlotRecord{}, c.fail(ctx, span, CaptureFailed, gameID, kind, store.SlotRecord{}, err)
	}
	if !kind.Valid() {
		return fail(errmodel.Validation("invalid_kind", "unknown slot kind", map[string]any{"kind": string(kind)}))
	}
	if err := c.checkSession(gameID, session); err != nil {
		return fail(err)
	}
	payload, err := c.snapshot(ctx, session)
	if err != nil {
		return fail(errmodel.System("snapshot_failed", "engine could not produce a snapshot", map[string]any{"engine": session.EngineID()}, err))
	}
	thumb := c.thumbnail(ctx, gameID, session)

	rec, err := c.commit(ctx, gameID, kind, session.EngineID(), payload, thumb, opts...)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("slot.id", rec.ID))
	c.emit(ctx, Event{Type: CaptureCompleted, GameID: gameID, Kind: kind, Slot: rec})
	return rec, nil
}

// snapshot pauses engines that cannot be snapshotted live.
func (c *Coordinator) snapshot(ctx context.Context, session engine.Session) ([]byte, error) {
	if c.cfg.Freezes(session.EngineID()) && session.State() == engine.StateRunning {
		session.Pause()
		defer session.Resume()
	}
	return session.Snapshot(ctx)
}

// sameEngine keeps the records written by engineID. Rewind history is capped per engine.
func sameEngine(recs []store.SlotRecord, engineID string) []store.SlotRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if r.EngineID == engineID {
			out = append(out, r)
		}
	}
	return out
}

func (c *Coordinator) thumbnail(ctx context.Context, gameID string, session engine.Session) []byte {
	img, err := session.CurrentFrameImage(ctx)
	if err != nil {
		c.log.Warn("thumbnail render failed", "game", gameID, "engine", session.EngineID(), "error", err)
		return nil
	}
	return img
}

// commit applies retention, writes the blobs and commits the record.
func (c *Coordinator) commit(ctx context.Context, gameID string, kind store.SlotKind, engineID string, payload, thumb []byte, opts ...CaptureOption) (store.SlotRecord, error) {
	var o captureOptions
	for _, opt := range opts {
		opt(&o)
	}

	existing, err := c.catalog.FindSlots(ctx, gameID, kind)
	if err != nil {
		return store.SlotRecord{}, catalogErr("catalog_read", err)
	}
	if kind == store.KindRewind {
		existing = sameEngine(existing, engineID)
	}
	dec := c.policy.Plan(kind, existing)

	// Evict before insert: the cap holds at every commit.
	for _, old := range dec.Evict {
		if err := c.removeSlot(ctx, old); err != nil {
			return store.SlotRecord{}, errmodel.Storage("evict_failed", "cannot evict slot", map[string]any{"slot_id": old.ID}, err)
		}
		c.emit(ctx, Event{Type: SlotDeleted, GameID: gameID, Kind: kind, Slot: old})
	}

	id := uuid.NewString()
	if dec.Reuse != nil {
		id = dec.Reuse.ID
	}
	loc, err := c.blobs.Write(ctx, id, payload, thumb)
	if err != nil {
		return store.SlotRecord{}, err
	}
	if loc.ThumbnailErr != nil {
		c.log.Warn("thumbnail not stored", "game", gameID, "slot", id, "error", loc.ThumbnailErr)
	}

	now := c.now()
	created := dec.Stamp(now)
	if dec.Reuse != nil {
		rec := *dec.Reuse
		if rec.ThumbnailPath != "" && loc.ThumbnailPath == "" {
			// The old thumbnail no longer matches the payload.
			if err := c.blobs.Delete(ctx, rec.ThumbnailPath); err != nil {
				c.log.Warn("stale thumbnail delete failed", "game", gameID, "slot", id, "error", err)
			}
		}
		rec.EngineID = engineID
		rec.PayloadPath = loc.PayloadPath
		rec.ThumbnailPath = loc.ThumbnailPath
		rec.Digest = loc.Digest
		rec.CreatedAt = created
		rec.ModifiedAt = now
		rec.Name = slotName(kind, o.name, created)
		updated, err := c.catalog.UpdateSlot(ctx, rec)
		if err != nil {
			return store.SlotRecord{}, catalogErr("catalog_write", err)
		}
		return updated, nil
	}

	rec := store.SlotRecord{
		ID:            id,
		GameID:        gameID,
		Kind:          kind,
		Name:          slotName(kind, o.name, created),
		EngineID:      engineID,
		PayloadPath:   loc.PayloadPath,
		ThumbnailPath: loc.ThumbnailPath,
		Digest:        loc.Digest,
		CreatedAt:     created,
		ModifiedAt:    now,
	}
	inserted, err := c.catalog.CreateSlot(ctx, rec)
	if err != nil {
		c.deleteFiles(ctx, rec)
		return store.SlotRecord{}, catalogErr("catalog_write", err)
	}
	return inserted, nil
}

// removeSlot deletes the record first, then its files.
func (c *Coordinator) removeSlot(ctx context.Context, rec store.SlotRecord) error {
	if err := c.catalog.DeleteSlot(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c.deleteFiles(ctx, rec)
	return nil
}

// deleteFiles removes the slot's files; failures only leave orphans for Sweep.
func (c *Coordinator) deleteFiles(ctx context.Context, rec store.SlotRecord) {
	for _, p := range []string{rec.PayloadPath, rec.ThumbnailPath} {
		if err := c.blobs.Delete(ctx, p); err != nil {
			c.log.Warn("slot file delete failed", "game", rec.GameID, "slot", rec.ID, "path", p, "error", err)
		}
	}
}

// slotName derives display names for kinds the user does not name.
func slotName(kind store.SlotKind, name string, created time.Time) string {
	stamp := created.Local().Format(time.DateTime)
	switch kind {
	case store.KindQuick:
		return "Quick Save " + stamp
	case store.KindAuto:
		return "Auto Save " + stamp
	case store.KindRewind:
		return "Rewind " + stamp
	}
	if name != "" {
		return name
	}
	return "Save State " + stamp
}

func catalogErr(code string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errmodel.SlotMissing("", err)
	}
	return errmodel.Storage(code, "slot catalog failure", nil, err)
}

// fail logs err, records it on span and emits a failure event.
func (c *Coordinator) fail(ctx context.Context, span trace.Span, typ EventType, gameID string, kind store.SlotKind, rec store.SlotRecord, err error) error {
	span.RecordError(err)
	c.log.Error(string(typ), "game", gameID, "kind", string(kind), "slot", rec.ID, "error", err)
	c.emit(ctx, Event{Type: typ, GameID: gameID, Kind: kind, Slot: rec, Err: err})
	return err
}
