package coordinator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

// Restore loads slotID into session.
//
// The record, the engine and the payload file are verified before the session is
// touched. A running session is paused for the swap and resumed afterwards.
// Restoring an auto slot first refreshes the auto slots from the current state.
// Rewind slots newer than a restored rewind slot are purged; restoring any other
// kind purges every rewind slot of the game.
func (c *Coordinator) Restore(ctx context.Context, slotID string, session engine.Session) error {
	rec, err := c.catalog.GetSlot(ctx, slotID)
	if err != nil {
		ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Restore", trace.WithAttributes(attribute.String("slot.id", slotID)))
		defer span.End()
		if errors.Is(err, store.ErrNotFound) {
			err = errmodel.SlotMissing(slotID, err)
		} else {
			err = catalogErr("catalog_read", err)
		}
		return c.fail(ctx, span, RestoreFailed, "", "", store.SlotRecord{ID: slotID}, err)
	}
	return c.run(ctx, rec.GameID, func(ctx context.Context) error {
		return c.restoreLocked(ctx, slotID, session)
	})
}

func (c *Coordinator) restoreLocked(ctx context.Context, slotID string, session engine.Session) error {
	ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Restore", trace.WithAttributes(attribute.String("slot.id", slotID)))
	defer span.End()

	rec, err := c.catalog.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errmodel.SlotMissing(slotID, err)
		} else {
			err = catalogErr("catalog_read", err)
		}
		return c.fail(ctx, span, RestoreFailed, "", "", store.SlotRecord{ID: slotID}, err)
	}
	span.SetAttributes(attribute.String("game.id", rec.GameID), attribute.String("slot.kind", string(rec.Kind)))
	fail := func(err error) error {
		return c.fail(ctx, span, RestoreFailed, rec.GameID, rec.Kind, rec, err)
	}

	if err := c.checkSession(rec.GameID, session); err != nil {
		return fail(err)
	}
	if rec.EngineID != session.EngineID() {
		return fail(errmodel.EngineMismatch(rec.EngineID, session.EngineID()))
	}
	ok, err := c.blobs.Exists(ctx, rec.PayloadPath)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(errmodel.SlotMissing(rec.ID, nil))
	}

	if session.State() == engine.StateRunning {
		session.Pause()
		defer session.Resume()
	}

	if rec.Kind == store.KindAuto {
		err = c.restoreAuto(ctx, rec, session)
	} else {
		err = c.restoreDirect(ctx, rec, session)
	}
	if err != nil {
		return fail(err)
	}

	after := time.Time{}
	if rec.Kind == store.KindRewind {
		after = rec.CreatedAt
	}
	if _, err := c.purgeRewind(ctx, rec.GameID, after); err != nil {
		c.log.Warn("rewind purge failed", "game", rec.GameID, "slot", rec.ID, "error", err)
		span.RecordError(err)
	}
	c.emit(ctx, Event{Type: RestoreCompleted, GameID: rec.GameID, Kind: rec.Kind, Slot: rec})
	return nil
}

func (c *Coordinator) restoreDirect(ctx context.Context, rec store.SlotRecord, session engine.Session) error {
	data, err := c.blobs.Read(ctx, rec.PayloadPath)
	if err != nil {
		return err
	}
	if err := verify(rec, data); err != nil {
		return err
	}
	return sessionRestore(ctx, session, data)
}

// restoreAuto moves the payload aside, captures the current state as an auto
// slot, then restores the moved payload.
func (c *Coordinator) restoreAuto(ctx context.Context, rec store.SlotRecord, session engine.Session) error {
	tmp, err := c.blobs.MoveToTemp(ctx, rec.PayloadPath)
	if err != nil {
		return err
	}
	putBack := func() {
		if ok, _ := c.blobs.Exists(ctx, rec.PayloadPath); ok {
			_ = c.blobs.Delete(ctx, tmp)
			return
		}
		if err := c.blobs.MoveBack(ctx, tmp, rec.PayloadPath); err != nil {
			c.log.Error("auto payload lost", "game", rec.GameID, "slot", rec.ID, "error", err)
		}
	}
	data, err := c.blobs.Read(ctx, tmp)
	if err != nil {
		putBack()
		return err
	}
	if err := verify(rec, data); err != nil {
		putBack()
		return err
	}
	if _, err := c.captureLocked(ctx, rec.GameID, store.KindAuto, session); err != nil {
		c.log.Warn("auto refresh before restore failed", "game", rec.GameID, "slot", rec.ID, "error", err)
	}
	if err := sessionRestore(ctx, session, data); err != nil {
		putBack()
		return err
	}
	if err := c.blobs.Delete(ctx, tmp); err != nil {
		c.log.Warn("temporary payload delete failed", "game", rec.GameID, "path", tmp, "error", err)
	}
	return nil
}

// purgeRewind removes rewind slots created strictly after after; zero removes all.
func (c *Coordinator) purgeRewind(ctx context.Context, gameID string, after time.Time) ([]store.SlotRecord, error) {
	removed, err := c.catalog.DeleteSlotsAfter(ctx, gameID, store.KindRewind, after)
	if err != nil {
		return nil, catalogErr("rewind_purge", err)
	}
	for _, r := range removed {
		c.deleteFiles(ctx, r)
		c.emit(ctx, Event{Type: SlotDeleted, GameID: gameID, Kind: store.KindRewind, Slot: r})
	}
	return removed, nil
}

func verify(rec store.SlotRecord, data []byte) error {
	if rec.Digest != "" && blob.Digest(data) != rec.Digest {
		return errmodel.Storage("payload_corrupt", "save state payload does not match its digest", map[string]any{"slot_id": rec.ID}, nil)
	}
	return nil
}

func sessionRestore(ctx context.Context, session engine.Session, data []byte) error {
	if err := session.Restore(ctx, data); err != nil {
		if errors.Is(err, engine.ErrCorruptSnapshot) {
			return errmodel.New(errmodel.CategoryValidation, "snapshot_rejected", "engine rejected the save state", nil, err)
		}
		return errmodel.System("restore_failed", "engine could not restore the save state", nil, err)
	}
	return nil
}
