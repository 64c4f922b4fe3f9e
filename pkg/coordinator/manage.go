package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

// getSlot maps a missing record to SlotMissing.
func (c *Coordinator) getSlot(ctx context.Context, slotID string) (store.SlotRecord, error) {
	rec, err := c.catalog.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.SlotRecord{}, errmodel.SlotMissing(slotID, err)
		}
		return store.SlotRecord{}, catalogErr("catalog_read", err)
	}
	return rec, nil
}

// onSlot runs fn on the queue of the slot's game with a freshly read record.
func (c *Coordinator) onSlot(ctx context.Context, slotID string, fn func(context.Context, store.SlotRecord) error) error {
	rec, err := c.getSlot(ctx, slotID)
	if err != nil {
		return err
	}
	return c.run(ctx, rec.GameID, func(ctx context.Context) error {
		rec, err := c.getSlot(ctx, slotID)
		if err != nil {
			return err
		}
		return fn(ctx, rec)
	})
}

// UpdateThumbnail replaces the slot thumbnail with the session's current frame.
func (c *Coordinator) UpdateThumbnail(ctx context.Context, slotID string, session engine.Session) (store.SlotRecord, error) {
	var out store.SlotRecord
	err := c.onSlot(ctx, slotID, func(ctx context.Context, rec store.SlotRecord) error {
		if session == nil {
			return errmodel.SessionUnavailable(rec.GameID, "no session")
		}
		img, err := session.CurrentFrameImage(ctx)
		if err != nil {
			return errmodel.System("frame_failed", "engine could not render the current frame", map[string]any{"engine": session.EngineID()}, err)
		}
		p, err := c.blobs.WriteThumbnail(ctx, rec.ID, img)
		if err != nil {
			return err
		}
		rec.ThumbnailPath = p
		rec.ModifiedAt = c.now()
		out, err = c.catalog.UpdateSlot(ctx, rec)
		if err != nil {
			return catalogErr("catalog_write", err)
		}
		return nil
	})
	return out, err
}

// Rename sets the name of a general or locked slot.
func (c *Coordinator) Rename(ctx context.Context, slotID, name string) (store.SlotRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.SlotRecord{}, errmodel.Validation("name_required", "name must not be empty", nil)
	}
	var out store.SlotRecord
	err := c.onSlot(ctx, slotID, func(ctx context.Context, rec store.SlotRecord) error {
		if !rec.Kind.UserNamed() {
			return errmodel.Validation("not_renamable", "only general and locked slots can be renamed", map[string]any{"kind": string(rec.Kind)})
		}
		rec.Name = name
		rec.ModifiedAt = c.now()
		var err error
		out, err = c.catalog.UpdateSlot(ctx, rec)
		if err != nil {
			return catalogErr("catalog_write", err)
		}
		return nil
	})
	return out, err
}

// Delete removes a slot record and then its files.
func (c *Coordinator) Delete(ctx context.Context, slotID string) error {
	return c.onSlot(ctx, slotID, func(ctx context.Context, rec store.SlotRecord) error {
		ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Delete", trace.WithAttributes(
			attribute.String("game.id", rec.GameID),
			attribute.String("slot.id", rec.ID),
		))
		defer span.End()
		if err := c.removeSlot(ctx, rec); err != nil {
			err = catalogErr("catalog_delete", err)
			span.RecordError(err)
			return err
		}
		c.emit(ctx, Event{Type: SlotDeleted, GameID: rec.GameID, Kind: rec.Kind, Slot: rec})
		return nil
	})
}

// DeleteGame removes every slot of gameID, drops its pending capture and unbinds it.
func (c *Coordinator) DeleteGame(ctx context.Context, gameID string) (int, error) {
	var n int
	err := c.run(ctx, gameID, func(ctx context.Context) error {
		ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.DeleteGame", trace.WithAttributes(attribute.String("game.id", gameID)))
		defer span.End()
		removed, err := c.catalog.DeleteGameSlots(ctx, gameID)
		if err != nil {
			err = catalogErr("catalog_delete", err)
			span.RecordError(err)
			return err
		}
		for _, r := range removed {
			c.deleteFiles(ctx, r)
			c.emit(ctx, Event{Type: SlotDeleted, GameID: gameID, Kind: r.Kind, Slot: r})
		}
		c.mu.Lock()
		p := c.pending[gameID]
		c.mu.Unlock()
		if p != nil {
			if err := c.discard(ctx, p); err != nil {
				c.log.Warn("pending capture not discarded", "game", gameID, "error", err)
			}
		}
		n = len(removed)
		return nil
	})
	if err == nil {
		c.Unbind(gameID)
	}
	return n, err
}

// ClearRewind removes every rewind slot of gameID.
func (c *Coordinator) ClearRewind(ctx context.Context, gameID string) (int, error) {
	var n int
	err := c.run(ctx, gameID, func(ctx context.Context) error {
		removed, err := c.purgeRewind(ctx, gameID, time.Time{})
		n = len(removed)
		return err
	})
	return n, err
}

// LatestAuto returns the most recently created auto slot of gameID.
func (c *Coordinator) LatestAuto(ctx context.Context, gameID string) (store.SlotRecord, error) {
	recs, err := c.catalog.FindSlots(ctx, gameID, store.KindAuto, store.Descending(), store.Limit(1))
	if err != nil {
		return store.SlotRecord{}, catalogErr("catalog_read", err)
	}
	if len(recs) == 0 {
		return store.SlotRecord{}, errmodel.New(errmodel.CategorySlotMissing, "no_auto_save", "game has no auto save", map[string]any{"game_id": gameID})
	}
	return recs[0], nil
}

// List returns the slots of gameID oldest first. An empty kind lists every kind.
func (c *Coordinator) List(ctx context.Context, gameID string, kind store.SlotKind) ([]store.SlotRecord, error) {
	kinds := store.Kinds
	if kind != "" {
		if !kind.Valid() {
			return nil, errmodel.Validation("invalid_kind", "unknown slot kind", map[string]any{"kind": string(kind)})
		}
		kinds = []store.SlotKind{kind}
	}
	var out []store.SlotRecord
	for _, k := range kinds {
		recs, err := c.catalog.FindSlots(ctx, gameID, k)
		if err != nil {
			return nil, catalogErr("catalog_read", err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// CountGame returns how many slots gameID has; zero means the game was never played.
func (c *Coordinator) CountGame(ctx context.Context, gameID string) (int, error) {
	n, err := c.catalog.CountGame(ctx, gameID)
	if err != nil {
		return 0, catalogErr("catalog_read", err)
	}
	return n, nil
}

// SweepResult reports what Sweep removed.
type SweepResult struct {
	Orphans   []string `json:"orphans"`
	TempFiles int      `json:"temp_files"`
}

// Sweep deletes slot files no record references and leftover temporary files.
// It waits for in-flight operations and blocks new ones while it runs.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Sweep")
	defer span.End()

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	var res SweepResult
	onDisk, err := c.blobs.ListIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	known, err := c.catalog.SlotIDs(ctx)
	if err != nil {
		err = catalogErr("catalog_read", err)
		span.RecordError(err)
		return res, err
	}
	referenced := make(map[string]bool, len(known))
	for _, id := range known {
		referenced[id] = true
	}
	for _, id := range onDisk {
		if referenced[id] {
			continue
		}
		c.deleteFiles(ctx, store.SlotRecord{ID: id, PayloadPath: blob.PayloadPath(id), ThumbnailPath: blob.ThumbnailPath(id)})
		res.Orphans = append(res.Orphans, id)
	}
	res.TempFiles, err = c.blobs.ClearTemp(ctx, c.pendingPaths()...)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	if len(res.Orphans) > 0 || res.TempFiles > 0 {
		c.log.Info("sweep removed files", "orphans", len(res.Orphans), "temp", res.TempFiles)
	}
	return res, nil
}
