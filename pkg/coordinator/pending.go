package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

// PendingCapture is a snapshot staged in a temporary file before a risky
// transition. It becomes an auto slot with Promote or goes away with DiscardPending.
type PendingCapture struct {
	GameID    string
	EngineID  string
	TempPath  string
	Thumbnail []byte
	CreatedAt time.Time

	mu        sync.Mutex
	promoted  *store.SlotRecord
	discarded bool
}

// Promoted returns the slot produced by Promote, if any.
func (p *PendingCapture) Promoted() (store.SlotRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.promoted == nil {
		return store.SlotRecord{}, false
	}
	return *p.promoted, true
}

// StagePending snapshots session into a temporary file. A pending capture
// already staged for the game is discarded.
func (c *Coordinator) StagePending(ctx context.Context, gameID string, session engine.Session) (*PendingCapture, error) {
	var p *PendingCapture
	err := c.run(ctx, gameID, func(ctx context.Context) error {
		ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.StagePending", trace.WithAttributes(attribute.String("game.id", gameID)))
		defer span.End()
		fail := func(err error) error {
			return c.fail(ctx, span, CaptureFailed, gameID, store.KindAuto, store.SlotRecord{}, err)
		}
		if err := c.checkSession(gameID, session); err != nil {
			return fail(err)
		}
		payload, err := c.snapshot(ctx, session)
		if err != nil {
			return fail(errmodel.System("snapshot_failed", "engine could not produce a snapshot", map[string]any{"engine": session.EngineID()}, err))
		}
		tmp, err := c.blobs.WriteTemp(ctx, payload)
		if err != nil {
			return fail(err)
		}
		p = &PendingCapture{
			GameID:    gameID,
			EngineID:  session.EngineID(),
			TempPath:  tmp,
			Thumbnail: c.thumbnail(ctx, gameID, session),
			CreatedAt: c.now(),
		}
		c.mu.Lock()
		prev := c.pending[gameID]
		c.pending[gameID] = p
		c.mu.Unlock()
		if prev != nil {
			if err := c.discard(ctx, prev); err != nil {
				c.log.Warn("superseded pending capture not discarded", "game", gameID, "error", err)
			}
		}
		return nil
	})
	return p, err
}

// Promote commits p as an auto slot. Promoting the same capture again returns
// the slot from the first promotion without writing.
func (c *Coordinator) Promote(ctx context.Context, p *PendingCapture) (store.SlotRecord, error) {
	if p == nil {
		return store.SlotRecord{}, errmodel.Validation("pending_required", "pending capture is nil", nil)
	}
	var rec store.SlotRecord
	err := c.run(ctx, p.GameID, func(ctx context.Context) error {
		ctx, span := otel.Tracer("coordinator").Start(ctx, "Coordinator.Promote", trace.WithAttributes(attribute.String("game.id", p.GameID)))
		defer span.End()

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.promoted != nil {
			rec = *p.promoted
			return nil
		}
		fail := func(err error) error {
			return c.fail(ctx, span, CaptureFailed, p.GameID, store.KindAuto, store.SlotRecord{}, err)
		}
		if p.discarded {
			return fail(errmodel.Validation("pending_discarded", "pending capture was discarded", map[string]any{"game_id": p.GameID}))
		}
		payload, err := c.blobs.Read(ctx, p.TempPath)
		if err != nil {
			return fail(err)
		}
		out, err := c.commit(ctx, p.GameID, store.KindAuto, p.EngineID, payload, p.Thumbnail)
		if err != nil {
			return fail(err)
		}
		if err := c.blobs.Delete(ctx, p.TempPath); err != nil {
			c.log.Warn("pending temp delete failed", "game", p.GameID, "error", err)
		}
		p.promoted = &out
		c.forgetPending(p)
		span.SetAttributes(attribute.String("slot.id", out.ID))
		c.emit(ctx, Event{Type: CaptureCompleted, GameID: p.GameID, Kind: store.KindAuto, Slot: out})
		rec = out
		return nil
	})
	return rec, err
}

// DiscardPending drops p. Discarding twice, or after promotion, is a no-op.
func (c *Coordinator) DiscardPending(p *PendingCapture) error {
	if p == nil {
		return nil
	}
	return c.discard(context.Background(), p)
}

func (c *Coordinator) discard(ctx context.Context, p *PendingCapture) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discarded || p.promoted != nil {
		return nil
	}
	if err := c.blobs.Delete(ctx, p.TempPath); err != nil {
		return err
	}
	p.discarded = true
	c.forgetPending(p)
	return nil
}

func (c *Coordinator) forgetPending(p *PendingCapture) {
	c.mu.Lock()
	if c.pending[p.GameID] == p {
		delete(c.pending, p.GameID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) pendingPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.TempPath)
	}
	return out
}
