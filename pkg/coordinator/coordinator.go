// Package coordinator serializes every save-state operation of a game through a
// FIFO queue, applies retention, and swaps live session state with stored slots.
//
// Operations on different games run concurrently. An operation that has started
// always runs to completion; callers whose context ends while they are still
// queued are dropped before the operation starts.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/config"
	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/retention"
	"github.com/wilhg/savestate/pkg/store"
)

// Blobs is the subset of the blob store the coordinator needs.
type Blobs interface {
	Write(ctx context.Context, id string, payload, thumbnail []byte) (blob.Locations, error)
	WriteThumbnail(ctx context.Context, id string, thumbnail []byte) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	WriteTemp(ctx context.Context, payload []byte) (string, error)
	MoveToTemp(ctx context.Context, path string) (string, error)
	MoveBack(ctx context.Context, tmp, path string) error
	ListIDs(ctx context.Context) ([]string, error)
	ClearTemp(ctx context.Context, keep ...string) (int, error)
}

var _ Blobs = (*blob.Store)(nil)

// Coordinator owns slot creation, restore and retention for every game.
type Coordinator struct {
	catalog store.Catalog
	blobs   Blobs
	journal store.Journal

	cfg       config.Config
	policy    retention.Policy
	policySet bool
	dispatch  Dispatcher
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	closed   bool
	queues   map[string]*gameQueue
	sessions map[string]engine.Session
	pending  map[string]*PendingCapture
	wg       sync.WaitGroup

	// sweepMu keeps Sweep from observing half-written slots.
	sweepMu sync.RWMutex

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures the Coordinator at construction time.
type Option func(*Coordinator)

// WithConfig sets the configuration. Retention caps apply unless WithPolicy is also given.
func WithConfig(cfg config.Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithPolicy overrides the retention policy.
func WithPolicy(p retention.Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
		c.policySet = true
	}
}

// WithJournal records every event in j.
func WithJournal(j store.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithDispatcher sets how events reach subscribers, e.g. a hop onto a UI thread.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.dispatch = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// New constructs a Coordinator over a slot catalog and a blob store.
func New(catalog store.Catalog, blobs Blobs, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog:  catalog,
		blobs:    blobs,
		cfg:      config.Default(),
		dispatch: Inline,
		now:      time.Now,
		log:      slog.Default(),
		queues:   map[string]*gameQueue{},
		sessions: map[string]engine.Session{},
		pending:  map[string]*PendingCapture{},
		subs:     map[int]func(Event){},
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.policySet {
		c.policy = retention.New(c.cfg.Retention.Caps())
	}
	return c
}

// Config returns the configuration the coordinator runs with.
func (c *Coordinator) Config() config.Config { return c.cfg }

// Bind attaches session to gameID. A session serves one game at a time; binding
// a different session to a game discards the rewind history of the previous one.
func (c *Coordinator) Bind(ctx context.Context, gameID string, session engine.Session) error {
	if gameID == "" {
		return errmodel.Validation("game_id_required", "game id is required", nil)
	}
	if session == nil {
		return errmodel.SessionUnavailable(gameID, "session is nil")
	}
	c.mu.Lock()
	for g, s := range c.sessions {
		if s == session && g != gameID {
			c.mu.Unlock()
			return errmodel.Validation("conflict", "session is bound to another game", map[string]any{"game_id": g})
		}
	}
	prev, had := c.sessions[gameID]
	c.sessions[gameID] = session
	c.mu.Unlock()
	if had && prev == session {
		return nil
	}
	_, err := c.ClearRewind(ctx, gameID)
	return err
}

// Unbind detaches whatever session serves gameID.
func (c *Coordinator) Unbind(gameID string) {
	c.mu.Lock()
	delete(c.sessions, gameID)
	c.mu.Unlock()
}

// SessionFor returns the session bound to gameID, or nil.
func (c *Coordinator) SessionFor(gameID string) engine.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[gameID]
}

// checkSession rejects nil and stopped sessions, a session other than the one
// bound to gameID, and a session bound to a different game.
func (c *Coordinator) checkSession(gameID string, session engine.Session) error {
	if session == nil {
		return errmodel.SessionUnavailable(gameID, "no session")
	}
	if session.State() == engine.StateStopped {
		return errmodel.SessionUnavailable(gameID, "session is stopped")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if bound := c.sessions[gameID]; bound != nil && bound != session {
		return errmodel.SessionUnavailable(gameID, "session is not bound to this game")
	}
	for g, s := range c.sessions {
		if s == session && g != gameID {
			return errmodel.SessionUnavailable(gameID, "session is bound to game "+g)
		}
	}
	return nil
}

// Close stops accepting work and waits for queued operations to drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
