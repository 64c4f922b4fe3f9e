// Package rewind captures rewind slots on a timer while a session is running.
package rewind

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilhg/savestate/pkg/config"
	"github.com/wilhg/savestate/pkg/coordinator"
	"github.com/wilhg/savestate/pkg/engine"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

// Capturer is the part of the coordinator the sampler drives.
type Capturer interface {
	Capture(ctx context.Context, gameID string, kind store.SlotKind, session engine.Session, opts ...coordinator.CaptureOption) (store.SlotRecord, error)
	SessionFor(gameID string) engine.Session
}

var _ Capturer = (*coordinator.Coordinator)(nil)

// Sampler runs at most one capture loop at a time.
type Sampler struct {
	coord     Capturer
	cfg       config.Config
	log       *slog.Logger
	newTicker func(d time.Duration) (tick <-chan time.Time, stop func())
	onSample  func(Sample)

	mu  sync.Mutex
	cur *loop
}

type loop struct {
	gameID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Sample reports how the loop handled one tick.
type Sample struct {
	GameID  string
	// Slot is the committed rewind slot; zero when the tick captured nothing.
	Slot    store.SlotRecord
	Err     error
	Skipped bool // session not running
	Ended   bool // session stopped or unbound; the loop exits after this tick
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithConfig sets the rewind interval and the engines that are never sampled.
func WithConfig(cfg config.Config) Option {
	return func(s *Sampler) { s.cfg = cfg }
}

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTicker replaces time.NewTicker, e.g. with a channel the test drives.
func WithTicker(fn func(d time.Duration) (<-chan time.Time, func())) Option {
	return func(s *Sampler) {
		if fn != nil {
			s.newTicker = fn
		}
	}
}

// WithOnSample calls fn on the loop goroutine once every tick has been handled.
func WithOnSample(fn func(Sample)) Option {
	return func(s *Sampler) { s.onSample = fn }
}

// New returns a stopped sampler.
func New(coord Capturer, opts ...Option) *Sampler {
	s := &Sampler{coord: coord, cfg: config.Default(), log: slog.Default(), newTicker: defaultNewTicker}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins sampling gameID every interval, stopping any previous loop.
// session must be the one the coordinator binds to gameID.
// A non-positive interval uses the configured one. Engines with rewind disabled
// are not sampled and Start returns without starting a loop.
//
// The loop ends by itself once the session stops or the coordinator no longer
// binds this session to the game.
func (s *Sampler) Start(ctx context.Context, gameID string, session engine.Session, interval time.Duration) error {
	if session == nil {
		return errmodel.SessionUnavailable(gameID, "no session")
	}
	if s.coord.SessionFor(gameID) != session {
		return errmodel.SessionUnavailable(gameID, "session is not bound to this game")
	}
	s.Stop()
	if s.cfg.RewindDisabledFor(session.EngineID()) {
		s.log.Info("rewind disabled for engine", "game", gameID, "engine", session.EngineID())
		return nil
	}
	if interval <= 0 {
		interval = s.cfg.Rewind.Interval
	}
	if interval <= 0 {
		interval = config.DefaultRewindInterval
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &loop{gameID: gameID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.cur = l
	s.mu.Unlock()

	tick, stop := s.newTicker(interval)
	go func() {
		defer close(l.done)
		defer stop()
		defer s.clear(l)
		s.run(lctx, l, session, tick)
	}()
	return nil
}

func (s *Sampler) run(ctx context.Context, l *loop, session engine.Session, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
		smp := s.sample(ctx, l.gameID, session)
		if s.onSample != nil {
			s.onSample(smp)
		}
		if smp.Ended {
			return
		}
	}
}

// sample handles one tick. A capture that has begun runs to completion even if
// Stop is called meanwhile.
func (s *Sampler) sample(ctx context.Context, gameID string, session engine.Session) Sample {
	smp := Sample{GameID: gameID}
	switch {
	case session.State() == engine.StateStopped:
		s.log.Debug("rewind loop ended: session stopped", "game", gameID)
		smp.Ended = true
	case s.coord.SessionFor(gameID) != session:
		s.log.Debug("rewind loop ended: session unbound", "game", gameID)
		smp.Ended = true
	case session.State() != engine.StateRunning:
		smp.Skipped = true
	default:
		smp.Slot, smp.Err = s.coord.Capture(context.WithoutCancel(ctx), gameID, store.KindRewind, session)
		if smp.Err != nil {
			s.log.Warn("rewind capture failed", "game", gameID, "engine", session.EngineID(), "error", smp.Err)
		}
	}
	return smp
}

func (s *Sampler) clear(l *loop) {
	s.mu.Lock()
	if s.cur == l {
		s.cur = nil
	}
	s.mu.Unlock()
}

// Stop ends the current loop and waits for an in-flight capture to finish.
// Ticks not yet taken by the loop are not sampled.
func (s *Sampler) Stop() {
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Running reports whether a loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Game returns the game of the active loop, or "".
func (s *Sampler) Game() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.gameID
}

func defaultNewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
