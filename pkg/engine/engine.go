// Package engine defines the boundary between the save-state manager and the
// emulation core. The core itself is opaque: it can freeze and thaw its memory
// image, report its run state, and render the current frame as a thumbnail.
//
// Snapshots are engine-owned byte blobs. They are not portable across engines,
// which is why every Session reports the identifier of the core it wraps.
//
// Example usage:
//
//	type Core struct{ ... }
//	func (c *Core) EngineID() string { return "gambatte" }
//	func (c *Core) State() engine.State { ... }
//	func (c *Core) Snapshot(ctx context.Context) ([]byte, error) { ... }
//	func (c *Core) Restore(ctx context.Context, data []byte) error { ... }
//	func (c *Core) Pause() { ... }
//	func (c *Core) Resume() { ... }
//	func (c *Core) CurrentFrameImage(ctx context.Context) ([]byte, error) { ... }
package engine

import (
	"context"
	"errors"
)

// State is the run state of an emulation session.
type State int

const (
	// StateStopped means the core is not loaded or has shut down.
	StateStopped State = iota
	// StatePaused means the core is loaded but not advancing frames.
	StatePaused
	// StateRunning means the core is advancing frames.
	StateRunning
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ErrCorruptSnapshot is returned by Restore when the data cannot be decoded
// by the engine (truncated, foreign format, version skew).
var ErrCorruptSnapshot = errors.New("engine: corrupt or incompatible snapshot")

// Game identifies a library entry. It is owned by the library and outlives
// every save state captured for it.
type Game struct {
	// ID is the opaque, stable identifier of the game.
	ID string
	// ROMPath points at the game's ROM file.
	ROMPath string
}

// Session is a live emulation core bound to one game for its lifetime.
//
// Implementations must make Pause and Resume idempotent. Snapshot may be
// called while the session is running; engines that cannot produce a
// consistent image without pausing are declared in configuration so the
// coordinator freezes them first.
type Session interface {
	// EngineID identifies the core that produces and consumes snapshots.
	EngineID() string

	// State reports the current run state.
	State() State

	// Snapshot serializes the core's memory image.
	Snapshot(ctx context.Context) ([]byte, error)

	// Restore replaces the core's memory image. It returns an error wrapping
	// ErrCorruptSnapshot when data cannot be decoded.
	Restore(ctx context.Context, data []byte) error

	// Pause stops frame advance.
	Pause()

	// Resume restarts frame advance.
	Resume()

	// CurrentFrameImage renders the current frame as an encoded image
	// (PNG for the bundled cores) used as the slot thumbnail.
	CurrentFrameImage(ctx context.Context) ([]byte, error)
}
