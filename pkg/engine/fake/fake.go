package fake

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/wilhg/savestate/pkg/engine"
)

var magic = []byte("FAKESAVE")

// ErrSnapshotWhileRunning is returned by cores built with RequireFrozen when a
// snapshot is requested without pausing first.
var ErrSnapshotWhileRunning = errors.New("fake: snapshot while running would corrupt state")

// Core is a deterministic in-memory engine suitable for unit tests.
// Its memory image is a pure function of the number of frames stepped, so a
// snapshot/restore round trip can be checked byte for byte.
type Core struct {
	mu sync.Mutex

	id            string
	state         engine.State
	frame         uint64
	memory        []byte
	requireFrozen bool

	// SnapshotErr and FrameErr, when set, are returned by the next calls.
	SnapshotErr error
	FrameErr    error

	pauses    int
	resumes   int
	snapshots int
	restores  int
}

// Option configures a Core.
type Option func(*Core)

// RequireFrozen makes Snapshot fail while the core is running.
func RequireFrozen() Option { return func(c *Core) { c.requireFrozen = true } }

// WithMemory sets the memory image size in bytes (default 256).
func WithMemory(n int) Option {
	return func(c *Core) {
		if n > 0 {
			c.memory = make([]byte, n)
		}
	}
}

// New returns a running fake core reporting engineID.
func New(engineID string, opts ...Option) *Core {
	c := &Core{id: engineID, state: engine.StateRunning, memory: make([]byte, 256)}
	for _, o := range opts {
		o(c)
	}
	c.fill()
	return c
}

func (c *Core) EngineID() string { return c.id }

func (c *Core) State() engine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Step advances the core n frames, mutating memory deterministically.
func (c *Core) Step(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame += uint64(n)
	c.fill()
}

// Frame returns the current frame counter.
func (c *Core) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Memory returns a copy of the memory image.
func (c *Core) Memory() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.memory...)
}

// Stop moves the core to the stopped state.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = engine.StateStopped
}

func (c *Core) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses++
	if c.state == engine.StateRunning {
		c.state = engine.StatePaused
	}
}

func (c *Core) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumes++
	if c.state == engine.StatePaused {
		c.state = engine.StateRunning
	}
}

// Counts reports how many times Pause, Resume, Snapshot and Restore were called.
func (c *Core) Counts() (pauses, resumes, snapshots, restores int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes, c.snapshots, c.restores
}

func (c *Core) Snapshot(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.SnapshotErr != nil {
		return nil, c.SnapshotErr
	}
	if c.requireFrozen && c.state == engine.StateRunning {
		return nil, ErrSnapshotWhileRunning
	}
	c.snapshots++
	var buf bytes.Buffer
	buf.Write(magic)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(c.id)))
	buf.WriteString(c.id)
	_ = binary.Write(&buf, binary.LittleEndian, c.frame)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c.memory)))
	buf.Write(c.memory)
	return buf.Bytes(), nil
}

func (c *Core) Restore(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	r := bytes.NewReader(data)
	head := make([]byte, len(magic))
	if _, err := r.Read(head); err != nil || !bytes.Equal(head, magic) {
		return fmt.Errorf("%w: bad header", engine.ErrCorruptSnapshot)
	}
	var idLen uint16
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCorruptSnapshot, err)
	}
	id := make([]byte, idLen)
	if _, err := r.Read(id); err != nil && idLen > 0 {
		return fmt.Errorf("%w: %v", engine.ErrCorruptSnapshot, err)
	}
	if string(id) != c.id {
		return fmt.Errorf("%w: produced by %q", engine.ErrCorruptSnapshot, string(id))
	}
	var frame uint64
	var memLen uint32
	if err := binary.Read(r, binary.LittleEndian, &frame); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCorruptSnapshot, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &memLen); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCorruptSnapshot, err)
	}
	if int(memLen) != r.Len() {
		return fmt.Errorf("%w: memory size %d, have %d", engine.ErrCorruptSnapshot, memLen, r.Len())
	}
	mem := make([]byte, memLen)
	_, _ = r.Read(mem)
	c.frame = frame
	c.memory = mem
	c.restores++
	return nil
}

func (c *Core) CurrentFrameImage(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FrameErr != nil {
		return nil, c.FrameErr
	}
	return []byte(fmt.Sprintf("frame-%s-%d", c.id, c.frame)), nil
}

// fill derives the memory image from the frame counter. Caller holds mu.
func (c *Core) fill() {
	for i := range c.memory {
		c.memory[i] = byte(c.frame*31 + uint64(i)*7)
	}
}

var _ engine.Session = (*Core)(nil)
