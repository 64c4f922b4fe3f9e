package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/store"
	"github.com/wilhg/savestate/pkg/store/entstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	coord *Coordinator
	store *entstore.Store
	blobs *blob.Store
	clock *clock

	mu     sync.Mutex
	events []Event
}

func (h *harness) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func (h *harness) eventTypes() []EventType {
	var out []EventType
	for _, ev := range h.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) count(t *testing.T, gameID string, kind store.SlotKind) int {
	t.Helper()
	n, err := h.store.Count(context.Background(), gameID, kind)
	require.NoError(t, err)
	return n
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := entstore.Open(ctx, "sqlite:file:coord-"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	h := &harness{store: st, blobs: blob.New(afero.NewMemMapFs()), clock: newClock()}
	base := []Option{WithClock(h.clock.Now), WithJournal(st)}
	h.coord = New(st, h.blobs, append(base, opts...)...)
	t.Cleanup(h.coord.Close)
	h.coord.Subscribe(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	return h
}
