package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilhg/savestate/pkg/engine/fake"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/store"
)

func TestBindRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s1 := fake.New("snes9x")
	s2 := fake.New("snes9x")

	require.NoError(t, h.coord.Bind(ctx, "g1", s1))
	require.Same(t, s1, h.coord.SessionFor("g1"))
	require.NoError(t, h.coord.Bind(ctx, "g1", s1), "rebinding the same session is a no-op")

	err := h.coord.Bind(ctx, "g2", s1)
	require.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	require.Equal(t, "conflict", errmodel.From(err).Code)

	require.True(t, errmodel.IsCategory(h.coord.Bind(ctx, "g1", nil), errmodel.CategorySessionUnavailable))

	h.coord.Unbind("g1")
	require.Nil(t, h.coord.SessionFor("g1"))
	require.NoError(t, h.coord.Bind(ctx, "g2", s1))
	require.NoError(t, h.coord.Bind(ctx, "g1", s2))
}

func TestNewSessionClearsRewindHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s1 := fake.New("snes9x")
	require.NoError(t, h.coord.Bind(ctx, "g", s1))
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		_, err := h.coord.Capture(ctx, "g", store.KindRewind, s1)
		require.NoError(t, err)
	}
	_, err := h.coord.Capture(ctx, "g", store.KindGeneral, s1)
	require.NoError(t, err)

	s2 := fake.New("snes9x")
	require.NoError(t, h.coord.Bind(ctx, "g", s2))
	require.Zero(t, h.count(t, "g", store.KindRewind))
	require.Equal(t, 1, h.count(t, "g", store.KindGeneral))

	_, err = h.coord.Capture(ctx, "g", store.KindGeneral, s1)
	require.True(t, errmodel.IsCategory(err, errmodel.CategorySessionUnavailable), "replaced session must be rejected")
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	core := fake.New("snes9x")
	gen, err := h.coord.Capture(ctx, "g", store.KindGeneral, core)
	require.NoError(t, err)
	quick, err := h.coord.Capture(ctx, "g", store.KindQuick, core)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	renamed, err := h.coord.Rename(ctx, gen.ID, " Final dungeon ")
	require.NoError(t, err)
	require.Equal(t, "Final dungeon", renamed.Name)
	require.True(t, renamed.ModifiedAt.After(gen.ModifiedAt))

	_, err = h.coord.Rename(ctx, quick.ID, "nope")
	require.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	_, err = h.coord.Rename(ctx, gen.ID, "   ")
	require.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	_, err = h.coord.Rename(ctx, "missing", "x")
	require.True(t, errmodel.IsCategory(err, errmodel.CategorySlotMissing))
}

func TestUpdateThumbnail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	core := fake.New("snes9x")
	core.FrameErr = stringErr("no frame yet")
	rec, err := h.coord.Capture(ctx, "g", store.KindGeneral, core)
	require.NoError(t, err)
	require.Empty(t, rec.ThumbnailPath)

	core.FrameErr = nil
	updated, err := h.coord.UpdateThumbnail(ctx, rec.ID, core)
	require.NoError(t, err)
	require.NotEmpty(t, updated.ThumbnailPath)
	require.Equal(t, rec.Digest, updated.Digest, "payload must not change")

	img, err := h.blobs.Read(ctx, updated.ThumbnailPath)
	require.NoError(t, err)
	require.Equal(t, "frame-snes9x-0", string(img))
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

func TestDeleteRemovesRecordAndFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec, err := h.coord.Capture(ctx, "g", store.KindGeneral, fake.New("snes9x"))
	require.NoError(t, err)

	require.NoError(t, h.coord.Delete(ctx, rec.ID))
	_, err = h.store.GetSlot(ctx, rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	for _, p := range []string{rec.PayloadPath, rec.ThumbnailPath} {
		ok, err := h.blobs.Exists(ctx, p)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Contains(t, h.eventTypes(), SlotDeleted)

	err = h.coord.Delete(ctx, rec.ID)
	require.True(t, errmodel.IsCategory(err, errmodel.CategorySlotMissing))
}

func TestDeleteGameCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	core := fake.New("snes9x")
	require.NoError(t, h.coord.Bind(ctx, "g", core))
	for _, kind := range []store.SlotKind{store.KindGeneral, store.KindQuick, store.KindAuto, store.KindRewind} {
		_, err := h.coord.Capture(ctx, "g", kind, core)
		require.NoError(t, err)
	}
	p, err := h.coord.StagePending(ctx, "g", core)
	require.NoError(t, err)
	_, err = h.coord.Capture(ctx, "other", store.KindGeneral, fake.New("snes9x"))
	require.NoError(t, err)

	n, err := h.coord.DeleteGame(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	count, err := h.coord.CountGame(ctx, "g")
	require.NoError(t, err)
	require.Zero(t, count)
	count, err = h.coord.CountGame(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Nil(t, h.coord.SessionFor("g"))
	ok, _ := h.blobs.Exists(ctx, p.TempPath)
	require.False(t, ok)
	ids, err := h.blobs.ListIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestListAndLatestAuto(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	core := fake.New("snes9x")

	_, err := h.coord.LatestAuto(ctx, "g")
	require.True(t, errmodel.IsCategory(err, errmodel.CategorySlotMissing))

	for _, kind := range []store.SlotKind{store.KindGeneral, store.KindAuto, store.KindAuto, store.KindRewind} {
		h.clock.Advance(time.Second)
		_, err := h.coord.Capture(ctx, "g", kind, core)
		require.NoError(t, err)
	}
	all, err := h.coord.List(ctx, "g", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	autos, err := h.coord.List(ctx, "g", store.KindAuto)
	require.NoError(t, err)
	require.Len(t, autos, 2)

	latest, err := h.coord.LatestAuto(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, autos[1].ID, latest.ID)

	_, err = h.coord.List(ctx, "g", store.SlotKind("bogus"))
	require.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
}

func TestSweepRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	core := fake.New("snes9x")
	kept, err := h.coord.Capture(ctx, "g", store.KindGeneral, core)
	require.NoError(t, err)

	_, err = h.blobs.Write(ctx, "orphan", []byte("lost"), []byte("png"))
	require.NoError(t, err)
	_, err = h.blobs.WriteTemp(ctx, []byte("crash leftover"))
	require.NoError(t, err)
	p, err := h.coord.StagePending(ctx, "g", core)
	require.NoError(t, err)

	res, err := h.coord.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, res.Orphans)
	require.Equal(t, 1, res.TempFiles)

	ids, err := h.blobs.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{kept.ID}, ids)
	ok, _ := h.blobs.Exists(ctx, p.TempPath)
	require.True(t, ok, "live pending capture must survive the sweep")
}

func TestEventsJournalAndDispatcher(t *testing.T) {
	ctx := context.Background()
	var hops atomic.Int32
	h := newHarness(t, WithDispatcher(func(fn func()) {
		hops.Add(1)
		fn()
	}))
	core := fake.New("snes9x")

	var mine []EventType
	unsubscribe := h.coord.Subscribe(func(ev Event) { mine = append(mine, ev.Type) })
	rec, err := h.coord.Capture(ctx, "g", store.KindGeneral, core)
	require.NoError(t, err)
	require.NoError(t, h.coord.Restore(ctx, rec.ID, core))
	unsubscribe()
	require.NoError(t, h.coord.Delete(ctx, rec.ID))

	require.Equal(t, []EventType{CaptureCompleted, RestoreCompleted}, mine)
	require.Equal(t, []EventType{CaptureCompleted, RestoreCompleted, SlotDeleted}, h.eventTypes())
	require.Equal(t, int32(3), hops.Load())

	entries, err := h.store.ListJournal(ctx, "g", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, string(CaptureCompleted), entries[0].Type)
	require.Equal(t, int64(3), entries[2].Seq)
	var payload journalPayload
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	require.Equal(t, rec.ID, payload.SlotID)
	require.Equal(t, "general", payload.Kind)
}
