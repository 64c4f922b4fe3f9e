package entstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wilhg/savestate/pkg/store"
)

func TestSQLiteSlotCreateFindOrder(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)

	base := time.Unix(1700000000, 0)
	if _, err := st.CreateSlot(ctx, slotAt("r3", "g1", store.KindRewind, base.Add(3*time.Second))); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSlot(ctx, slotAt("r1", "g1", store.KindRewind, base.Add(1*time.Second))); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSlot(ctx, slotAt("r2", "g1", store.KindRewind, base.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSlot(ctx, slotAt("q1", "g1", store.KindQuick, base)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSlot(ctx, slotAt("other", "g2", store.KindRewind, base)); err != nil {
		t.Fatal(err)
	}

	recs, err := st.FindSlots(ctx, "g1", store.KindRewind)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "r1" || recs[1].ID != "r2" || recs[2].ID != "r3" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if !recs[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("created_at=%v", recs[0].CreatedAt)
	}

	desc, err := st.FindSlots(ctx, "g1", store.KindRewind, store.Descending(), store.Limit(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 1 || desc[0].ID != "r3" {
		t.Fatalf("newest=%+v", desc)
	}

	// Second-oldest without loading the rest.
	nth, err := st.FindSlots(ctx, "g1", store.KindRewind, store.Offset(1), store.Limit(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(nth) != 1 || nth[0].ID != "r2" {
		t.Fatalf("nth=%+v", nth)
	}

	skip, err := st.FindSlots(ctx, "g1", store.KindRewind, store.Offset(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(skip) != 1 || skip[0].ID != "r3" {
		t.Fatalf("offset without limit=%+v", skip)
	}

	n, err := st.Count(ctx, "g1", store.KindRewind)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count=%d want 3", n)
	}
	all, err := st.CountGame(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if all != 4 {
		t.Fatalf("count game=%d want 4", all)
	}
}

func TestSQLiteSlotTiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	at := time.Unix(1700000000, 42)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := st.CreateSlot(ctx, slotAt(id, "g", store.KindGeneral, at)); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := st.FindSlots(ctx, "g", store.KindGeneral)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "a" || recs[2].ID != "c" {
		t.Fatalf("tie order: %+v", recs)
	}
}

func TestSQLiteSlotUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	at := time.Unix(1700000000, 0)
	rec, err := st.CreateSlot(ctx, slotAt("auto1", "g", store.KindAuto, at))
	if err != nil {
		t.Fatal(err)
	}
	rec.CreatedAt = at.Add(time.Hour)
	rec.ModifiedAt = at.Add(time.Hour)
	rec.Digest = "abc"
	rec.ThumbnailPath = "states/auto1.png"
	got, err := st.UpdateSlot(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "auto1" || got.Digest != "abc" || !got.CreatedAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("update: %+v", got)
	}
	n, _ := st.Count(ctx, "g", store.KindAuto)
	if n != 1 {
		t.Fatalf("count=%d want 1", n)
	}

	if _, err := st.UpdateSlot(ctx, slotAt("missing", "g", store.KindAuto, at)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestSQLiteSlotDelete(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	at := time.Unix(1700000000, 0)
	if _, err := st.CreateSlot(ctx, slotAt("s1", "g", store.KindGeneral, at)); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteSlot(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetSlot(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if err := st.DeleteSlot(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestSQLiteDeleteSlotsAfter(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"r0", "r1", "r2", "r3"} {
		if _, err := st.CreateSlot(ctx, slotAt(id, "g", store.KindRewind, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.CreateSlot(ctx, slotAt("gen", "g", store.KindGeneral, base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	removed, err := st.DeleteSlotsAfter(ctx, "g", store.KindRewind, base.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0].ID != "r2" || removed[1].ID != "r3" {
		t.Fatalf("removed=%+v", removed)
	}
	left, _ := st.FindSlots(ctx, "g", store.KindRewind)
	if len(left) != 2 || left[1].ID != "r1" {
		t.Fatalf("left=%+v", left)
	}

	// Zero time purges every slot of the kind.
	removed, err = st.DeleteSlotsAfter(ctx, "g", store.KindRewind, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed=%d want 2", len(removed))
	}
	if n, _ := st.CountGame(ctx, "g"); n != 1 {
		t.Fatalf("general slot should survive, count=%d", n)
	}
}

func TestSQLiteDeleteGameSlotsAndIDs(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	at := time.Unix(1700000000, 0)
	for _, id := range []string{"a", "b"} {
		if _, err := st.CreateSlot(ctx, slotAt(id, "g1", store.KindGeneral, at)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.CreateSlot(ctx, slotAt("c", "g2", store.KindGeneral, at)); err != nil {
		t.Fatal(err)
	}
	removed, err := st.DeleteGameSlots(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed=%d want 2", len(removed))
	}
	ids, err := st.SlotIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("ids=%v", ids)
	}
}

func TestSQLiteJournalAppendAndList(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)

	payload, _ := json.Marshal(map[string]any{"slot_id": "s1"})

	e1, err := st.AppendJournal(ctx, store.JournalRecord{EntryID: "e1", GameID: "g1", Type: "capture_completed", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if e1.Seq != 1 {
		t.Fatalf("seq=%d want 1", e1.Seq)
	}

	e2, err := st.AppendJournal(ctx, store.JournalRecord{EntryID: "e2", GameID: "g1", Type: "restore_completed"})
	if err != nil {
		t.Fatal(err)
	}
	if e2.Seq != 2 {
		t.Fatalf("seq=%d want 2", e2.Seq)
	}

	dup, err := st.AppendJournal(ctx, store.JournalRecord{EntryID: "e1", GameID: "g1", Type: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if dup.Seq != 1 || dup.Type != "capture_completed" {
		t.Fatalf("duplicate append should return stored entry: %+v", dup)
	}

	other, err := st.AppendJournal(ctx, store.JournalRecord{EntryID: "e3", GameID: "g2", Type: "capture_completed"})
	if err != nil {
		t.Fatal(err)
	}
	if other.Seq != 1 {
		t.Fatalf("seq per game: %d", other.Seq)
	}

	entries, err := st.ListJournal(ctx, "g1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len=%d want 2", len(entries))
	}
	if string(entries[0].Payload) != string(payload) {
		t.Fatalf("payload=%s", entries[0].Payload)
	}
	after, err := st.ListJournal(ctx, "g1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].EntryID != "e2" {
		t.Fatalf("after=%+v", after)
	}

	if _, err := st.AppendJournal(ctx, store.JournalRecord{EntryID: "bad", GameID: "g1", Payload: json.RawMessage("{")}); err == nil {
		t.Fatal("expected invalid payload error")
	}
}

func TestOpenRejectsUnknownDSN(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := Open(ctx, "mysql://localhost/db"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := Open(ctx, "not a dsn"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
