package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/config"
	"github.com/wilhg/savestate/pkg/coordinator"
	"github.com/wilhg/savestate/pkg/engine/fake"
	"github.com/wilhg/savestate/pkg/store"
	"github.com/wilhg/savestate/pkg/store/entstore"
)

func newServer(t *testing.T, name string) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	st, err := entstore.Open(t.Context(), "sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(st, blob.New(afero.NewMemMapFs()), coordinator.WithJournal(st))
	t.Cleanup(coord.Close)

	srv := httptest.NewServer(buildMux(coord, st))
	t.Cleanup(srv.Close)
	return srv, coord
}

func doJSON(t *testing.T, method, url string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return res.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t, "healthz")
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
}

func TestAdminAPI_SlotLifecycle(t *testing.T) {
	srv, coord := newServer(t, "admin-lifecycle")
	ctx := t.Context()
	core := fake.New("snes9x")

	gen, err := coord.Capture(ctx, "zelda", store.KindGeneral, core)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Capture(ctx, "zelda", store.KindAuto, core); err != nil {
		t.Fatal(err)
	}

	// list
	var listed struct {
		Slots []slotView `json:"slots"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/slots", nil, &listed); code != http.StatusOK {
		t.Fatalf("list status=%d", code)
	}
	if len(listed.Slots) != 2 {
		t.Fatalf("got %d slots, want 2", len(listed.Slots))
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/slots?kind=bogus", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad kind status=%d", code)
	}

	// latest auto
	var latest slotView
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/slots/latest-auto", nil, &latest); code != http.StatusOK {
		t.Fatalf("latest-auto status=%d", code)
	}
	if latest.Kind != "auto" {
		t.Fatalf("latest kind=%q", latest.Kind)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/other/slots/latest-auto", nil, nil); code != http.StatusNotFound {
		t.Fatalf("latest-auto on empty game status=%d", code)
	}

	// rename
	var renamed slotView
	if code := doJSON(t, http.MethodPatch, srv.URL+"/api/slots/"+gen.ID, []byte(`{"name":"Boss door"}`), &renamed); code != http.StatusOK {
		t.Fatalf("rename status=%d", code)
	}
	if renamed.Name != "Boss door" {
		t.Fatalf("name=%q", renamed.Name)
	}

	// delete
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/slots/"+gen.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status=%d", code)
	}
	var errBody struct {
		Error struct {
			Category string `json:"category"`
		} `json:"error"`
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/slots/"+gen.ID, nil, &errBody); code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", code)
	}
	if errBody.Error.Category != "slot_missing" {
		t.Fatalf("category=%q", errBody.Error.Category)
	}

	// count
	var counted struct {
		Count int `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/count", nil, &counted); code != http.StatusOK {
		t.Fatalf("count status=%d", code)
	}
	if counted.Count != 1 {
		t.Fatalf("count=%d, want 1", counted.Count)
	}

	// journal
	var journal struct {
		Entries []struct {
			Seq  int64  `json:"seq"`
			Type string `json:"type"`
		} `json:"entries"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/journal?after=1", nil, &journal); code != http.StatusOK {
		t.Fatalf("journal status=%d", code)
	}
	if len(journal.Entries) != 2 || journal.Entries[0].Seq != 2 {
		t.Fatalf("journal=%+v", journal.Entries)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/games/zelda/journal?limit=-1", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", code)
	}

	// delete game
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/games/zelda", nil, &deleted); code != http.StatusOK {
		t.Fatalf("delete game status=%d", code)
	}
	if deleted.Deleted != 1 {
		t.Fatalf("deleted=%d, want 1", deleted.Deleted)
	}
}

func TestAdminAPI_RewindAndSweep(t *testing.T) {
	srv, coord := newServer(t, "admin-sweep")
	ctx := t.Context()
	core := fake.New("snes9x")
	for i := 0; i < 3; i++ {
		core.Step(1)
		if _, err := coord.Capture(ctx, "metroid", store.KindRewind, core); err != nil {
			t.Fatal(err)
		}
	}

	var cleared struct {
		Deleted int `json:"deleted"`
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/games/metroid/rewind", nil, &cleared); code != http.StatusOK {
		t.Fatalf("clear rewind status=%d", code)
	}
	if cleared.Deleted != 3 {
		t.Fatalf("deleted=%d, want 3", cleared.Deleted)
	}

	var swept coordinator.SweepResult
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/sweep", nil, &swept); code != http.StatusOK {
		t.Fatalf("sweep status=%d", code)
	}
	if len(swept.Orphans) != 0 || swept.TempFiles != 0 {
		t.Fatalf("sweep=%+v", swept)
	}
}

func TestOpenWritesUnderSaveDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "saves")
	cfg := config.Default()
	cfg.SaveDir = dir
	cfg.DatabaseURL = "sqlite:file:" + filepath.Join(t.TempDir(), "catalog.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	st, coord, err := open(t.Context(), cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	t.Cleanup(coord.Close)

	rec, err := coord.Capture(t.Context(), "g", store.KindGeneral, fake.New("snes9x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rec.PayloadPath))); err != nil {
		t.Fatalf("payload not on disk: %v", err)
	}
}

func TestOpenRejectsEmptySaveDir(t *testing.T) {
	cfg := config.Default()
	cfg.SaveDir = ""
	cfg.DatabaseURL = "sqlite:file:open-empty-dir?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if _, _, err := open(t.Context(), cfg, slog.Default()); err == nil {
		t.Fatal("expected an error for an empty save dir")
	}
}
