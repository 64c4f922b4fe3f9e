package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/savestate/pkg/blob"
	"github.com/wilhg/savestate/pkg/config"
	"github.com/wilhg/savestate/pkg/coordinator"
	"github.com/wilhg/savestate/pkg/errmodel"
	"github.com/wilhg/savestate/pkg/mcpserver"
	otelinit "github.com/wilhg/savestate/pkg/otel"
	"github.com/wilhg/savestate/pkg/store"
	"github.com/wilhg/savestate/pkg/store/entstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var addr string
	var sweep bool
	var stdio bool

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", cfg.Addr, "http listen address")
	flag.StringVar(&cfg.SaveDir, "dir", cfg.SaveDir, "save-state directory")
	flag.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "catalog database URL (sqlite:... or postgres://...)")
	flag.BoolVar(&sweep, "sweep", true, "remove orphaned payloads and temp files at startup")
	flag.BoolVar(&stdio, "stdio", false, "serve the MCP tools on stdin/stdout instead of HTTP")
	flag.Parse()

	if showVersion {
		fmt.Printf("savestated %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	// stdout belongs to the MCP transport in stdio mode; logs always go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, addr, sweep, stdio, log); err != nil {
		log.Error("savestated exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, addr string, sweep, stdio bool, log *slog.Logger) error {
	shutdownTracing, err := otelinit.Init(ctx, otelinit.Config{
		ServiceName:    "savestated",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout && !stdio,
		SaveDir:        cfg.SaveDir,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, coord, err := open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	defer coord.Close()

	if sweep {
		res, err := coord.Sweep(ctx)
		if err != nil {
			log.Warn("startup sweep failed", "error", err)
		} else {
			log.Info("startup sweep", "orphans", len(res.Orphans), "temp_files", res.TempFiles)
		}
	}

	if stdio {
		return mcpserver.New(coord, version, mcpserver.WithLogger(log)).RunStdio(ctx)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(buildMux(coord, st), "savestated"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "dir", cfg.SaveDir, "dialect", st.Dialect())
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

// open migrates the catalog and builds a coordinator over it and the save directory.
func open(ctx context.Context, cfg config.Config, log *slog.Logger) (*entstore.Store, *coordinator.Coordinator, error) {
	st, err := entstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrate catalog: %w", err)
	}
	blobs, err := blob.NewOS(cfg.SaveDir, blob.WithLogger(log))
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("open save dir: %w", err)
	}
	coord := coordinator.New(st, blobs,
		coordinator.WithConfig(cfg),
		coordinator.WithJournal(st),
		coordinator.WithLogger(log),
	)
	return st, coord, nil
}

type slotView struct {
	ID           string    `json:"id"`
	GameID       string    `json:"game_id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	EngineID     string    `json:"engine_id"`
	HasThumbnail bool      `json:"has_thumbnail"`
	Digest       string    `json:"digest"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
}

func viewOf(rec store.SlotRecord) slotView {
	return slotView{
		ID:           rec.ID,
		GameID:       rec.GameID,
		Kind:         string(rec.Kind),
		Name:         rec.Name,
		EngineID:     rec.EngineID,
		HasThumbnail: rec.ThumbnailPath != "",
		Digest:       rec.Digest,
		CreatedAt:    rec.CreatedAt,
		ModifiedAt:   rec.ModifiedAt,
	}
}

// buildMux exposes catalog queries and maintenance over HTTP.
// Capture and restore need a live engine session and stay in-process.
func buildMux(coord *coordinator.Coordinator, journal store.Journal) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/mcp", mcpserver.New(coord, version).Handler())

	mux.HandleFunc("GET /api/games/{game}/slots", func(w http.ResponseWriter, r *http.Request) {
		recs, err := coord.List(r.Context(), r.PathValue("game"), store.SlotKind(r.URL.Query().Get("kind")))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		out := make([]slotView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, viewOf(rec))
		}
		writeJSON(w, map[string]any{"slots": out})
	})

	mux.HandleFunc("GET /api/games/{game}/slots/latest-auto", func(w http.ResponseWriter, r *http.Request) {
		rec, err := coord.LatestAuto(r.Context(), r.PathValue("game"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, viewOf(rec))
	})

	mux.HandleFunc("GET /api/games/{game}/count", func(w http.ResponseWriter, r *http.Request) {
		n, err := coord.CountGame(r.Context(), r.PathValue("game"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"game_id": r.PathValue("game"), "count": n})
	})

	mux.HandleFunc("GET /api/games/{game}/journal", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var after int64
		var limit int
		if v := q.Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				errmodel.WriteHTTP(w, r, errmodel.Validation("bad_after", "after must be a non-negative integer", map[string]any{"after": v}))
				return
			}
			after = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errmodel.WriteHTTP(w, r, errmodel.Validation("bad_limit", "limit must be a non-negative integer", map[string]any{"limit": v}))
				return
			}
			limit = n
		}
		entries, err := journal.ListJournal(r.Context(), r.PathValue("game"), after, limit)
		if err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Storage("journal_failed", "list journal", nil, err))
			return
		}
		type entry struct {
			Seq       int64           `json:"seq"`
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			CreatedAt time.Time       `json:"created_at"`
		}
		out := make([]entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, entry{Seq: e.Seq, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
		}
		writeJSON(w, map[string]any{"entries": out})
	})

	mux.HandleFunc("PATCH /api/slots/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "invalid JSON body", nil))
			return
		}
		rec, err := coord.Rename(r.Context(), r.PathValue("id"), req.Name)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, viewOf(rec))
	})

	mux.HandleFunc("DELETE /api/slots/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := coord.Delete(r.Context(), r.PathValue("id")); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/games/{game}", func(w http.ResponseWriter, r *http.Request) {
		n, err := coord.DeleteGame(r.Context(), r.PathValue("game"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"deleted": n})
	})

	mux.HandleFunc("DELETE /api/games/{game}/rewind", func(w http.ResponseWriter, r *http.Request) {
		n, err := coord.ClearRewind(r.Context(), r.PathValue("game"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"deleted": n})
	})

	mux.HandleFunc("POST /api/sweep", func(w http.ResponseWriter, r *http.Request) {
		res, err := coord.Sweep(r.Context())
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, res)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
