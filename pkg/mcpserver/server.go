// Package mcpserver exposes the save-state catalog as MCP tools so assistants
// and scripts can browse and tidy slots. Capture and restore need a live engine
// session and are not offered.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/savestate/pkg/coordinator"
	"github.com/wilhg/savestate/pkg/store"
)

// Catalog is the part of the coordinator the tools call.
type Catalog interface {
	List(ctx context.Context, gameID string, kind store.SlotKind) ([]store.SlotRecord, error)
	LatestAuto(ctx context.Context, gameID string) (store.SlotRecord, error)
	Rename(ctx context.Context, slotID, name string) (store.SlotRecord, error)
	Delete(ctx context.Context, slotID string) error
	DeleteGame(ctx context.Context, gameID string) (int, error)
	ClearRewind(ctx context.Context, gameID string) (int, error)
	CountGame(ctx context.Context, gameID string) (int, error)
	Sweep(ctx context.Context) (coordinator.SweepResult, error)
}

var _ Catalog = (*coordinator.Coordinator)(nil)

// Server serves the catalog tools.
type Server struct {
	srv *mcp.Server
	cat Catalog
	log *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for destructive tool calls; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New registers the catalog tools on a fresh MCP server.
func New(cat Catalog, version string, opts ...Option) *Server {
	s := &Server{cat: cat, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: "savestate", Version: version}, nil)
	s.register()
	return s
}

// MCP returns the underlying server, e.g. to connect it to a custom transport.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

// RunStdio serves a single client on stdin/stdout until ctx ends or the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

type SlotInfo struct {
	ID           string `json:"id"`
	GameID       string `json:"game_id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	EngineID     string `json:"engine_id"`
	HasThumbnail bool   `json:"has_thumbnail"`
	CreatedAt    string `json:"created_at"`
	ModifiedAt   string `json:"modified_at"`
}

func slotInfo(rec store.SlotRecord) SlotInfo {
	return SlotInfo{
		ID:           rec.ID,
		GameID:       rec.GameID,
		Kind:         string(rec.Kind),
		Name:         rec.Name,
		EngineID:     rec.EngineID,
		HasThumbnail: rec.ThumbnailPath != "",
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		ModifiedAt:   rec.ModifiedAt.UTC().Format(time.RFC3339Nano),
	}
}

type GameArgs struct {
	GameID string `json:"game_id" jsonschema:"identifier of the game"`
}

type ListArgs struct {
	GameID string `json:"game_id" jsonschema:"identifier of the game"`
	Kind   string `json:"kind,omitempty" jsonschema:"general, locked, quick, auto or rewind; empty lists every kind"`
}

type SlotArgs struct {
	SlotID string `json:"slot_id" jsonschema:"identifier of the slot"`
}

type RenameArgs struct {
	SlotID string `json:"slot_id" jsonschema:"identifier of the slot"`
	Name   string `json:"name" jsonschema:"new display name"`
}

type SlotList struct {
	Slots []SlotInfo `json:"slots"`
}

type Deleted struct {
	Deleted int `json:"deleted"`
}

type Count struct {
	Count int `json:"count"`
}

type SweepReport struct {
	Orphans   []string `json:"orphans"`
	TempFiles int      `json:"temp_files"`
}

func (s *Server) register() {
	mcp.AddTool(s.srv, &mcp.Tool{Name: "list_slots", Description: "List the save-state slots of a game, oldest first."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ListArgs) (*mcp.CallToolResult, SlotList, error) {
			recs, err := s.cat.List(ctx, in.GameID, store.SlotKind(in.Kind))
			if err != nil {
				return nil, SlotList{}, err
			}
			out := SlotList{Slots: make([]SlotInfo, 0, len(recs))}
			for _, rec := range recs {
				out.Slots = append(out.Slots, slotInfo(rec))
			}
			return nil, out, nil
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "latest_auto", Description: "Return the newest auto save of a game."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in GameArgs) (*mcp.CallToolResult, SlotInfo, error) {
			rec, err := s.cat.LatestAuto(ctx, in.GameID)
			if err != nil {
				return nil, SlotInfo{}, err
			}
			return nil, slotInfo(rec), nil
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "count_slots", Description: "Count every slot of a game."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in GameArgs) (*mcp.CallToolResult, Count, error) {
			n, err := s.cat.CountGame(ctx, in.GameID)
			return nil, Count{Count: n}, err
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "rename_slot", Description: "Rename a general or locked slot."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in RenameArgs) (*mcp.CallToolResult, SlotInfo, error) {
			rec, err := s.cat.Rename(ctx, in.SlotID, in.Name)
			if err != nil {
				return nil, SlotInfo{}, err
			}
			return nil, slotInfo(rec), nil
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "delete_slot", Description: "Delete one slot and its files."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in SlotArgs) (*mcp.CallToolResult, Deleted, error) {
			if err := s.cat.Delete(ctx, in.SlotID); err != nil {
				return nil, Deleted{}, err
			}
			s.log.Info("slot deleted over mcp", "slot", in.SlotID)
			return nil, Deleted{Deleted: 1}, nil
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "delete_game", Description: "Delete every slot of a game."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in GameArgs) (*mcp.CallToolResult, Deleted, error) {
			n, err := s.cat.DeleteGame(ctx, in.GameID)
			if err != nil {
				return nil, Deleted{}, err
			}
			s.log.Info("game slots deleted over mcp", "game", in.GameID, "count", n)
			return nil, Deleted{Deleted: n}, nil
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "clear_rewind", Description: "Drop the rewind history of a game."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in GameArgs) (*mcp.CallToolResult, Deleted, error) {
			n, err := s.cat.ClearRewind(ctx, in.GameID)
			return nil, Deleted{Deleted: n}, err
		})

	mcp.AddTool(s.srv, &mcp.Tool{Name: "sweep", Description: "Remove payload files no slot references and leftover temp files."},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, SweepReport, error) {
			res, err := s.cat.Sweep(ctx)
			if err != nil {
				return nil, SweepReport{}, err
			}
			out := SweepReport{Orphans: res.Orphans, TempFiles: res.TempFiles}
			if out.Orphans == nil {
				out.Orphans = []string{}
			}
			return nil, out, nil
		})
}
