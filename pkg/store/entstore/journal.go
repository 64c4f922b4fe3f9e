package entstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/savestate/pkg/store"
)

var journalColumns = []string{"entry_id", "game_id", "seq", "type", "payload", "created_at"}

// AppendJournal appends a new entry with an incremented sequence per game.
// Appending an entry whose EntryID already exists returns the stored entry.
func (s *Store) AppendJournal(ctx context.Context, e store.JournalRecord) (store.JournalRecord, error) {
	if e.EntryID == "" || e.GameID == "" {
		return store.JournalRecord{}, fmt.Errorf("journal entry id and game id are required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return store.JournalRecord{}, fmt.Errorf("invalid payload json")
	}
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return store.JournalRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	b := s.builder()
	query, args := b.Select(journalColumns...).
		From(b.Table(journalTable)).
		Where(entsql.EQ("entry_id", e.EntryID)).
		Query()
	existing, err := queryJournal(ctx, tx, query, args)
	if err != nil {
		return store.JournalRecord{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	// Find current max seq for this game.
	var nextSeq int64 = 1
	query, args = b.Select("seq").
		From(b.Table(journalTable)).
		Where(entsql.EQ("game_id", e.GameID)).
		OrderBy(entsql.Desc("seq")).
		Limit(1).
		Query()
	var rows entsql.Rows
	if err := tx.Query(ctx, query, args, &rows); err != nil {
		return store.JournalRecord{}, err
	}
	last, err := entsql.ScanInt64(rows)
	rows.Close()
	switch {
	case err == nil:
		nextSeq = last + 1
	case err != sql.ErrNoRows:
		return store.JournalRecord{}, err
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Seq = nextSeq
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	query, args = b.Insert(journalTable).
		Columns(journalColumns...).
		Values(e.EntryID, e.GameID, e.Seq, e.Type, payload, e.CreatedAt.UnixNano()).
		Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return store.JournalRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.JournalRecord{}, err
	}
	return e, nil
}

// ListJournal lists entries for a game after a given sequence.
func (s *Store) ListJournal(ctx context.Context, gameID string, afterSeq int64, limit int) ([]store.JournalRecord, error) {
	b := s.builder()
	sel := b.Select(journalColumns...).
		From(b.Table(journalTable)).
		Where(entsql.EQ("game_id", gameID))
	if afterSeq > 0 {
		sel.Where(entsql.GT("seq", afterSeq))
	}
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.OrderBy(entsql.Asc("seq")).Query()
	return queryJournal(ctx, s.drv, query, args)
}

func queryJournal(ctx context.Context, q dialect.ExecQuerier, query string, args []any) ([]store.JournalRecord, error) {
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.JournalRecord
	for rows.Next() {
		var (
			r       store.JournalRecord
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&r.EntryID, &r.GameID, &r.Seq, &r.Type, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
