package entstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wilhg/savestate/pkg/store"
)

func sqliteDSN(name string) string {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	return fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1", name)
}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, sqliteDSN(t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func slotAt(id, gameID string, kind store.SlotKind, at time.Time) store.SlotRecord {
	return store.SlotRecord{
		ID:          id,
		GameID:      gameID,
		Kind:        kind,
		EngineID:    "gambatte",
		PayloadPath: "states/" + id + ".state",
		CreatedAt:   at,
		ModifiedAt:  at,
	}
}
