package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// JournalEntry is one line of the per-game activity journal.
type JournalEntry struct{ ent.Schema }

func (JournalEntry) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "save_state_journal"}}
}

// Fields of the JournalEntry.
func (JournalEntry) Fields() []ent.Field {
	return []ent.Field{
		field.String("entry_id").NotEmpty().Unique(),
		field.String("game_id").NotEmpty(),
		// Monotonic sequence per game.
		field.Int64("seq").NonNegative(),
		field.String("type").NotEmpty(),
		field.String("payload").Optional().Nillable(),
		field.Int64("created_at"),
	}
}

// Indexes of the JournalEntry.
func (JournalEntry) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("game_id", "seq").Unique(),
	}
}
