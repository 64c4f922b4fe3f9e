package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Slot holds the catalog entry of one save state.
type Slot struct{ ent.Schema }

func (Slot) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "save_state_slots"}}
}

// Fields of the Slot.
func (Slot) Fields() []ent.Field {
	return []ent.Field{
		field.String("slot_id").NotEmpty().Unique().Immutable(),
		field.String("game_id").NotEmpty().Immutable(),
		field.Enum("kind").Values("general", "locked", "quick", "auto", "rewind").Immutable(),
		field.String("name").Default(""),
		field.String("engine_id").NotEmpty(),
		field.String("payload_path").NotEmpty(),
		field.String("thumbnail_path").Default(""),
		// Hex sha256 of the payload.
		field.String("digest").Default(""),
		// Unix nanoseconds.
		field.Int64("created_at"),
		field.Int64("modified_at"),
	}
}

// Indexes of the Slot.
func (Slot) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("game_id", "kind", "created_at"),
		index.Fields("game_id"),
	}
}
