package entstore

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	slotsTable   = "save_state_slots"
	journalTable = "save_state_journal"
)

var (
	// SlotsColumns holds the columns for the "save_state_slots" table.
	SlotsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "slot_id", Type: field.TypeString, Unique: true},
		{Name: "game_id", Type: field.TypeString},
		{Name: "kind", Type: field.TypeString},
		{Name: "name", Type: field.TypeString, Default: ""},
		{Name: "engine_id", Type: field.TypeString},
		{Name: "payload_path", Type: field.TypeString},
		{Name: "thumbnail_path", Type: field.TypeString, Default: ""},
		{Name: "digest", Type: field.TypeString, Default: ""},
		// Unix nanoseconds; exact ordering on both SQLite and PostgreSQL.
		{Name: "created_at", Type: field.TypeInt64},
		{Name: "modified_at", Type: field.TypeInt64},
	}
	// SlotsTable holds the schema information for the "save_state_slots" table.
	SlotsTable = &schema.Table{
		Name:       slotsTable,
		Columns:    SlotsColumns,
		PrimaryKey: []*schema.Column{SlotsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "slot_game_id_kind_created_at",
				Unique:  false,
				Columns: []*schema.Column{SlotsColumns[2], SlotsColumns[3], SlotsColumns[9]},
			},
			{
				Name:    "slot_game_id",
				Unique:  false,
				Columns: []*schema.Column{SlotsColumns[2]},
			},
		},
	}
	// JournalColumns holds the columns for the "save_state_journal" table.
	JournalColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "entry_id", Type: field.TypeString, Unique: true},
		{Name: "game_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "type", Type: field.TypeString},
		{Name: "payload", Type: field.TypeString, Nullable: true},
		{Name: "created_at", Type: field.TypeInt64},
	}
	// JournalTable holds the schema information for the "save_state_journal" table.
	JournalTable = &schema.Table{
		Name:       journalTable,
		Columns:    JournalColumns,
		PrimaryKey: []*schema.Column{JournalColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "journal_game_id_seq",
				Unique:  true,
				Columns: []*schema.Column{JournalColumns[2], JournalColumns[3]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		SlotsTable,
		JournalTable,
	}
)

var slotColumns = []string{
	"slot_id",
	"game_id",
	"kind",
	"name",
	"engine_id",
	"payload_path",
	"thumbnail_path",
	"digest",
	"created_at",
	"modified_at",
}
