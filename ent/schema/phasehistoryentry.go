package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PhaseHistoryEntry holds the schema definition for the append-only
// PhaseHistory record. No application code ever calls Update() against
// this entity — pkg/phase only ever Creates new rows.
type PhaseHistoryEntry struct {
	ent.Schema
}

// Fields of the PhaseHistoryEntry.
func (PhaseHistoryEntry) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("history_id").
			Unique().
			Immutable(),
		field.String("ticket_id").
			Immutable(),
		field.String("from_phase").
			Immutable(),
		field.String("to_phase").
			Immutable(),
		field.Enum("reason").
			Values("normal", "discovery", "manual", "rejection").
			Immutable(),
		field.String("actor_id").
			Immutable(),
		field.JSON("artifacts", []string{}).
			Optional().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the PhaseHistoryEntry.
func (PhaseHistoryEntry) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("ticket", Ticket.Type).
			Ref("history").
			Field("ticket_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the PhaseHistoryEntry.
func (PhaseHistoryEntry) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("ticket_id", "created_at"),
	}
}
