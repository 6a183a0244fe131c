package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Ticket holds the schema definition for the Ticket entity.
//
// version is the optimistic-concurrency column called for in spec §9
// ("Shared ticket/phase mutation") — every write to a Ticket happens
// via `UPDATE ... WHERE id=? AND version=?`; see pkg/phase for the guard.
type Ticket struct {
	ent.Schema
}

// Fields of the Ticket.
func (Ticket) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("ticket_id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("title"),
		field.Text("description").
			Optional(),
		field.String("current_phase_id"),
		field.Enum("status").
			Values("backlog", "active", "blocked", "done").
			Default("backlog"),
		field.Enum("priority").
			Values("CRITICAL", "HIGH", "MEDIUM", "LOW").
			Default("MEDIUM"),
		field.JSON("blocked_by", []string{}).
			Optional().
			Comment("Ticket ids this ticket is blocked by; must never contain its own id or a cycle"),
		field.String("spec_id").
			Optional().
			Nillable(),
		field.JSON("synthesis_context", map[string]interface{}{}).
			Optional().
			Comment("Opaque map populated by SynthesisService at convergence points"),
		field.Int("version").
			Default(0).
			Comment("Optimistic-concurrency counter; incremented on every authoritative write"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Ticket.
func (Ticket) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("tickets").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.To("tasks", Task.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("history", PhaseHistoryEntry.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Ticket.
func (Ticket) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("project_id", "current_phase_id"),
	}
}
