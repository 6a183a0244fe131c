package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
)

// Project holds the schema definition for the Project entity.
// The organizational root: tickets, phases, and locks are all scoped to a
// project. Never hard-deleted while tickets reference it — see archived_at.
type Project struct {
	ent.Schema
}

// Fields of the Project.
func (Project) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("project_id").
			Unique().
			Immutable(),
		field.String("name"),
		field.String("repository_ref").
			Comment("VCS remote the orchestrator checks out sandboxes from"),
		field.String("default_phase_id").
			Comment("Phase new tickets enter when no explicit phase is given"),
		field.Bool("autonomous_mode").
			Default(false).
			Comment("When false, ClaimNext only returns tasks marked ready-to-run by a user action"),
		field.Int("concurrency_ceiling").
			Default(5).
			Comment("Max concurrently running tasks for this project"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("archived_at").
			Optional().
			Nillable().
			Comment("Soft-archive marker; projects are never hard-deleted while tickets reference them"),
	}
}

// Edges of the Project.
func (Project) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("tickets", Ticket.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("phases", Phase.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}
