package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Discovery holds the schema definition for an agent-reported finding.
// Created once, immutable; always accompanied by a spawned child task
// (see pkg/discovery.RecordAndBranch).
type Discovery struct {
	ent.Schema
}

// Fields of the Discovery.
func (Discovery) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("discovery_id").
			Unique().
			Immutable(),
		field.String("source_task_id").
			Immutable(),
		field.Enum("kind").
			Values("bug", "optimization", "clarification", "integration", "tech_debt", "security", "performance").
			Immutable(),
		field.Text("description").
			Immutable(),
		field.String("description_hash").
			Immutable().
			Comment("sha256 of description, used for the dedup window in spec.md §8"),
		field.String("target_phase").
			Immutable(),
		field.Bool("priority_boost").
			Default(false).
			Immutable(),
		field.String("spawned_task_id").
			Immutable().
			Comment("The follow-up task created atomically with this record"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the Discovery.
func (Discovery) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source_task_id", "kind", "description_hash"),
	}
}
