package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// JoinRegistration holds the schema definition for a pending fan-in point:
// a continuation task that becomes eligible only once every source task id
// has arrived, merged according to merge_strategy, or the deadline lapses.
type JoinRegistration struct {
	ent.Schema
}

// Fields of the JoinRegistration.
func (JoinRegistration) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("join_id").
			Unique().
			Immutable(),
		field.JSON("source_task_ids", []string{}).
			Immutable(),
		field.String("continuation_task_id").
			Immutable(),
		field.Enum("merge_strategy").
			Values("combine", "union", "intersection", "majority").
			Immutable(),
		field.Time("deadline").
			Optional().
			Nillable(),
		field.Enum("status").
			Values("waiting", "ready", "merged", "failed").
			Default("waiting"),
		field.JSON("arrived_task_ids", []string{}).
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the JoinRegistration.
func (JoinRegistration) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("continuation_task_id"),
		index.Fields("status", "deadline"),
	}
}
