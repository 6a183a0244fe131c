package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// MergeAttempt holds the schema definition for one append-only record of a
// ConvergenceMerger attempt to reconcile a single source task's branch into
// a continuation task's branch. Logged whether the attempt succeeds or
// conflicts, per spec.md §6's append-only merge_attempts log.
type MergeAttempt struct {
	ent.Schema
}

// Fields of the MergeAttempt.
func (MergeAttempt) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("merge_attempt_id").
			Unique().
			Immutable(),
		field.String("continuation_task_id").
			Immutable(),
		field.String("source_task_id").
			Immutable(),
		field.Int("attempt_number").
			Immutable(),
		field.Enum("status").
			Values("succeeded", "conflict", "error").
			Immutable(),
		field.Text("detail").
			Optional().
			Nillable().
			Immutable().
			Comment("Conflict hunk summary or resolver error text"),
		field.String("sandbox_id").
			Optional().
			Nillable().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the MergeAttempt.
func (MergeAttempt) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("continuation_task_id", "created_at"),
	}
}
