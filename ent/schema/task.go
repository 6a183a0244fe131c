package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Task holds the schema definition for the Task entity — the smallest unit
// the orchestrator schedules. project_id is denormalized from the parent
// ticket at creation time solely to satisfy the composite claim-query index
// named in spec.md §6 (tasks by project, status, priority, created_at)
// without a join on every ClaimNext call.
type Task struct {
	ent.Schema
}

// Fields of the Task.
func (Task) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("task_id").
			Unique().
			Immutable(),
		field.String("ticket_id").
			Immutable(),
		field.String("project_id").
			Immutable().
			Comment("Denormalized from the parent ticket for the claim-query index"),
		field.Text("description"),
		field.String("task_type").
			Optional().
			Comment("Capability tag used by ClaimNext's capability filter"),
		field.Enum("status").
			Values("pending", "assigned", "running", "completed", "failed", "cancelled", "blocked").
			Default("pending").
			Comment("blocked is set by ConvergenceMerger on an irresolvable merge conflict; last_error carries the reason"),
		field.Enum("priority").
			Values("CRITICAL", "HIGH", "MEDIUM", "LOW").
			Default("MEDIUM"),
		field.String("phase_id").
			Comment("Phase this task executes within"),
		field.String("sandbox_id").
			Optional().
			Nillable(),
		field.JSON("dependencies", []string{}).
			Optional().
			Comment("Task ids this task depends on; must form a DAG with no cycles"),
		field.JSON("estimated_file_paths", []string{}).
			Optional().
			Comment("Declared file ownership, checked against ResourceLock before spawn"),
		field.JSON("result", map[string]interface{}{}).
			Optional().
			Nillable().
			Comment("Opaque payload set on completion; consumed by SynthesisService"),
		field.Int("retry_count").
			Default(0),
		field.String("last_error").
			Optional().
			Nillable(),
		field.Bool("ready_to_run").
			Default(false).
			Comment("Manual-mode gate: when the project's autonomous_mode is false, only tasks marked true here are claimable"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Task.
func (Task) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("ticket", Ticket.Type).
			Ref("tasks").
			Field("ticket_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Task.
func (Task) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("project_id", "status", "priority", "created_at"),
		index.Fields("ticket_id"),
	}
}
