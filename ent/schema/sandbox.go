package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Sandbox holds the schema definition for an isolated execution environment
// spawned to run a single task — a local worktree, a container, or a
// remote runtime reached over pkg/runtimerpc.
type Sandbox struct {
	ent.Schema
}

// Fields of the Sandbox.
func (Sandbox) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("sandbox_id").
			Unique().
			Immutable(),
		field.String("task_id").
			Immutable(),
		field.String("ticket_id").
			Immutable(),
		field.String("workspace_path"),
		field.String("branch_name"),
		field.String("base_branch"),
		field.Enum("type").
			Values("local", "container", "remote").
			Immutable(),
		field.String("parent_sandbox_id").
			Optional().
			Nillable().
			Comment("Set when this sandbox was branched from a prior sandbox's state, e.g. a discovery follow-up"),
		field.Enum("status").
			Values("starting", "running", "paused", "terminated").
			Default("starting"),
		field.Text("session_transcript").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("terminated_at").
			Optional().
			Nillable(),
	}
}

// Edges of the Sandbox.
func (Sandbox) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("locks", ResourceLock.Type),
	}
}

// Indexes of the Sandbox.
func (Sandbox) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("task_id"),
		index.Fields("status"),
	}
}
