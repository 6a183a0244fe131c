package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Phase holds the schema definition for the Phase entity — a named stage
// with done-criteria, expected outputs, and a per-phase prompt. Definitions
// are immutable in-flight: edits only affect future transitions (pkg/phase
// never mutates a Phase row that a Ticket currently references mid-gate-eval).
type Phase struct {
	ent.Schema
}

// Fields of the Phase.
func (Phase) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("phase_id").
			Unique().
			Immutable().
			Comment("Carries the project prefix, e.g. proj_abc:requirements"),
		field.String("project_id").
			Immutable(),
		field.String("name"),
		field.Int("sequence").
			Comment("Unique per project"),
		field.JSON("done_definitions", []string{}).
			Optional().
			Comment("Free-form verifiable strings; engine treats them as opaque"),
		field.JSON("expected_outputs", []ExpectedOutput{}).
			Optional(),
		field.Text("prompt").
			Optional(),
		field.JSON("allowed_next", []string{}).
			Optional().
			Comment("Empty for a terminal phase"),
		field.Bool("terminal").
			Default(false),
		field.Int64("timeout_seconds").
			Optional().
			Comment("Per-phase default deadline in seconds"),
		field.Int("max_retries").
			Default(3),
		field.Enum("retry_strategy").
			Values("fixed", "exponential").
			Default("exponential"),
		field.Int("wip_limit").
			Optional().
			Comment("0/absent means unlimited"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// ExpectedOutput is an artifact glob pattern with a required flag, stored as
// a JSON element of Phase.expected_outputs.
type ExpectedOutput struct {
	Pattern  string `json:"pattern"`
	Required bool   `json:"required"`
}

// Edges of the Phase.
func (Phase) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("phases").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Phase.
func (Phase) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("project_id", "sequence").
			Unique(),
	}
}
