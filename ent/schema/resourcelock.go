package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ResourceLock holds the schema definition for a claim against a file path
// or a named logical resource. Released locks are kept (released_at set)
// rather than deleted, so lock history can be replayed by the guardian.
type ResourceLock struct {
	ent.Schema
}

// Fields of the ResourceLock.
func (ResourceLock) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("lock_id").
			Unique().
			Immutable(),
		field.Enum("resource_type").
			Values("file", "named").
			Immutable(),
		field.String("resource_id").
			Immutable().
			Comment("File path or logical resource name being locked"),
		field.String("owner_task_id").
			Immutable(),
		field.String("owner_agent_id").
			Immutable(),
		field.Enum("mode").
			Values("exclusive", "shared").
			Default("exclusive").
			Immutable(),
		field.Time("acquired_at").
			Default(time.Now).
			Immutable(),
		field.Time("expires_at").
			Optional().
			Nillable(),
		field.Time("released_at").
			Optional().
			Nillable(),
	}
}

// Indexes of the ResourceLock.
func (ResourceLock) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("resource_type", "resource_id", "released_at"),
		index.Fields("owner_task_id"),
	}
}
