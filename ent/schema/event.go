package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Event holds the schema definition for the durable record behind every
// NOTIFY payload published on pkg/eventbus. Rows are the source of truth;
// the NOTIFY channel is a wakeup signal, not a delivery guarantee, so
// subscribers recover missed events by replaying from last-seen id.
type Event struct {
	ent.Schema
}

// Fields of the Event.
func (Event) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("event_id").
			Unique().
			Immutable(),
		field.String("type").
			Immutable(),
		field.String("entity_type").
			Immutable(),
		field.String("entity_id").
			Immutable(),
		field.JSON("payload", map[string]interface{}{}).
			Immutable(),
		field.Time("published_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the Event.
func (Event) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("entity_type", "entity_id", "published_at"),
		index.Fields("published_at"),
	}
}
