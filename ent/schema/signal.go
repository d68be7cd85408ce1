package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Signal holds the schema definition for the Signal entity: one durable
// event on the per-session bus. Signals are append-only — they form the
// session audit log and are never updated or individually deleted; pruning
// happens only when a terminal session is explicitly closed.
type Signal struct {
	ent.Schema
}

// Fields of the Signal.
func (Signal) Fields() []ent.Field {
	return []ent.Field{
		field.String("session_id").
			Immutable(),
		field.String("story_id").
			Optional().
			Immutable(),
		field.String("kind").
			Immutable().
			Comment("Enumerated signal kind; consumers ignore unknown kinds"),
		field.String("producer").
			Immutable(),
		field.Int64("seq").
			Immutable().
			Comment("Monotonically increasing per session, assigned at publish"),
		field.JSON("payload", map[string]any{}).
			Optional().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Signal.
func (Signal) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", Session.Type).
			Ref("signals").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Signal.
func (Signal) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "seq").
			Unique(),
		index.Fields("kind"),
	}
}
