package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Dispatch holds the schema definition for the Dispatch entity: one worker
// invocation for a (story, role, gate) tuple inside an isolated workspace.
type Dispatch struct {
	ent.Schema
}

// Fields of the Dispatch.
func (Dispatch) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("dispatch_id").
			Unique().
			Immutable(),
		field.String("session_id"),
		field.String("story_id"),
		field.String("role"),
		field.String("gate"),
		field.String("workspace_branch").
			Optional(),
		field.Enum("status").
			Values("running", "completed", "rejected", "timed_out", "escalated", "failed", "stopped").
			Default("running"),
		field.String("reason").
			Optional().
			Nillable().
			Comment("Rejection or failure reason (e.g. destructive-command, boundary-violation)"),
		field.Int64("tokens_in").
			Default(0),
		field.Int64("tokens_out").
			Default(0),
		field.Float("cost_usd").
			Default(0),
		field.Time("started_at").
			Default(time.Now).
			Immutable(),
		field.Time("finished_at").
			Optional().
			Nillable(),
	}
}

// Edges of the Dispatch.
func (Dispatch) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", Session.Type).
			Ref("dispatches").
			Field("session_id").
			Unique().
			Required(),
	}
}

// Indexes of the Dispatch.
func (Dispatch) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id"),
		index.Fields("story_id", "gate"),
		index.Fields("status"),
	}
}
