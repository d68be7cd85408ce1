package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Session holds the schema definition for the Session entity.
// A session is the runtime container for one orchestration run: it owns its
// stories, signals, checkpoints, and dispatches.
type Session struct {
	ent.Schema
}

// Fields of the Session.
func (Session) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("session_id").
			Unique().
			Immutable(),
		field.String("project_id").
			Comment("Project identifier the session operates on"),
		field.String("project_path").
			Comment("Filesystem path of the project checkout"),
		field.Enum("status").
			Values("pending", "running", "paused", "completed", "failed", "aborted").
			Default("pending"),
		field.String("pause_reason").
			Optional().
			Nillable(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.Int64("acked_seq").
			Default(0).
			Comment("Last signal sequence acknowledged by the session driver"),
		field.Int64("head_checkpoint_seq").
			Optional().
			Nillable().
			Comment("Sequence of the latest durably committed checkpoint"),
		field.Int64("tokens_in").
			Default(0),
		field.Int64("tokens_out").
			Default(0),
		field.Float("cost_usd").
			Default(0),
		field.String("pod_id").
			Optional().
			Nillable().
			Comment("For multi-replica coordination"),
		field.Time("last_heartbeat_at").
			Optional().
			Nillable().
			Comment("For orphan detection"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Time("closed_at").
			Optional().
			Nillable().
			Comment("Set when the session is explicitly closed and its signals pruned"),
	}
}

// Edges of the Session.
func (Session) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("stories", Story.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("signals", Signal.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("checkpoints", Checkpoint.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("dispatches", Dispatch.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Session.
func (Session) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("project_id"),
		index.Fields("status", "created_at"),
		index.Fields("status", "last_heartbeat_at"),
	}
}
