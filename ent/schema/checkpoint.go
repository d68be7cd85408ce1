package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Checkpoint holds the schema definition for the Checkpoint entity: an
// immutable snapshot of session state sufficient to resume after a crash.
// A checkpoint is written in the same transaction as its triggering signal;
// only the latest five per session are retained.
type Checkpoint struct {
	ent.Schema
}

// Fields of the Checkpoint.
func (Checkpoint) Fields() []ent.Field {
	return []ent.Field{
		field.String("session_id").
			Immutable(),
		field.Int64("seq").
			Immutable().
			Comment("Sequence of the signal that triggered this checkpoint"),
		field.String("gate").
			Immutable().
			Comment("Session-level gate reached"),
		field.JSON("story_gates", map[string]string{}).
			Immutable().
			Comment("story_id → latest completed gate"),
		field.JSON("retry_counts", map[string]int{}).
			Immutable().
			Comment("story_id → fix attempts so far"),
		field.JSON("budget_ledger", map[string]any{}).
			Immutable(),
		field.JSON("outstanding_dispatches", []map[string]any{}).
			Optional().
			Immutable(),
		field.JSON("context_summary", map[string]any{}).
			Optional().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Checkpoint.
func (Checkpoint) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", Session.Type).
			Ref("checkpoints").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Checkpoint.
func (Checkpoint) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "seq").
			Unique(),
	}
}
