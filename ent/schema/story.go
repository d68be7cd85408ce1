package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Story holds the schema definition for the Story entity: one unit of
// development work inside a session, with declared acceptance criteria,
// allow/deny file lists, stop conditions, and budget thresholds.
// Role and domain are immutable once the story enters dispatch; the service
// layer enforces this by never exposing updates for them.
type Story struct {
	ent.Schema
}

// Fields of the Story.
func (Story) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("story_id").
			Unique().
			Immutable(),
		field.String("session_id"),
		field.String("title"),
		field.String("domain").
			Immutable().
			Comment("Project-defined domain tag (e.g. AUTH, BILLING, SHARED)"),
		field.String("role").
			Immutable().
			Comment("Agent role assignment (e.g. backend-1, qa)"),
		field.Int("wave").
			Comment("Wave ordinal; higher waves may depend on lower"),
		field.JSON("objective", map[string]string{}).
			Comment("as_a / i_want / so_that"),
		field.JSON("acceptance_criteria", []string{}),
		field.JSON("files_create", []string{}),
		field.JSON("files_modify", []string{}),
		field.JSON("files_forbidden", []string{}),
		field.JSON("stop_conditions", []string{}),
		field.JSON("read_first", []string{}).
			Optional().
			Comment("Context manifest pinned before the story's first dispatch"),
		field.Int64("max_tokens"),
		field.Float("max_cost_usd"),
		field.Int("max_duration_minutes"),
		field.Int("max_retries").
			Default(3),
		field.Enum("status").
			Values("pending", "active", "completed", "failed", "escalated", "stopped").
			Default("pending"),
		field.String("gate").
			Optional().
			Comment("Latest gate this story has completed"),
		field.Int("retry_count").
			Default(0),
		field.Int64("tokens_in").
			Default(0),
		field.Int64("tokens_out").
			Default(0),
		field.Float("cost_usd").
			Default(0),
		field.String("workspace_branch").
			Optional().
			Nillable().
			Comment("Tip branch of the most recent dispatch for this story"),
	}
}

// Edges of the Story.
func (Story) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", Session.Type).
			Ref("stories").
			Field("session_id").
			Unique().
			Required(),
	}
}

// Indexes of the Story.
func (Story) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id"),
		index.Fields("session_id", "wave"),
		index.Fields("status"),
	}
}
