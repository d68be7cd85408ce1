package models

import "time"

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	ProjectID   string      `json:"project_id"`
	ProjectPath string      `json:"project_path"`
	Stories     []StorySpec `json:"stories"`
}

// CreateSessionResponse returns the identifier of the created session.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StoryState is the per-story slice of a session detail response.
type StoryState struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Domain     string  `json:"domain"`
	Role       string  `json:"role"`
	Wave       int     `json:"wave"`
	Status     string  `json:"status"`
	Gate       string  `json:"gate,omitempty"`
	RetryCount int     `json:"retry_count"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
}

// BudgetSnapshot is the read-side view of a session's budget ledger.
type BudgetSnapshot struct {
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	CapTokens  int64   `json:"cap_tokens"`
	CapCostUSD float64 `json:"cap_cost_usd"`
	// Fraction is spend relative to cap, in [0, 1+]; the larger of the
	// token and cost fractions.
	Fraction float64 `json:"fraction"`
}

// SessionDetail is the body of GET /api/v1/sessions/:id.
type SessionDetail struct {
	SessionID    string         `json:"session_id"`
	ProjectID    string         `json:"project_id"`
	Status       string         `json:"status"`
	PauseReason  string         `json:"pause_reason,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Stories      []StoryState   `json:"stories"`
	Budget       BudgetSnapshot `json:"budget"`
	AckedSeq     int64          `json:"acked_seq"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// SessionSummary is one row of GET /api/v1/sessions.
type SessionSummary struct {
	SessionID   string     `json:"session_id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	StoryCount  int        `json:"story_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SessionListResult is the paginated body of GET /api/v1/sessions.
type SessionListResult struct {
	Sessions   []SessionSummary `json:"sessions"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalCount int              `json:"total_count"`
}

// AbortRequest carries the operator-supplied reason for abort and
// emergency-stop calls.
type AbortRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// PauseRequest is the body of POST /api/v1/sessions/:id/pause.
type PauseRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}
