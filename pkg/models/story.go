// Package models contains the plain request/response and value types shared
// between the API layer, the services, and the orchestration core. It is
// deliberately dependency-free.
package models

// Objective is the user-story framing of a story's intent.
type Objective struct {
	AsA    string `json:"as_a"`
	IWant  string `json:"i_want"`
	SoThat string `json:"so_that"`
}

// StoryFiles declares which paths a story may create or modify and which it
// must never touch. The forbidden list is a superset of any globally
// forbidden paths; merging happens at validation time.
type StoryFiles struct {
	Create    []string `json:"create"`
	Modify    []string `json:"modify"`
	Forbidden []string `json:"forbidden"`
}

// StorySafety carries the story-declared predicates that must remain false
// for the lifetime of the story.
type StorySafety struct {
	StopConditions []string `json:"stop_conditions"`
}

// StoryThresholds bounds a story's resource consumption.
type StoryThresholds struct {
	MaxTokens          int64   `json:"max_tokens"`
	MaxCostUSD         float64 `json:"max_cost"`
	MaxDurationMinutes int     `json:"max_duration_minutes"`
	// MaxRetries overrides the system-wide fix-attempt bound when > 0.
	MaxRetries int `json:"max_retries,omitempty"`
}

// StorySpec is the on-disk / inline JSON story format submitted to
// start-session. Validation minima: ≥3 acceptance criteria and ≥3 stop
// conditions, all threshold fields positive.
type StorySpec struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Domain             string          `json:"domain"`
	Role               string          `json:"role"`
	Wave               int             `json:"wave"`
	Objective          Objective       `json:"objective"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	Files              StoryFiles      `json:"files"`
	Safety             StorySafety     `json:"safety"`
	Thresholds         StoryThresholds `json:"thresholds"`
	// ReadFirst is the context manifest: files pre-loaded (and pinned) into
	// the context cache before the story's first dispatch.
	ReadFirst []string `json:"read_first,omitempty"`
}
