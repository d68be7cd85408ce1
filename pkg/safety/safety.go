package safety

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
)

// Recommendation is the evaluator's disposition for a proposed action.
type Recommendation string

const (
	RecommendationAllow Recommendation = "allow"
	RecommendationWarn  Recommendation = "warn"
	RecommendationBlock Recommendation = "block"
)

// Score thresholds. Scores start at 1.0 and are multiplied down by each
// matched rule's factor.
const (
	BlockThreshold = 0.5
	WarnThreshold  = 0.85
)

// Violation records a single matched rule.
type Violation struct {
	Rule   string  `json:"rule"`
	Factor float64 `json:"factor"`
	Detail string  `json:"detail"`
}

// Verdict is the result of evaluating one proposed action.
type Verdict struct {
	Score          float64        `json:"score"`
	Violations     []Violation    `json:"violations"`
	Recommendation Recommendation `json:"recommendation"`
}

// Blocked reports whether the action must not proceed.
func (v Verdict) Blocked() bool {
	return v.Recommendation == RecommendationBlock
}

// Evaluator scores proposed file writes and shell commands against the
// built-in rule table and per-story constraints. Evaluation is pure: the
// same inputs always produce the same verdict.
type Evaluator struct {
	cfg   *config.SafetyConfig
	rules []*rule
}

// NewEvaluator compiles the built-in rule table against the given safety
// configuration.
func NewEvaluator(cfg *config.SafetyConfig) *Evaluator {
	return &Evaluator{
		cfg:   cfg,
		rules: builtinRules(),
	}
}

// EvaluateCommand scores a proposed shell command for a story.
func (e *Evaluator) EvaluateCommand(command string, story *models.StorySpec) Verdict {
	violations := e.matchContent(command, false, map[int]bool{})
	violations = append(violations, e.matchStopConditions(command, story)...)
	return verdictFor(violations)
}

// EvaluateWrite scores a proposed file write: the target path is checked
// against forbidden boundaries, and the content against the rule table.
// Client-side context (path pattern or "use client" directive) tightens
// the secret-exposure rules.
func (e *Evaluator) EvaluateWrite(path, content string, story *models.StorySpec) Verdict {
	var violations []Violation

	if detail, ok := e.pathForbidden(path, story); ok {
		violations = append(violations, Violation{
			Rule:   "boundary-violation",
			Factor: boundaryFactor,
			Detail: detail,
		})
	}

	clientSide := e.isClientSide(path, content)
	fired := map[int]bool{}
	violations = append(violations, e.matchContent(content, clientSide, fired)...)
	if clientSide && !fired[catSecretExposure] {
		if v, ok := e.matchClientEnvAccess(content); ok {
			violations = append(violations, v)
		}
	}
	violations = append(violations, e.matchStopConditions(content, story)...)
	return verdictFor(violations)
}

// matchClientEnvAccess flags the first client-side read of a server-only
// environment variable. Variables with a configured public prefix are
// bundler-safe.
func (e *Evaluator) matchClientEnvAccess(content string) (Violation, bool) {
	for _, m := range clientEnvAccessPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if e.isPublicEnvVar(name) || !secretEnvNamePattern.MatchString(name) {
			continue
		}
		return Violation{
			Rule:   "client-env-exposure",
			Factor: clientSecret,
			Detail: fmt.Sprintf("client-side read of server environment variable %q", name),
		}, true
	}
	return Violation{}, false
}

// matchContent runs the compiled rule table over content, firing at most
// one rule per category. Rules scoped to client-side code only fire when
// clientSide is set, and vice versa for server-only rules. Categories
// fired here are recorded in fired so callers can gate follow-up checks.
func (e *Evaluator) matchContent(content string, clientSide bool, fired map[int]bool) []Violation {
	var violations []Violation
	for _, r := range e.rules {
		if fired[r.Category] {
			continue
		}
		if r.ClientOnly && !clientSide {
			continue
		}
		if r.ServerOnly && clientSide {
			continue
		}
		if v, ok := r.Match(content); ok {
			violations = append(violations, v)
			fired[r.Category] = true
		}
	}
	return violations
}

// matchStopConditions checks content against the story's stop conditions.
// The first match zeroes the score unconditionally.
func (e *Evaluator) matchStopConditions(content string, story *models.StorySpec) []Violation {
	if story == nil {
		return nil
	}
	lower := strings.ToLower(content)
	for _, cond := range story.Safety.StopConditions {
		if cond == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(cond)) {
			return []Violation{{
				Rule:   "stop-condition",
				Factor: 0,
				Detail: fmt.Sprintf("matched stop condition %q", cond),
			}}
		}
	}
	return nil
}

// pathForbidden checks the write path against the story's forbidden globs
// and the globally forbidden paths.
func (e *Evaluator) pathForbidden(path string, story *models.StorySpec) (string, bool) {
	if story != nil {
		for _, pattern := range story.Files.Forbidden {
			if pathMatches(pattern, path) {
				return fmt.Sprintf("path %q matches forbidden pattern %q", path, pattern), true
			}
		}
	}
	for _, pattern := range e.cfg.GlobalForbiddenPaths {
		if pathMatches(pattern, path) {
			return fmt.Sprintf("path %q matches globally forbidden pattern %q", path, pattern), true
		}
	}
	return "", false
}

// isClientSide reports whether a file ships to browsers: either its path
// matches a configured client pattern, or the content carries a framework
// client directive.
func (e *Evaluator) isClientSide(path, content string) bool {
	for _, pattern := range e.cfg.ClientPathPatterns {
		if pathMatches(pattern, path) {
			return true
		}
	}
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, `"use client"`) || strings.Contains(head, `'use client'`)
}

// isPublicEnvVar reports whether an environment variable name is intended
// for client bundles.
func (e *Evaluator) isPublicEnvVar(name string) bool {
	for _, prefix := range e.cfg.PublicEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func pathMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// verdictFor folds violations into a final score and recommendation.
func verdictFor(violations []Violation) Verdict {
	score := 1.0
	for _, v := range violations {
		score *= v.Factor
	}
	rec := RecommendationAllow
	switch {
	case score < BlockThreshold:
		rec = RecommendationBlock
	case score < WarnThreshold:
		rec = RecommendationWarn
	}
	return Verdict{Score: score, Violations: violations, Recommendation: rec}
}
