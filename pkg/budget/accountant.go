// Package budget tracks token and dollar spend for a session and its
// stories against configured caps. Threshold crossings are one-shot: each
// fraction of the session cap is reported exactly once, no matter how
// many charges land past it.
package budget

import (
	"math"
	"slices"
	"sync"

	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
)

// Thresholds are the session-cap fractions that trigger a signal when
// first reached. Reaching a boundary exactly counts as crossing it.
var Thresholds = []float64{0.50, 0.75, 0.90, 1.00}

// Usage accumulates tokens and cost.
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Tokens returns total tokens in both directions.
func (u Usage) Tokens() int64 {
	return u.TokensIn + u.TokensOut
}

func (u *Usage) add(in, out int64, cost float64) {
	u.TokensIn += in
	u.TokensOut += out
	u.CostUSD += cost
}

// Charge is the result of recording one worker turn.
type Charge struct {
	CostUSD         float64   // cost of this turn
	SessionFraction float64   // worst-case fraction of session caps after the charge
	Crossed         []float64 // thresholds newly reached by this charge, ascending
	StoryOverBudget bool      // the story exceeded its own token or cost cap
	SessionExceeded bool      // the session reached or passed 100% of a cap
}

// Ledger is the accountant's serializable state, persisted in
// checkpoints and restored on recovery.
type Ledger struct {
	Session Usage            `json:"session"`
	Stories map[string]Usage `json:"stories"`
	Crossed []float64        `json:"crossed"`
}

// Accountant applies the model rate table and enforces session and story
// caps. Safe for concurrent use.
type Accountant struct {
	mu      sync.Mutex
	cfg     *config.BudgetConfig
	session Usage
	stories map[string]Usage
	crossed map[float64]bool
}

// NewAccountant returns an empty accountant for the given caps and rates.
func NewAccountant(cfg *config.BudgetConfig) *Accountant {
	return &Accountant{
		cfg:     cfg,
		stories: make(map[string]Usage),
		crossed: make(map[float64]bool),
	}
}

// Restore rebuilds an accountant from a checkpointed ledger. Previously
// crossed thresholds stay crossed and will not re-signal after recovery.
func Restore(cfg *config.BudgetConfig, ledger Ledger) *Accountant {
	a := NewAccountant(cfg)
	a.session = ledger.Session
	for id, u := range ledger.Stories {
		a.stories[id] = u
	}
	for _, t := range ledger.Crossed {
		a.crossed[t] = true
	}
	return a
}

// Cost prices a turn using the rate table. Models without a configured
// rate cost zero; configuration validation rejects such models up front.
func (a *Accountant) Cost(model string, tokensIn, tokensOut int64) float64 {
	rate, ok := a.cfg.Rates[model]
	if !ok {
		return 0
	}
	return float64(tokensIn)*rate.InputPerToken + float64(tokensOut)*rate.OutputPerToken
}

// Record charges one worker turn against the session and the story, and
// reports any thresholds newly reached.
func (a *Accountant) Record(story *models.StorySpec, model string, tokensIn, tokensOut int64) Charge {
	cost := a.Cost(model, tokensIn, tokensOut)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.session.add(tokensIn, tokensOut, cost)
	su := a.stories[story.ID]
	su.add(tokensIn, tokensOut, cost)
	a.stories[story.ID] = su

	fraction := a.sessionFractionLocked()
	ch := Charge{
		CostUSD:         cost,
		SessionFraction: fraction,
		SessionExceeded: fraction >= 1.0,
	}
	for _, t := range Thresholds {
		if fraction >= t && !a.crossed[t] {
			a.crossed[t] = true
			ch.Crossed = append(ch.Crossed, t)
		}
	}

	if story.Thresholds.MaxTokens > 0 && su.Tokens() >= story.Thresholds.MaxTokens {
		ch.StoryOverBudget = true
	}
	if story.Thresholds.MaxCostUSD > 0 && su.CostUSD >= story.Thresholds.MaxCostUSD {
		ch.StoryOverBudget = true
	}
	return ch
}

// SessionUsage returns the accumulated session spend.
func (a *Accountant) SessionUsage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// StoryUsage returns the accumulated spend for one story.
func (a *Accountant) StoryUsage(storyID string) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stories[storyID]
}

// SessionFraction returns the worst-case fraction of the session caps.
func (a *Accountant) SessionFraction() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionFractionLocked()
}

func (a *Accountant) sessionFractionLocked() float64 {
	var tokenFrac, costFrac float64
	if a.cfg.MaxTokens > 0 {
		tokenFrac = float64(a.session.Tokens()) / float64(a.cfg.MaxTokens)
	}
	if a.cfg.MaxCostUSD > 0 {
		costFrac = a.session.CostUSD / a.cfg.MaxCostUSD
	}
	return math.Max(tokenFrac, costFrac)
}

// Snapshot returns the serializable ledger for checkpointing.
func (a *Accountant) Snapshot() Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()

	ledger := Ledger{
		Session: a.session,
		Stories: make(map[string]Usage, len(a.stories)),
	}
	for id, u := range a.stories {
		ledger.Stories[id] = u
	}
	for t := range a.crossed {
		ledger.Crossed = append(ledger.Crossed, t)
	}
	slices.Sort(ledger.Crossed)
	return ledger
}

// SessionSnapshot returns the API-facing budget view.
func (a *Accountant) SessionSnapshot() models.BudgetSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.BudgetSnapshot{
		TokensIn:   a.session.TokensIn,
		TokensOut:  a.session.TokensOut,
		CostUSD:    a.session.CostUSD,
		CapTokens:  a.cfg.MaxTokens,
		CapCostUSD: a.cfg.MaxCostUSD,
		Fraction:   a.sessionFractionLocked(),
	}
}
