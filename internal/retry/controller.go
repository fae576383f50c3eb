package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
)

// Action is the outcome of evaluating a failed QA verdict.
type Action string

const (
	ActionRetry         Action = "retry"
	ActionBlockForHuman Action = "block_for_human"
	ActionProceed       Action = "proceed"
)

// Policy is the process-wide retry configuration, loaded once at startup.
type Policy struct {
	MaxAttemptsPerStep int
	MaxAttemptsPerRun  int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BlockingSeverities []judge.Severity
	BlockingSuggestion []judge.SuggestionType
	MinConfidence      float64
	StaleAfter         time.Duration
}

// DefaultPolicy returns the policy used when config does not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttemptsPerStep: 5,
		MaxAttemptsPerRun:  20,
		BackoffBase:        2 * time.Second,
		BackoffCap:         5 * time.Minute,
		BlockingSeverities: []judge.Severity{judge.SeverityCritical},
		BlockingSuggestion: []judge.SuggestionType{judge.SuggestManualReview},
		MinConfidence:      0.5,
		StaleAfter:         30 * time.Minute,
	}
}

// Delta is a bounded regeneration adjustment. Every field comes from the
// closed suggestion vocabulary or the fixed category constraint table;
// PromptConstraints holds complete constraint sentences, never raw judge
// output beyond the single suggestion instruction.
type Delta struct {
	NewSeed           bool     `json:"new_seed"`
	Seed              int64    `json:"seed,omitempty"`
	PromptConstraints []string `json:"prompt_constraints,omitempty"`
	TightenSettings   bool     `json:"tighten_settings,omitempty"`
	InputChange       bool     `json:"input_change,omitempty"`
}

// Decision is the retry controller's answer for one failed attempt.
type Decision struct {
	Action Action        `json:"action"`
	Reason string        `json:"reason"`
	Delta  *Delta        `json:"delta,omitempty"`
	Delay  time.Duration `json:"delay,omitempty"`
}

// Controller evaluates QA verdicts against the retry policy.
type Controller struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewController creates a Controller with the given policy.
func NewController(policy Policy) *Controller {
	return &Controller{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy { return c.policy }

// Evaluate decides what happens after a judged attempt. The checks run in
// strict order; the first blocker wins and its reason is reported.
func (c *Controller) Evaluate(verdict *judge.Verdict, stepState pipeline.RetryState, totalRunAttempts int) Decision {
	if verdict.Pass {
		return Decision{Action: ActionProceed, Reason: "verdict passed"}
	}

	maxPerStep := stepState.MaxAttempts
	if maxPerStep <= 0 {
		maxPerStep = c.policy.MaxAttemptsPerStep
	}

	if !stepState.AutoRetryEnabled {
		return Decision{Action: ActionBlockForHuman, Reason: "auto retry disabled"}
	}
	if stepState.AttemptCount >= maxPerStep {
		return Decision{Action: ActionBlockForHuman, Reason: fmt.Sprintf("step attempt ceiling reached (%d/%d)", stepState.AttemptCount, maxPerStep)}
	}
	if totalRunAttempts >= c.policy.MaxAttemptsPerRun {
		return Decision{Action: ActionBlockForHuman, Reason: fmt.Sprintf("run attempt budget exhausted (%d/%d)", totalRunAttempts, c.policy.MaxAttemptsPerRun)}
	}
	if verdict.HasSeverity(c.policy.BlockingSeverities) {
		return Decision{Action: ActionBlockForHuman, Reason: fmt.Sprintf("blocking severity %s", verdict.MaxSeverity())}
	}
	if verdict.RetrySuggestion != nil && c.blockingSuggestion(verdict.RetrySuggestion.Type) {
		return Decision{Action: ActionBlockForHuman, Reason: fmt.Sprintf("suggestion %s requires a human", verdict.RetrySuggestion.Type)}
	}
	if verdict.Confidence < c.policy.MinConfidence {
		return Decision{Action: ActionBlockForHuman, Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", verdict.Confidence, c.policy.MinConfidence)}
	}

	nextAttempt := stepState.AttemptCount + 1
	return Decision{
		Action: ActionRetry,
		Reason: "eligible for automatic retry",
		Delta:  c.BuildDelta(verdict),
		Delay:  c.Backoff(nextAttempt),
	}
}

func (c *Controller) blockingSuggestion(t judge.SuggestionType) bool {
	for _, b := range c.policy.BlockingSuggestion {
		if t == b {
			return true
		}
	}
	return false
}

// BuildDelta maps the verdict's retry suggestion onto the closed adjustment
// vocabulary and appends the fixed constraint sentence for each issue
// category. Unrecognized suggestion types degrade to a fresh seed with no
// prompt change.
func (c *Controller) BuildDelta(verdict *judge.Verdict) *Delta {
	d := &Delta{PromptConstraints: judge.ConstraintsFor(verdict)}

	sugType := judge.SuggestionType("")
	instruction := ""
	if verdict.RetrySuggestion != nil {
		sugType = verdict.RetrySuggestion.Type
		instruction = verdict.RetrySuggestion.Instruction
	}

	switch sugType {
	case judge.SuggestPromptDelta:
		if instruction != "" {
			d.PromptConstraints = append(d.PromptConstraints, fmt.Sprintf("Constraint: %s", instruction))
		}
	case judge.SuggestSettingsDelta:
		d.TightenSettings = true
	case judge.SuggestSeedChange:
		d.NewSeed = true
		d.Seed = c.drawSeed()
	case judge.SuggestInputChange:
		d.InputChange = true
	default:
		d.NewSeed = true
		d.Seed = c.drawSeed()
	}

	return d
}

// Backoff returns the delay before the given attempt number:
// base * 2^(attempt-1), capped at the policy maximum.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.policy.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.policy.BackoffCap {
			return c.policy.BackoffCap
		}
	}
	if delay > c.policy.BackoffCap {
		delay = c.policy.BackoffCap
	}
	return delay
}

func (c *Controller) drawSeed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Int63()
}

// BudgetExhaustedError reports that a manual retry was requested after the
// step or run attempt ceiling was already reached.
type BudgetExhaustedError struct {
	RunID string
	Step  int
	Used  int
	Max   int
	Scope string // "step" or "run"
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("run %s step %d: %s attempt budget exhausted (%d/%d)", e.RunID, e.Step, e.Scope, e.Used, e.Max)
}
