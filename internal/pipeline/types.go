package pipeline

import "encoding/json"

// PipelineRun is the top-level persisted state for a single generation run.
// StepOutputs and StepRetry are keyed by step index; workers patch them
// per-key under the store's run lock rather than overwriting the whole row.
type PipelineRun struct {
	ID          string             `json:"id"`
	SourceImage string             `json:"source_image"`
	Phase       Phase              `json:"phase"`
	CurrentStep int                `json:"current_step"`
	StepOutputs map[int]StepOutput `json:"step_outputs"`
	StepRetry   map[int]RetryState `json:"step_retry_state"`
	ResetEpoch  int64              `json:"reset_epoch"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

// StepOutput holds the result of a completed step.
type StepOutput struct {
	ArtifactRef string `json:"artifact_ref"`
	Approved    bool   `json:"approved"`
	ApprovedAt  string `json:"approved_at,omitempty"`
}

// RetryState tracks per-step retry bookkeeping for a run.
type RetryState struct {
	AttemptCount     int             `json:"attempt_count"`
	MaxAttempts      int             `json:"max_attempts"`
	AutoRetryEnabled bool            `json:"auto_retry_enabled"`
	LastQAResult     json.RawMessage `json:"last_qa_result,omitempty"`
	LastRetryDelta   json.RawMessage `json:"last_retry_delta,omitempty"`
	Status           string          `json:"status"` // "idle", "retrying", "blocked_for_human", "exhausted"
}

// TotalAttempts sums attempt counts across all steps of a run.
func (r *PipelineRun) TotalAttempts() int {
	total := 0
	for _, st := range r.StepRetry {
		total += st.AttemptCount
	}
	return total
}

// RetryStateFor returns the retry state for a step, zero-valued if absent.
func (r *PipelineRun) RetryStateFor(step int) RetryState {
	if r.StepRetry == nil {
		return RetryState{}
	}
	return r.StepRetry[step]
}
