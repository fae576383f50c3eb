package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/panoforge/panoforge/internal/artifact"
	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/gen"
	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
	"github.com/panoforge/panoforge/internal/prompt"
	"github.com/panoforge/panoforge/internal/retry"
)

// worker runs the generate→judge→decide→persist sequence for one asset as
// an independent background task. It captures the run's reset epoch at
// dispatch and fences every result write against it: a mismatch means the
// run was restarted mid-flight and the result is discarded.
type worker struct {
	o         *Orchestrator
	asset     *db.Asset
	anchorRef string
	epoch     int64
}

// maxTransientRetries bounds the local retry loop around a flapping
// generation service within a single attempt.
const maxTransientRetries = 3

func (w *worker) run(ctx context.Context) {
	o := w.o
	log := o.logger.With("asset", w.asset.ID, "run", w.asset.RunID,
		"step", pipeline.StepName(w.asset.Step), "kind", string(w.asset.Kind))

	for {
		run, err := o.store.Get(w.asset.RunID)
		if err != nil {
			log.Error("load run", "err", err)
			return
		}
		if run.ResetEpoch != w.epoch {
			log.Info("run restarted underneath worker, discarding", "captured", w.epoch, "current", run.ResetEpoch)
			return
		}

		// Re-resolve the anchor before every Opposite attempt; a Primary
		// retried since dispatch invalidates the captured reference.
		if w.asset.Kind == db.KindOpposite {
			anchor, err := o.guard.Gate().ResolveAnchor(w.asset.SpaceID, w.anchorRef)
			if err != nil {
				w.block(log, fmt.Sprintf("anchor lost before attempt: %v", err))
				return
			}
			w.anchorRef = anchor
		}

		_ = o.db.UpdateAssetStatus(w.asset.ID, db.StatusGenerating)
		_ = o.db.UpdateSpaceKindStatus(w.asset.SpaceID, w.asset.Kind, db.StatusGenerating)
		_ = o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "generating", w.asset.Step, "")

		delta := w.loadDelta(run)
		attemptIdx := run.RetryStateFor(w.asset.Step).AttemptCount + 1
		req, err := w.buildRequest(run, delta)
		if err != nil {
			w.fail(log, fmt.Sprintf("build request: %v", err))
			return
		}

		result, genErr := w.generateWithRetry(ctx, req)
		if genErr != nil {
			w.persistGenerationFailure(log, req, attemptIdx, genErr)
			return
		}

		key := artifact.Key(w.asset.RunID, w.asset.Step, w.asset.ID, attemptIdx)
		ref, err := o.artifacts.Put(ctx, key, result.Artifact)
		if err != nil {
			log.Error("persist artifact", "err", err)
			w.fail(log, fmt.Sprintf("persist artifact: %v", err))
			return
		}

		verdict := w.judgeArtifact(ctx, log, ref)
		decision := o.ctrl.Evaluate(verdict, bumped(run.RetryStateFor(w.asset.Step), o.ctrl.Policy()), run.TotalAttempts()+1)

		if !w.persistOutcome(log, req, attemptIdx, result, ref, verdict, decision) {
			return // stale epoch, result discarded
		}

		switch decision.Action {
		case retry.ActionProceed:
			log.Info("attempt passed QA", "attempt", attemptIdx, "score", verdict.Score)
			return
		case retry.ActionBlockForHuman:
			log.Info("attempt blocked for human", "attempt", attemptIdx, "reason", decision.Reason)
			return
		case retry.ActionRetry:
			log.Info("attempt failed, retrying", "attempt", attemptIdx, "delay", decision.Delay)
			if !w.sleepBeforeRetry(ctx, log, decision.Delay) {
				return
			}
		}
	}
}

// bumped returns the step retry state as it will read after the current
// attempt is recorded, which is the state the eligibility rules judge.
func bumped(st pipeline.RetryState, policy retry.Policy) pipeline.RetryState {
	if st.MaxAttempts == 0 {
		st.MaxAttempts = policy.MaxAttemptsPerStep
		st.AutoRetryEnabled = true
	}
	st.AttemptCount++
	return st
}

func (w *worker) loadDelta(run *pipeline.PipelineRun) *retry.Delta {
	st := run.RetryStateFor(w.asset.Step)
	if len(st.LastRetryDelta) == 0 {
		return &retry.Delta{}
	}
	var d retry.Delta
	if err := json.Unmarshal(st.LastRetryDelta, &d); err != nil {
		return &retry.Delta{}
	}
	return &d
}

// buildRequest renders the step prompt and folds in the latest retry
// delta. Constraint sentences come from the closed lookup only; free
// judge text never reaches the prompt.
func (w *worker) buildRequest(run *pipeline.PipelineRun, delta *retry.Delta) (*gen.Request, error) {
	vars := prompt.Vars{
		"source_ref": run.SourceImage,
		"anchor_ref": w.anchorRef,
		"kind":       string(w.asset.Kind),
		"space_name": "",
	}
	if sp, err := w.o.db.GetSpace(w.asset.SpaceID); err == nil && sp != nil {
		vars["space_name"] = sp.Name
	}

	text, err := prompt.ForStep(w.asset.Step, vars, delta.PromptConstraints)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	req := &gen.Request{
		AssetID:     w.asset.ID,
		Step:        pipeline.StepName(w.asset.Step),
		Prompt:      text,
		Constraints: delta.PromptConstraints,
		SourceRef:   run.SourceImage,
		AnchorRef:   w.anchorRef,
		Temperature: 0.7,
	}
	if delta.NewSeed {
		req.Seed = delta.Seed
	}
	if delta.TightenSettings {
		req.Temperature = 0.3
	}
	return req, nil
}

func (w *worker) generateWithRetry(ctx context.Context, req *gen.Request) (*gen.Result, error) {
	var lastErr error
	for i := 0; i < maxTransientRetries; i++ {
		callCtx, cancel := context.WithTimeout(ctx, w.o.callTimeout)
		result, err := w.o.generator.Generate(callCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var se *gen.ServiceError
		if !errors.As(err, &se) || !se.Retryable {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(1<<i) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (w *worker) judgeArtifact(ctx context.Context, log *slog.Logger, ref string) *judge.Verdict {
	req := &judge.Request{
		AssetID:     w.asset.ID,
		ArtifactRef: ref,
		Step:        pipeline.StepName(w.asset.Step),
		Kind:        string(w.asset.Kind),
		AnchorRef:   w.anchorRef,
	}
	if w.o.calib != nil {
		if hint, err := w.o.calib.Hint(w.asset.Step); err == nil {
			req.CalibrationHint = hint
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.o.callTimeout)
	defer cancel()
	verdict, err := w.o.judge.Evaluate(callCtx, req)
	if err != nil {
		var pe *judge.ParseError
		if errors.As(err, &pe) && verdict != nil {
			// Malformed judge output: the fallback fail verdict is recorded.
			log.Warn("judge output unusable", "err", err)
			return verdict
		}
		log.Warn("judge unavailable", "err", err)
		return judge.Fallback(fmt.Sprintf("judge unavailable: %v", err))
	}
	return verdict
}

// persistOutcome writes the attempt record, run retry state and asset
// outcome. The run update is epoch-fenced; on a stale epoch nothing is
// written and false is returned.
func (w *worker) persistOutcome(log *slog.Logger, req *gen.Request, attemptIdx int, result *gen.Result, ref string, verdict *judge.Verdict, decision retry.Decision) bool {
	o := w.o
	verdictJSON, _ := json.Marshal(verdict)
	deltaJSON, _ := json.Marshal(decision.Delta)

	err := o.store.UpdateIfEpoch(w.asset.RunID, w.epoch, func(run *pipeline.PipelineRun) {
		st := bumped(run.RetryStateFor(w.asset.Step), o.ctrl.Policy())
		st.LastQAResult = verdictJSON
		if decision.Delta != nil {
			st.LastRetryDelta = deltaJSON
		}
		switch decision.Action {
		case retry.ActionProceed:
			st.Status = "idle"
		case retry.ActionRetry:
			st.Status = "retrying"
		case retry.ActionBlockForHuman:
			st.Status = "blocked_for_human"
		}
		run.StepRetry[w.asset.Step] = st
	})
	if errors.Is(err, pipeline.ErrStaleEpoch) {
		log.Info("stale epoch at final write, result discarded")
		return false
	}
	if err != nil {
		log.Error("persist run state", "err", err)
		return false
	}

	paramsJSON, _ := json.Marshal(map[string]any{
		"seed": req.Seed, "temperature": req.Temperature, "constraints": req.Constraints,
	})
	attempt := &db.Attempt{
		ID:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		AssetID:     w.asset.ID,
		RunID:       w.asset.RunID,
		Idx:         attemptIdx,
		Prompt:      req.Prompt,
		Params:      string(paramsJSON),
		Model:       result.Model,
		ArtifactRef: ref,
		Verdict:     string(verdictJSON),
	}
	if err := o.db.AppendAttempt(attempt); err != nil {
		log.Error("append attempt", "err", err)
		return false
	}

	qaStatus := "fail"
	if verdict.Pass {
		qaStatus = "pass"
	}

	switch decision.Action {
	case retry.ActionProceed:
		_ = o.db.RecordAssetResult(w.asset.ID, db.StatusNeedsReview, ref, qaStatus, string(verdictJSON))
		_ = o.db.UpdateSpaceKindStatus(w.asset.SpaceID, w.asset.Kind, db.StatusNeedsReview)
		_ = o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "judged_pass", w.asset.Step, decision.Reason)
	case retry.ActionBlockForHuman:
		_ = o.db.RecordAssetResult(w.asset.ID, db.StatusBlocked, ref, qaStatus, string(verdictJSON))
		_ = o.db.SetAssetBlocked(w.asset.ID, decision.Reason)
		_ = o.db.UpdateSpaceKindStatus(w.asset.SpaceID, w.asset.Kind, db.StatusBlocked)
		_ = o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "blocked", w.asset.Step, decision.Reason)
	case retry.ActionRetry:
		_ = o.db.RecordAssetResult(w.asset.ID, db.StatusGenerating, ref, qaStatus, string(verdictJSON))
		_ = o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "judged_fail", w.asset.Step, decision.Reason)
	}
	return true
}

// sleepBeforeRetry waits out the backoff delay, then re-checks that
// automatic retry is still wanted and the run was not restarted.
func (w *worker) sleepBeforeRetry(ctx context.Context, log *slog.Logger, delay time.Duration) bool {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}

	run, err := w.o.store.Get(w.asset.RunID)
	if err != nil {
		return false
	}
	if run.ResetEpoch != w.epoch {
		log.Info("run restarted during backoff, discarding")
		return false
	}
	if !run.RetryStateFor(w.asset.Step).AutoRetryEnabled {
		log.Info("auto retry disabled during backoff")
		w.block(log, "auto retry disabled")
		return false
	}
	return true
}

func (w *worker) block(log *slog.Logger, reason string) {
	if !w.epochStillValid() {
		return
	}
	log.Info("asset blocked", "reason", reason)
	_ = w.o.db.SetAssetBlocked(w.asset.ID, reason)
	_ = w.o.db.UpdateSpaceKindStatus(w.asset.SpaceID, w.asset.Kind, db.StatusBlocked)
	_ = w.o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "blocked", w.asset.Step, reason)
}

func (w *worker) fail(log *slog.Logger, reason string) {
	if !w.epochStillValid() {
		return
	}
	log.Info("asset failed", "reason", reason)
	_ = w.o.db.UpdateAssetStatus(w.asset.ID, db.StatusFailed)
	_ = w.o.db.UpdateSpaceKindStatus(w.asset.SpaceID, w.asset.Kind, db.StatusFailed)
	_ = w.o.db.LogAssetEvent(w.asset.RunID, w.asset.ID, "failed", w.asset.Step, reason)
}

// persistGenerationFailure records an attempt that never produced an
// artifact: the upstream call failed fatally or exhausted its transient
// retries.
func (w *worker) persistGenerationFailure(log *slog.Logger, req *gen.Request, attemptIdx int, genErr error) {
	o := w.o

	err := o.store.UpdateIfEpoch(w.asset.RunID, w.epoch, func(run *pipeline.PipelineRun) {
		st := bumped(run.RetryStateFor(w.asset.Step), o.ctrl.Policy())
		st.Status = "blocked_for_human"
		run.StepRetry[w.asset.Step] = st
	})
	if errors.Is(err, pipeline.ErrStaleEpoch) {
		log.Info("stale epoch after generation failure, result discarded")
		return
	}
	if err != nil {
		log.Error("persist run state", "err", err)
		return
	}

	paramsJSON, _ := json.Marshal(map[string]any{"seed": req.Seed, "temperature": req.Temperature})
	attempt := &db.Attempt{
		ID:      ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		AssetID: w.asset.ID,
		RunID:   w.asset.RunID,
		Idx:     attemptIdx,
		Prompt:  req.Prompt,
		Params:  string(paramsJSON),
	}
	if err := o.db.AppendAttempt(attempt); err != nil {
		log.Error("append attempt", "err", err)
	}

	w.fail(log, fmt.Sprintf("generation failed: %v", genErr))
	log.Error("generation failed", "attempt", attemptIdx, "err", genErr)
}

func (w *worker) epochStillValid() bool {
	run, err := w.o.store.Get(w.asset.RunID)
	if err != nil {
		return false
	}
	return run.ResetEpoch == w.epoch
}
