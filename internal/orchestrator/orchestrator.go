// Package orchestrator composes run lifecycle operations: admission into
// generation, the background generate→judge→decide loop, batch fan-out
// across spaces, and the caller-facing retry and restart surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panoforge/panoforge/internal/artifact"
	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/gen"
	"github.com/panoforge/panoforge/internal/guard"
	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
	"github.com/panoforge/panoforge/internal/retry"
)

// Generator is the generation service surface the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, req *gen.Request) (*gen.Result, error)
}

// Judge is the QA judge surface the orchestrator needs.
type Judge interface {
	Evaluate(ctx context.Context, req *judge.Request) (*judge.Verdict, error)
}

// Calibrator produces the opaque calibration hint forwarded to the judge.
type Calibrator interface {
	Hint(step int) (json.RawMessage, error)
}

// Orchestrator wires the guard, retry controller, clients and stores.
type Orchestrator struct {
	store     *pipeline.Store
	db        *db.DB
	machine   *pipeline.Machine
	guard     *guard.Guard
	ctrl      *retry.Controller
	generator Generator
	judge     Judge
	artifacts artifact.Store
	calib     Calibrator
	logger    *slog.Logger

	callTimeout   time.Duration
	pollInterval  time.Duration
	autoStart     map[int]bool
	maxCandidates map[int]int

	wg sync.WaitGroup
}

// Options configures optional orchestrator behavior.
type Options struct {
	Calibrator    Calibrator
	Logger        *slog.Logger
	CallTimeout   time.Duration // per external call; defaults to 2m
	PollInterval  time.Duration // batch terminal-state polling; defaults to 2s
	AutoStart     map[int]bool  // steps whose restart re-triggers generation
	MaxCandidates map[int]int   // per-step space caps; absent means unlimited
}

// New creates an Orchestrator.
func New(
	store *pipeline.Store,
	database *db.DB,
	machine *pipeline.Machine,
	g *guard.Guard,
	ctrl *retry.Controller,
	generator Generator,
	qaJudge Judge,
	artifacts artifact.Store,
	opts Options,
) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Orchestrator{
		store:         store,
		db:            database,
		machine:       machine,
		guard:         g,
		ctrl:          ctrl,
		generator:     generator,
		judge:         qaJudge,
		artifacts:     artifacts,
		calib:         opts.Calibrator,
		logger:        logger,
		callTimeout:   callTimeout,
		pollInterval:  pollInterval,
		autoStart:     opts.AutoStart,
		maxCandidates: opts.MaxCandidates,
	}
}

// Wait blocks until all spawned workers finish. Used by tests and shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// CreateRun creates a new pipeline run from a source image reference.
func (o *Orchestrator) CreateRun(sourceImage string) (*pipeline.PipelineRun, error) {
	if sourceImage == "" {
		return nil, fmt.Errorf("source image reference is required")
	}
	run, err := o.store.Create(uuid.NewString(), sourceImage)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	_ = o.db.LogRunEvent(run.ID, "created", pipeline.StepGeometry, sourceImage)
	return run, nil
}

// CreateSpaces registers detected spaces for a run and creates the paired
// Primary/Opposite view assets for each. Steps configured with a candidate
// cap refuse registrations past it.
func (o *Orchestrator) CreateSpaces(runID string, step int, names []string) ([]db.Space, error) {
	if !pipeline.ValidStep(step) {
		return nil, fmt.Errorf("invalid step %d", step)
	}
	if _, err := o.store.Get(runID); err != nil {
		return nil, err
	}
	if limit, ok := o.maxCandidates[step]; ok {
		existing, err := o.db.ListSpaces(runID, step)
		if err != nil {
			return nil, err
		}
		if len(existing)+len(names) > limit {
			return nil, fmt.Errorf("step %s allows at most %d spaces, already has %d and %d more requested",
				pipeline.StepName(step), limit, len(existing), len(names))
		}
	}

	var spaces []db.Space
	for _, name := range names {
		sp := db.Space{ID: uuid.NewString(), RunID: runID, Step: step, Name: name}
		if err := o.db.CreateSpace(&sp); err != nil {
			return nil, err
		}
		for _, kind := range []db.Kind{db.KindPrimary, db.KindOpposite} {
			a := db.Asset{ID: uuid.NewString(), SpaceID: sp.ID, RunID: runID, Step: step, Kind: kind}
			if err := o.db.CreateAsset(&a); err != nil {
				return nil, err
			}
		}
		spaces = append(spaces, sp)
	}
	_ = o.db.LogRunEvent(runID, "spaces_created", step, fmt.Sprintf("count=%d", len(names)))
	return spaces, nil
}

// StartResult describes the outcome of a StartGeneration call.
type StartResult struct {
	Accepted bool      `json:"accepted"`
	AssetID  string    `json:"asset_id"`
	Status   db.Status `json:"status"`
}

// StartGeneration admits an asset into generation and dispatches the
// background worker. The call returns as soon as the work is enqueued.
//
// A duplicate trigger on an in-flight asset is a no-op returning the
// existing handle. An Opposite asset without a usable Primary anchor is
// moved to blocked and the DependencyNotReadyError surfaces to the caller.
func (o *Orchestrator) StartGeneration(assetID string, anchorHint string) (*StartResult, error) {
	adm, err := o.guard.Admit(assetID, anchorHint)

	var depErr *guard.DependencyNotReadyError
	if errors.As(err, &depErr) {
		if berr := o.db.SetAssetBlocked(assetID, depErr.Reason); berr != nil {
			return nil, fmt.Errorf("block asset: %w (after %v)", berr, err)
		}
		if a, gerr := o.db.GetAsset(assetID); gerr == nil && a != nil {
			_ = o.db.LogAssetEvent(a.RunID, assetID, "blocked", a.Step, depErr.Reason)
			_ = o.db.UpdateSpaceKindStatus(a.SpaceID, a.Kind, db.StatusBlocked)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if adm.AlreadyInFlight {
		return &StartResult{Accepted: false, AssetID: adm.Asset.ID, Status: adm.Asset.Status}, nil
	}

	run, err := o.store.Get(adm.Asset.RunID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	_ = o.db.LogAssetEvent(run.ID, adm.Asset.ID, "queued", adm.Asset.Step, "")
	_ = o.db.UpdateSpaceKindStatus(adm.Asset.SpaceID, adm.Asset.Kind, db.StatusQueued)

	w := &worker{
		o:         o,
		asset:     adm.Asset,
		anchorRef: adm.AnchorRef,
		epoch:     run.ResetEpoch,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.run(context.Background())
	}()

	return &StartResult{Accepted: true, AssetID: adm.Asset.ID, Status: db.StatusQueued}, nil
}

// QAOutcome is the caller-facing result of EvaluateQA.
type QAOutcome struct {
	Decision     retry.Action `json:"decision"`
	Reason       string       `json:"reason"`
	RetryDelta   *retry.Delta `json:"retry_delta,omitempty"`
	DelaySeconds float64      `json:"delay_seconds,omitempty"`
}

// EvaluateQA validates a verdict for a run step and reports the retry
// decision without dispatching any work. The verdict snapshot and the
// decision land in the run's retry state.
func (o *Orchestrator) EvaluateQA(runID string, step int, raw []byte) (*QAOutcome, error) {
	if !pipeline.ValidStep(step) {
		return nil, fmt.Errorf("invalid step %d", step)
	}
	run, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}

	verdict, perr := judge.Parse(raw)
	if perr != nil {
		// Recorded as fail + needs_human; the parse failure still surfaces.
		o.recordQAResult(runID, step, verdict, nil)
		return nil, perr
	}

	decision := o.ctrl.Evaluate(verdict, run.RetryStateFor(step), run.TotalAttempts())
	o.recordQAResult(runID, step, verdict, &decision)

	out := &QAOutcome{Decision: decision.Action, Reason: decision.Reason, RetryDelta: decision.Delta}
	if decision.Delay > 0 {
		out.DelaySeconds = decision.Delay.Seconds()
	}
	return out, nil
}

func (o *Orchestrator) recordQAResult(runID string, step int, verdict *judge.Verdict, decision *retry.Decision) {
	verdictJSON, _ := json.Marshal(verdict)
	_ = o.store.Update(runID, func(run *pipeline.PipelineRun) {
		st := run.StepRetry[step]
		if st.MaxAttempts == 0 {
			st.MaxAttempts = o.ctrl.Policy().MaxAttemptsPerStep
			st.AutoRetryEnabled = true
		}
		st.LastQAResult = verdictJSON
		if decision != nil {
			if decision.Delta != nil {
				st.LastRetryDelta, _ = json.Marshal(decision.Delta)
			}
			switch decision.Action {
			case retry.ActionBlockForHuman:
				st.Status = "blocked_for_human"
			case retry.ActionRetry:
				st.Status = "retrying"
			case retry.ActionProceed:
				st.Status = "idle"
			}
		} else {
			st.Status = "blocked_for_human"
		}
		run.StepRetry[step] = st
	})
}

// ExecuteRetry re-triggers generation for every retriable asset of a step.
// It fails with BudgetExhaustedError when the step or run ceiling is
// already spent; resuming past that point requires RestartStep or a raised
// policy, an explicit human action either way.
func (o *Orchestrator) ExecuteRetry(runID string, step int) (int, error) {
	run, err := o.store.Get(runID)
	if err != nil {
		return 0, err
	}

	st := run.RetryStateFor(step)
	maxPerStep := st.MaxAttempts
	if maxPerStep <= 0 {
		maxPerStep = o.ctrl.Policy().MaxAttemptsPerStep
	}
	if st.AttemptCount >= maxPerStep {
		return 0, &retry.BudgetExhaustedError{RunID: runID, Step: step, Used: st.AttemptCount, Max: maxPerStep, Scope: "step"}
	}
	if total := run.TotalAttempts(); total >= o.ctrl.Policy().MaxAttemptsPerRun {
		return 0, &retry.BudgetExhaustedError{RunID: runID, Step: step, Used: total, Max: o.ctrl.Policy().MaxAttemptsPerRun, Scope: "run"}
	}

	assets, err := o.db.ListAssets(runID, step)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range assets {
		a := &assets[i]
		if a.Status == db.StatusLockedApproved || a.Status.InFlight() {
			continue
		}
		if _, err := o.StartGeneration(a.ID, ""); err != nil {
			var depErr *guard.DependencyNotReadyError
			if errors.As(err, &depErr) {
				continue // opposite stays blocked until its primary resolves
			}
			return 0, err
		}
		started++
	}
	if started == 0 {
		return 0, fmt.Errorf("run %s step %d: no retriable assets", runID, step)
	}

	_ = o.db.LogRunEvent(runID, "retry_executed", step, fmt.Sprintf("assets=%d", started))
	return st.AttemptCount + 1, nil
}

// StopAutoRetry disables scheduling of the next automatic attempt for a
// step. An attempt already in flight is unaffected.
func (o *Orchestrator) StopAutoRetry(runID string, step int) error {
	return o.setAutoRetry(runID, step, false)
}

// EnableAutoRetry re-enables automatic retry scheduling for a step.
func (o *Orchestrator) EnableAutoRetry(runID string, step int) error {
	return o.setAutoRetry(runID, step, true)
}

func (o *Orchestrator) setAutoRetry(runID string, step int, enabled bool) error {
	if !pipeline.ValidStep(step) {
		return fmt.Errorf("invalid step %d", step)
	}
	err := o.store.Update(runID, func(run *pipeline.PipelineRun) {
		st := run.StepRetry[step]
		if st.MaxAttempts == 0 {
			st.MaxAttempts = o.ctrl.Policy().MaxAttemptsPerStep
		}
		st.AutoRetryEnabled = enabled
		run.StepRetry[step] = st
	})
	if err != nil {
		return err
	}
	_ = o.db.LogRunEvent(runID, "auto_retry_toggled", step, fmt.Sprintf("enabled=%t", enabled))
	return nil
}

// RestartStep cascades deletion of all downstream state from step onward
// and resets the run to that step's pending phase. In-flight workers from
// before the restart fence out on their stale epoch.
//
// For steps configured with auto-start, the spaces that existed before
// the cascade are recreated and Primary generation retriggers at once
// under the new epoch. Opposites stay pending until their anchors
// resolve; the next RunStep drives them.
func (o *Orchestrator) RestartStep(runID string, step int) error {
	var names []string
	if o.autoStart[step] {
		spaces, err := o.db.ListSpaces(runID, step)
		if err != nil {
			return err
		}
		for _, sp := range spaces {
			names = append(names, sp.Name)
		}
	}

	if err := o.machine.Restart(runID, step); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	spaces, err := o.CreateSpaces(runID, step, names)
	if err != nil {
		return fmt.Errorf("recreate spaces: %w", err)
	}
	for i := range spaces {
		p, err := o.db.SpaceAsset(spaces[i].ID, db.KindPrimary)
		if err != nil {
			return err
		}
		if _, err := o.StartGeneration(p.ID, ""); err != nil {
			return fmt.Errorf("auto-start %s: %w", spaces[i].Name, err)
		}
	}
	_ = o.db.LogRunEvent(runID, "auto_started", step, fmt.Sprintf("spaces=%d", len(spaces)))
	return nil
}

// RollbackStep moves the run back to a step's review phase without
// deleting anything.
func (o *Orchestrator) RollbackStep(runID string, step int) error {
	return o.machine.Rollback(runID, step)
}

// Approve locks an asset as approved; locked assets are immutable and no
// further generation is permitted for them. The approved output becomes
// the step's recorded output in the run state, where downstream steps
// and the status surfaces read it.
func (o *Orchestrator) Approve(assetID string) error {
	a, err := o.db.GetAsset(assetID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("asset %s not found", assetID)
	}
	if err := o.db.LockAsset(assetID); err != nil {
		return err
	}
	_ = o.db.UpdateSpaceKindStatus(a.SpaceID, a.Kind, db.StatusLockedApproved)
	_ = o.db.LogAssetEvent(a.RunID, assetID, "approved", a.Step, "")
	return o.store.Update(a.RunID, func(run *pipeline.PipelineRun) {
		if run.StepOutputs == nil {
			run.StepOutputs = map[int]pipeline.StepOutput{}
		}
		run.StepOutputs[a.Step] = pipeline.StepOutput{
			ArtifactRef: a.OutputRef,
			Approved:    true,
			ApprovedAt:  time.Now().UTC().Format(time.RFC3339),
		}
	})
}

// StatusInfo is the combined run status from the JSON store and SQLite.
type StatusInfo struct {
	Run    *pipeline.PipelineRun `json:"run"`
	Spaces []db.Space            `json:"spaces,omitempty"`
	Assets []db.Asset            `json:"assets,omitempty"`
}

// Status returns the combined status for a run at its current step.
func (o *Orchestrator) Status(runID string) (*StatusInfo, error) {
	run, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	spaces, err := o.db.ListSpaces(runID, run.CurrentStep)
	if err != nil {
		return nil, err
	}
	assets, err := o.db.ListAssets(runID, run.CurrentStep)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{Run: run, Spaces: spaces, Assets: assets}, nil
}
