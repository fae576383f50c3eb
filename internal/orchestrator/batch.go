package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/guard"
	"github.com/panoforge/panoforge/internal/pipeline"
)

// BatchResult summarizes a RunStep fan-out.
type BatchResult struct {
	Step      int      `json:"step"`
	Spaces    int      `json:"spaces"`
	Completed int      `json:"completed"`
	Blocked   []string `json:"blocked,omitempty"`
	AllDone   bool     `json:"all_done"`
}

// RunStep fans generation out across every space of a step, one pipeline
// per space running in parallel. Within a space the Primary view is driven
// to a terminal state before the Opposite is triggered, so the Opposite
// always has its anchor question answered by the time it is admitted.
//
// The run moves to the step's running phase at the start. Once every
// asset of the step reaches a terminal state the run moves on to the
// step's review phase. Blocked and failed count as terminal, so a batch
// full of blocked spaces still lands in review where a human can act.
func (o *Orchestrator) RunStep(ctx context.Context, runID string, step int) (*BatchResult, error) {
	if !pipeline.ValidStep(step) {
		return nil, fmt.Errorf("invalid step %d", step)
	}
	run, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.Phase == pipeline.PendingPhase(step) {
		if err := o.machine.Transition(runID, pipeline.RunningPhase(step)); err != nil {
			return nil, err
		}
	} else if run.Phase != pipeline.RunningPhase(step) {
		return nil, &pipeline.InvalidTransitionError{
			RunID: runID, Step: step, From: run.Phase, To: pipeline.RunningPhase(step),
		}
	}

	spaces, err := o.db.ListSpaces(runID, step)
	if err != nil {
		return nil, err
	}
	if len(spaces) == 0 {
		return nil, fmt.Errorf("run %s step %d: no spaces registered", runID, step)
	}

	res := &BatchResult{Step: step, Spaces: len(spaces)}
	blocked := make([]string, len(spaces))

	g, gctx := errgroup.WithContext(ctx)
	for i := range spaces {
		i, sp := i, spaces[i]
		g.Go(func() error {
			reason, err := o.runSpace(gctx, &sp)
			if err != nil {
				return fmt.Errorf("space %s: %w", sp.Name, err)
			}
			blocked[i] = reason
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, reason := range blocked {
		if reason != "" {
			res.Blocked = append(res.Blocked, reason)
		} else {
			res.Completed++
		}
	}

	assets, err := o.db.ListAssets(runID, step)
	if err != nil {
		return nil, err
	}
	res.AllDone = allTerminal(assets)
	if res.AllDone {
		if err := o.machine.Transition(runID, pipeline.ReviewPhase(step)); err != nil {
			return nil, err
		}
		_ = o.db.LogRunEvent(runID, "batch_complete", step, fmt.Sprintf("spaces=%d", len(spaces)))
	}
	return res, nil
}

// runSpace drives one space's Primary then Opposite to terminal states.
// The Opposite is dispatched even when the Primary ended blocked or
// failed; the admission gate then parks it as blocked with its own
// reason, so the space never leaves a pending asset behind. It returns
// a non-empty reason string when the space ended blocked or failed
// rather than approved/review.
func (o *Orchestrator) runSpace(ctx context.Context, sp *db.Space) (string, error) {
	primary, err := o.db.SpaceAsset(sp.ID, db.KindPrimary)
	if err != nil {
		return "", err
	}
	if primary == nil {
		return "", fmt.Errorf("no primary asset")
	}

	pFinal, err := o.driveAsset(ctx, primary)
	if err != nil {
		return "", err
	}

	opposite, err := o.db.SpaceAsset(sp.ID, db.KindOpposite)
	if err != nil {
		return "", err
	}
	if opposite == nil {
		return "", fmt.Errorf("no opposite asset")
	}

	oReason := ""
	oFinal, err := o.driveAsset(ctx, opposite)
	switch {
	case err != nil:
		var depErr *guard.DependencyNotReadyError
		if !errors.As(err, &depErr) {
			return "", err
		}
		oReason = fmt.Sprintf("%s opposite: %s", sp.Name, depErr.Reason)
	case oFinal.Status == db.StatusBlocked || oFinal.Status == db.StatusFailed:
		oReason = fmt.Sprintf("%s opposite %s: %s", sp.Name, oFinal.Status, oFinal.BlockReason)
	}

	if pFinal.Status == db.StatusBlocked || pFinal.Status == db.StatusFailed {
		return fmt.Sprintf("%s primary %s: %s", sp.Name, pFinal.Status, pFinal.BlockReason), nil
	}
	return oReason, nil
}

// driveAsset triggers generation for an asset unless it is already locked
// or terminal, then polls until it settles.
func (o *Orchestrator) driveAsset(ctx context.Context, a *db.Asset) (*db.Asset, error) {
	if a.Status.Terminal() {
		return a, nil
	}
	if !a.Status.InFlight() {
		if _, err := o.StartGeneration(a.ID, ""); err != nil {
			return nil, err
		}
	}
	return o.pollTerminal(ctx, a.ID)
}

func (o *Orchestrator) pollTerminal(ctx context.Context, assetID string) (*db.Asset, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		a, err := o.db.GetAsset(assetID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("asset %s disappeared", assetID)
		}
		if a.Status.Terminal() {
			return a, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func allTerminal(assets []db.Asset) bool {
	for i := range assets {
		s := assets[i].Status
		if !s.Terminal() {
			return false
		}
	}
	return len(assets) > 0
}
