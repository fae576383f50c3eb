package pipeline

import (
	"fmt"
)

// Cascade deletes all relational state (spaces, assets, attempts, events)
// for a run at or beyond a step. Implemented by the db package.
type Cascade interface {
	DeleteFromStep(runID string, step int) error
}

// EventLog records run lifecycle events. Implemented by the db package.
type EventLog interface {
	LogRunEvent(runID string, event string, step int, detail string) error
}

// Machine applies run lifecycle operations against the store, enforcing
// the per-step phase contract.
type Machine struct {
	store  *Store
	db     Cascade
	events EventLog
}

// NewMachine creates a Machine.
func NewMachine(store *Store, db Cascade, events EventLog) *Machine {
	return &Machine{store: store, db: db, events: events}
}

// Transition moves a run to target if target is a legal successor for the
// run's current step. Anything else fails with InvalidTransitionError.
func (m *Machine) Transition(runID string, target Phase) error {
	var terr error
	err := m.store.Update(runID, func(run *PipelineRun) {
		terr = m.applyTransition(run, target)
	})
	if err != nil {
		return err
	}
	if terr != nil {
		return terr
	}
	if m.events != nil {
		if run, gerr := m.store.Get(runID); gerr == nil {
			_ = m.events.LogRunEvent(runID, "phase_changed", run.CurrentStep, string(target))
		}
	}
	return nil
}

// applyTransition is the locked-run core shared by Transition and AdvanceStep.
func (m *Machine) applyTransition(run *PipelineRun, target Phase) error {
	if !PhaseInStep(target, run.CurrentStep) || !legalSuccessor(run.CurrentStep, run.Phase, target) {
		return &InvalidTransitionError{RunID: run.ID, Step: run.CurrentStep, From: run.Phase, To: target}
	}
	run.Phase = target
	return nil
}

// Restart cascades deletion of all assets, attempts and events for
// step..N, bumps the reset epoch so stale in-flight workers fence out,
// and resets the phase to step's pending phase. Auto-start of generation
// is the orchestrator's decision, not the machine's.
func (m *Machine) Restart(runID string, step int) error {
	if !ValidStep(step) {
		return fmt.Errorf("restart run %s: invalid step %d", runID, step)
	}

	if err := m.db.DeleteFromStep(runID, step); err != nil {
		return fmt.Errorf("cascade delete from step %d: %w", step, err)
	}

	err := m.store.Update(runID, func(run *PipelineRun) {
		run.ResetEpoch++
		run.CurrentStep = step
		run.Phase = PendingPhase(step)
		for i := step; i < NumSteps; i++ {
			delete(run.StepOutputs, i)
			delete(run.StepRetry, i)
		}
	})
	if err != nil {
		return err
	}

	if m.events != nil {
		_ = m.events.LogRunEvent(runID, "restarted", step, "")
	}
	return nil
}

// Rollback moves the run backward to step's review phase without deleting
// any data, for re-review of an already generated step.
func (m *Machine) Rollback(runID string, step int) error {
	if !ValidStep(step) {
		return fmt.Errorf("rollback run %s: invalid step %d", runID, step)
	}

	var rerr error
	err := m.store.Update(runID, func(run *PipelineRun) {
		if step > run.CurrentStep {
			rerr = fmt.Errorf("rollback run %s: step %d is ahead of current step %d", runID, step, run.CurrentStep)
			return
		}
		run.CurrentStep = step
		run.Phase = ReviewPhase(step)
	})
	if err != nil {
		return err
	}
	if rerr != nil {
		return rerr
	}

	if m.events != nil {
		_ = m.events.LogRunEvent(runID, "rolled_back", step, "")
	}
	return nil
}

// AdvanceStep confirms the current step and moves the run to the next
// step's pending phase. The last step confirms in place.
func (m *Machine) AdvanceStep(runID string) error {
	var terr error
	err := m.store.Update(runID, func(run *PipelineRun) {
		if terr = m.applyTransition(run, ConfirmedPhase(run.CurrentStep)); terr != nil {
			return
		}
		if run.CurrentStep+1 < NumSteps {
			run.CurrentStep++
			run.Phase = PendingPhase(run.CurrentStep)
		}
	})
	if err != nil {
		return err
	}
	if terr != nil {
		return terr
	}

	if m.events != nil {
		run, err := m.store.Get(runID)
		if err == nil {
			_ = m.events.LogRunEvent(runID, "step_advanced", run.CurrentStep, "")
		}
	}
	return nil
}
