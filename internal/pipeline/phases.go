package pipeline

import "fmt"

// Phase identifies where a run sits within its current step's lifecycle.
type Phase string

// Step indices are fixed; the pipeline always runs them in order.
const (
	StepGeometry = 0
	StepStyling  = 1
	StepSpaces   = 2
	StepViews    = 3
	StepPanorama = 4

	NumSteps = 5
)

// StepName returns the short name for a step index.
func StepName(step int) string {
	if step < 0 || step >= NumSteps {
		return fmt.Sprintf("step-%d", step)
	}
	return [NumSteps]string{"geometry", "styling", "spaces", "views", "panorama"}[step]
}

// phaseSet is the ordered phase vocabulary for one step.
type phaseSet struct {
	Pending   Phase
	Running   Phase
	Review    Phase
	Confirmed Phase
}

// stepPhases is the fixed phase contract table, indexed by step.
var stepPhases = [NumSteps]phaseSet{
	{"geometry_pending", "geometry_running", "geometry_review", "geometry_confirmed"},
	{"styling_pending", "styling_running", "styling_review", "styling_confirmed"},
	{"spaces_pending", "spaces_running", "spaces_review", "spaces_confirmed"},
	{"views_pending", "views_running", "views_review", "views_confirmed"},
	{"panorama_pending", "panorama_running", "panorama_review", "panorama_confirmed"},
}

// PendingPhase returns the pending phase for a step.
func PendingPhase(step int) Phase { return stepPhases[step].Pending }

// RunningPhase returns the running phase for a step.
func RunningPhase(step int) Phase { return stepPhases[step].Running }

// ReviewPhase returns the review phase for a step.
func ReviewPhase(step int) Phase { return stepPhases[step].Review }

// ConfirmedPhase returns the confirmed phase for a step.
func ConfirmedPhase(step int) Phase { return stepPhases[step].Confirmed }

// ValidStep reports whether step is a known step index.
func ValidStep(step int) bool { return step >= 0 && step < NumSteps }

// PhaseInStep reports whether p belongs to the phase set of step.
// A run whose phase is outside its current step's set has hit a bug;
// no valid transition produces that state.
func PhaseInStep(p Phase, step int) bool {
	if !ValidStep(step) {
		return false
	}
	set := stepPhases[step]
	return p == set.Pending || p == set.Running || p == set.Review || p == set.Confirmed
}

// legalSuccessor reports whether from -> to is allowed within a step.
// pending -> running, running -> review, review -> confirmed, and
// review -> running (operator sends the step back for another pass).
func legalSuccessor(step int, from, to Phase) bool {
	set := stepPhases[step]
	switch from {
	case set.Pending:
		return to == set.Running
	case set.Running:
		return to == set.Review
	case set.Review:
		return to == set.Confirmed || to == set.Running
	}
	return false
}

// InvalidTransitionError reports a phase transition rejected by the
// per-step contract table.
type InvalidTransitionError struct {
	RunID string
	Step  int
	From  Phase
	To    Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s at step %d (%s)",
		e.RunID, e.From, e.To, e.Step, StepName(e.Step))
}
