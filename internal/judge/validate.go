package judge

import (
	"encoding/json"
	"fmt"
)

// minApprovalReasons is how many specific approval statements a passing
// verdict must carry before the gate accepts it.
const minApprovalReasons = 3

// Parse decodes raw judge output and runs it through Validate. Malformed
// JSON yields a ParseError plus a fallback fail verdict the caller records;
// the fallback is never nil.
func Parse(raw []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		pe := &ParseError{Reason: fmt.Sprintf("unmarshal: %v", err)}
		return Fallback(pe.Reason), pe
	}
	return Validate(&v)
}

// Validate enforces the verdict contract:
//   - pass=true requires at least three approval reasons; otherwise the
//     verdict is downgraded to a fail routed to a human.
//   - pass=false requires failure categories drawn from the closed
//     enumeration plus an explanation; violations are ParseErrors.
//   - issue categories and severities outside their closed sets are
//     ParseErrors.
//
// The returned verdict is always usable for recording, even on error.
func Validate(v *Verdict) (*Verdict, error) {
	for _, is := range v.Issues {
		if !KnownCategory(is.Category) {
			pe := &ParseError{Reason: fmt.Sprintf("unknown issue category %q", is.Category)}
			return Fallback(pe.Reason), pe
		}
		if !knownSeverities[is.Severity] {
			pe := &ParseError{Reason: fmt.Sprintf("unknown severity %q", is.Severity)}
			return Fallback(pe.Reason), pe
		}
	}

	if v.Score < 0 || v.Score > 100 || v.Confidence < 0 || v.Confidence > 1 {
		pe := &ParseError{Reason: fmt.Sprintf("score %d / confidence %.2f out of range", v.Score, v.Confidence)}
		return Fallback(pe.Reason), pe
	}

	if v.Pass {
		if countSpecific(v.ApprovalReasons) < minApprovalReasons {
			// A pass the judge cannot substantiate is not a pass.
			down := *v
			down.Pass = false
			down.RecommendedAction = ActionNeedsHuman
			down.FailureCategories = []Category{CategoryMalformedVerdict}
			down.Explanation = fmt.Sprintf("pass verdict carried %d approval reasons, need %d",
				countSpecific(v.ApprovalReasons), minApprovalReasons)
			return &down, nil
		}
		return v, nil
	}

	if len(v.FailureCategories) == 0 {
		pe := &ParseError{Reason: "fail verdict without failure categories"}
		return Fallback(pe.Reason), pe
	}
	for _, c := range v.FailureCategories {
		if !KnownCategory(c) {
			pe := &ParseError{Reason: fmt.Sprintf("unknown failure category %q", c)}
			return Fallback(pe.Reason), pe
		}
	}
	if v.Explanation == "" {
		pe := &ParseError{Reason: "fail verdict without explanation"}
		return Fallback(pe.Reason), pe
	}

	return v, nil
}

// Fallback builds the verdict recorded when judge output cannot be used:
// always a fail, zero confidence, routed to a human.
func Fallback(reason string) *Verdict {
	return &Verdict{
		Pass:              false,
		Score:             0,
		Confidence:        0,
		FailureCategories: []Category{CategoryMalformedVerdict},
		Explanation:       reason,
		RecommendedAction: ActionNeedsHuman,
		RetrySuggestion:   &RetrySuggestion{Type: SuggestManualReview},
	}
}

// countSpecific counts approval reasons that carry actual content; blank
// or trivially short entries do not substantiate a pass.
func countSpecific(reasons []string) int {
	n := 0
	for _, r := range reasons {
		if len(r) >= 10 {
			n++
		}
	}
	return n
}
