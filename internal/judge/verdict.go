package judge

import "fmt"

// Severity grades a single issue found by the judge.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// knownSeverities is the closed severity vocabulary.
var knownSeverities = map[Severity]bool{
	SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

// KnownSeverity reports whether s belongs to the closed vocabulary.
func KnownSeverity(s Severity) bool { return knownSeverities[s] }

// SuggestionType is the closed vocabulary of retry suggestions the judge
// may make. Anything else is treated as unrecognized.
type SuggestionType string

const (
	SuggestPromptDelta   SuggestionType = "prompt_delta"
	SuggestSettingsDelta SuggestionType = "settings_delta"
	SuggestSeedChange    SuggestionType = "seed_change"
	SuggestInputChange   SuggestionType = "input_change"
	SuggestManualReview  SuggestionType = "manual_review"
)

var knownSuggestions = map[SuggestionType]bool{
	SuggestPromptDelta: true, SuggestSettingsDelta: true, SuggestSeedChange: true,
	SuggestInputChange: true, SuggestManualReview: true,
}

// KnownSuggestion reports whether t belongs to the closed vocabulary.
func KnownSuggestion(t SuggestionType) bool { return knownSuggestions[t] }

// Category is the closed enumeration of issue and failure categories.
// Judge output naming a category outside this set is malformed; free text
// never flows from the judge into the next generation prompt.
type Category string

const (
	CategoryGeometryDistortion    Category = "geometry_distortion"
	CategoryStyleDrift            Category = "style_drift"
	CategorySpaceMismatch         Category = "space_mismatch"
	CategoryViewMisalignment      Category = "view_misalignment"
	CategorySeamArtifact          Category = "seam_artifact"
	CategoryLightingInconsistency Category = "lighting_inconsistency"
	CategoryContentHallucination  Category = "content_hallucination"
	CategoryLowFidelity           Category = "low_fidelity"
	CategoryMalformedVerdict      Category = "malformed_verdict"
)

var knownCategories = map[Category]bool{
	CategoryGeometryDistortion:    true,
	CategoryStyleDrift:            true,
	CategorySpaceMismatch:         true,
	CategoryViewMisalignment:      true,
	CategorySeamArtifact:          true,
	CategoryLightingInconsistency: true,
	CategoryContentHallucination:  true,
	CategoryLowFidelity:           true,
	CategoryMalformedVerdict:      true,
}

// KnownCategory reports whether c belongs to the closed enumeration.
func KnownCategory(c Category) bool { return knownCategories[c] }

// Issue is one specific problem the judge found in a candidate.
type Issue struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence"`
}

// RetrySuggestion is the judge's hint for how the next attempt should differ.
type RetrySuggestion struct {
	Type        SuggestionType `json:"type"`
	Instruction string         `json:"instruction,omitempty"`
}

// ActionNeedsHuman marks a verdict that validation could not accept for
// automated handling.
const ActionNeedsHuman = "needs_human"

// Verdict is the structured quality judgment for one candidate artifact.
type Verdict struct {
	Pass              bool             `json:"pass"`
	Score             int              `json:"score"`      // 0..100
	Confidence        float64          `json:"confidence"` // 0.0..1.0
	Issues            []Issue          `json:"issues,omitempty"`
	RetrySuggestion   *RetrySuggestion `json:"retry_suggestion,omitempty"`
	ApprovalReasons   []string         `json:"approval_reasons,omitempty"`
	FailureCategories []Category       `json:"failure_categories,omitempty"`
	Explanation       string           `json:"explanation,omitempty"`
	RecommendedAction string           `json:"recommended_action,omitempty"`
}

// MaxSeverity returns the highest severity among the verdict's issues,
// or "" if there are none.
func (v *Verdict) MaxSeverity() Severity {
	order := map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}
	var max Severity
	for _, is := range v.Issues {
		if order[is.Severity] > order[max] {
			max = is.Severity
		}
	}
	return max
}

// HasSeverity reports whether any issue carries one of the given severities.
func (v *Verdict) HasSeverity(severities []Severity) bool {
	want := make(map[Severity]bool, len(severities))
	for _, s := range severities {
		want[s] = true
	}
	for _, is := range v.Issues {
		if want[is.Severity] {
			return true
		}
	}
	return false
}

// ParseError reports malformed or contract-violating judge output. It is
// never treated as a pass.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("judge output invalid: %s", e.Reason)
}
