package judge

// constraintSentences maps each issue category to a fixed constraint
// sentence appended to the next generation prompt. The table is the only
// path from a judged issue back into a prompt; judge free text never
// crosses that boundary.
var constraintSentences = map[Category]string{
	CategoryGeometryDistortion:    "Preserve straight wall lines and consistent vanishing points; do not bend structural edges.",
	CategoryStyleDrift:            "Match the approved styling reference exactly; do not introduce new materials or palettes.",
	CategorySpaceMismatch:         "Keep the room layout identical to the detected space boundaries.",
	CategoryViewMisalignment:      "Align the camera height and yaw with the paired view of the same space.",
	CategorySeamArtifact:          "Ensure edge pixels wrap seamlessly for equirectangular stitching.",
	CategoryLightingInconsistency: "Keep light direction and color temperature consistent with the source image.",
	CategoryContentHallucination:  "Render only objects present in the reference; do not invent furniture or openings.",
	CategoryLowFidelity:           "Maintain full output resolution with no blur or compression artifacts.",
}

// ConstraintFor returns the fixed constraint sentence for a category,
// or "" for categories with no prompt-side remedy.
func ConstraintFor(c Category) string {
	return constraintSentences[c]
}

// ConstraintsFor collects the constraint sentences for every issue in a
// verdict, deduplicated, in issue order.
func ConstraintsFor(v *Verdict) []string {
	seen := make(map[Category]bool)
	var out []string
	for _, is := range v.Issues {
		if seen[is.Category] {
			continue
		}
		seen[is.Category] = true
		if s := ConstraintFor(is.Category); s != "" {
			out = append(out, s)
		}
	}
	return out
}
