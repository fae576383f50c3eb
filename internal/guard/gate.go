package guard

import (
	"fmt"

	"github.com/panoforge/panoforge/internal/db"
)

// DependencyNotReadyError reports that an Opposite asset has no usable
// Primary anchor. The asset moves to blocked; it never silently generates
// against a fabricated anchor.
type DependencyNotReadyError struct {
	SpaceID string
	Reason  string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("space %s: primary anchor not ready: %s", e.SpaceID, e.Reason)
}

// Gate enforces ordering between paired assets within a space: Opposite
// may start only once Primary has a resolved, usable output.
type Gate struct {
	db *db.DB
}

// NewGate creates a Gate.
func NewGate(database *db.DB) *Gate {
	return &Gate{db: database}
}

// ResolveAnchor returns the Primary output reference an Opposite attempt
// must anchor to. The datastore's current Primary output is authoritative;
// a caller-supplied hint that diverges from it is ignored in favor of the
// datastore. If Primary has no usable output the gate fails with
// DependencyNotReadyError.
func (g *Gate) ResolveAnchor(spaceID string, callerHint string) (string, error) {
	primary, err := g.db.SpaceAsset(spaceID, db.KindPrimary)
	if err != nil {
		return "", fmt.Errorf("load primary asset: %w", err)
	}
	if primary == nil {
		return "", &DependencyNotReadyError{SpaceID: spaceID, Reason: "no primary asset exists"}
	}

	if !AnchorUsable(primary) {
		return "", &DependencyNotReadyError{
			SpaceID: spaceID,
			Reason:  fmt.Sprintf("primary %s has status %s with output %q", primary.ID, primary.Status, primary.OutputRef),
		}
	}

	// Datastore wins over the caller hint, even when they disagree; a
	// Primary retried after the hint was captured makes the hint stale.
	return primary.OutputRef, nil
}

// AnchorUsable reports whether a Primary asset's output can anchor its
// Opposite: locked approved, or terminal review state with a non-null
// output reference.
func AnchorUsable(primary *db.Asset) bool {
	if primary.OutputRef == "" {
		return false
	}
	return primary.Status == db.StatusLockedApproved || primary.Status == db.StatusNeedsReview
}
