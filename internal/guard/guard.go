// Package guard gates entry into generation: the idempotency check that
// absorbs duplicate triggers, and the dependency gate ordering paired
// assets within a space.
package guard

import (
	"fmt"
	"time"

	"github.com/panoforge/panoforge/internal/db"
)

// DuplicateInProgressError reports that work for the same (space, kind)
// slot is already in flight. No side effect occurred; ExistingID points
// at the running work.
type DuplicateInProgressError struct {
	AssetID    string
	ExistingID string
}

func (e *DuplicateInProgressError) Error() string {
	return fmt.Sprintf("asset %s: generation already in progress as %s", e.AssetID, e.ExistingID)
}

// Admission is the result of admitting an asset into generation.
type Admission struct {
	Asset           *db.Asset
	AlreadyInFlight bool   // duplicate trigger absorbed; Asset is the existing handle
	AnchorRef       string // resolved Primary output, set for Opposite assets
}

// Guard performs idempotency admission using asset store status as the
// source of truth.
type Guard struct {
	db    *db.DB
	gate  *Gate
	stale time.Duration
}

// New creates a Guard. staleAfter bounds how long a generating asset may
// sit without events before a human-triggered retry may supersede it.
func New(database *db.DB, staleAfter time.Duration) *Guard {
	return &Guard{db: database, gate: NewGate(database), stale: staleAfter}
}

// Gate returns the dependency gate used for anchor resolution.
func (g *Guard) Gate() *Gate { return g.gate }

// Admit decides whether assetID may enter generation.
//
// An asset already queued or generating is returned as the existing
// in-flight handle with no side effect. A sibling in the same (space,
// kind) slot that is in flight rejects with DuplicateInProgressError.
// Opposite assets must resolve their Primary anchor first. On admission
// the status flips to queued in the same statement that checks it, so a
// concurrent duplicate trigger cannot slip past.
func (g *Guard) Admit(assetID string, anchorHint string) (*Admission, error) {
	a, err := g.db.GetAsset(assetID)
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("asset %s not found", assetID)
	}
	if a.Status == db.StatusLockedApproved {
		return nil, fmt.Errorf("asset %s is locked approved; no further generation permitted", assetID)
	}

	supersede := false
	if a.Status.InFlight() {
		if a.Status == db.StatusGenerating && g.isStale(a) {
			// Host likely died mid-flight; allow the trigger to supersede.
			supersede = true
		} else {
			return &Admission{Asset: a, AlreadyInFlight: true}, nil
		}
	}

	sibling, err := g.db.SiblingInFlight(a.SpaceID, a.Kind, a.ID)
	if err != nil {
		return nil, fmt.Errorf("scan siblings: %w", err)
	}
	if sibling != nil {
		return nil, &DuplicateInProgressError{AssetID: a.ID, ExistingID: sibling.ID}
	}

	adm := &Admission{Asset: a}
	if a.Kind == db.KindOpposite {
		anchor, err := g.gate.ResolveAnchor(a.SpaceID, anchorHint)
		if err != nil {
			return nil, err
		}
		adm.AnchorRef = anchor
	}

	if supersede {
		// The single-statement admit refuses generating assets, so the
		// supersede path flips the status directly.
		if err := g.db.UpdateAssetStatus(a.ID, db.StatusQueued); err != nil {
			return nil, fmt.Errorf("supersede stale asset: %w", err)
		}
		a.Status = db.StatusQueued
		return adm, nil
	}

	ok, err := g.db.AdmitAsset(a.ID)
	if err != nil {
		return nil, fmt.Errorf("admit asset: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent trigger; hand back its work.
		existing, err := g.db.GetAsset(a.ID)
		if err != nil || existing == nil {
			return nil, fmt.Errorf("asset %s vanished during admission", a.ID)
		}
		return &Admission{Asset: existing, AlreadyInFlight: true}, nil
	}

	a.Status = db.StatusQueued
	return adm, nil
}

// isStale reports whether a generating asset has gone eventless longer
// than the configured threshold.
func (g *Guard) isStale(a *db.Asset) bool {
	if g.stale <= 0 {
		return false
	}
	last, err := g.db.LastAssetEventAt(a.ID)
	if err != nil || last.IsZero() {
		return false
	}
	return time.Since(last) > g.stale
}
