package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/panoforge/panoforge/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedSpace(t *testing.T, d *db.DB) (spaceID, primaryID, oppositeID string) {
	t.Helper()
	spaceID, primaryID, oppositeID = "sp1", "sp1-a", "sp1-b"
	if err := d.CreateSpace(&db.Space{ID: spaceID, RunID: "run-1", Step: 3, Name: "kitchen"}); err != nil {
		t.Fatalf("create space: %v", err)
	}
	if err := d.CreateAsset(&db.Asset{ID: primaryID, SpaceID: spaceID, RunID: "run-1", Step: 3, Kind: db.KindPrimary}); err != nil {
		t.Fatalf("create primary: %v", err)
	}
	if err := d.CreateAsset(&db.Asset{ID: oppositeID, SpaceID: spaceID, RunID: "run-1", Step: 3, Kind: db.KindOpposite}); err != nil {
		t.Fatalf("create opposite: %v", err)
	}
	return
}

func TestAdmitFlipsToQueued(t *testing.T) {
	d := testDB(t)
	_, primary, _ := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	adm, err := g.Admit(primary, "")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if adm.AlreadyInFlight {
		t.Fatal("first admit must not report in-flight")
	}
	if adm.Asset.Status != db.StatusQueued {
		t.Errorf("status = %s, want queued", adm.Asset.Status)
	}
}

func TestDuplicateTriggerIsNoOp(t *testing.T) {
	d := testDB(t)
	_, primary, _ := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	if _, err := g.Admit(primary, ""); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	adm, err := g.Admit(primary, "")
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if !adm.AlreadyInFlight {
		t.Error("expected duplicate trigger absorbed as existing handle")
	}
	if adm.Asset.ID != primary {
		t.Errorf("existing handle id = %s, want %s", adm.Asset.ID, primary)
	}
}

func TestSiblingInFlightRejects(t *testing.T) {
	d := testDB(t)
	space, primary, _ := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	// Two assets occupying the same (space, kind) slot
	retryID := "sp1-a2"
	if err := d.CreateAsset(&db.Asset{ID: retryID, SpaceID: space, RunID: "run-1", Step: 3, Kind: db.KindPrimary}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.Admit(primary, ""); err != nil {
		t.Fatalf("admit primary: %v", err)
	}

	_, err := g.Admit(retryID, "")
	var dup *DuplicateInProgressError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateInProgressError, got %v", err)
	}
	if dup.ExistingID != primary {
		t.Errorf("existing id = %s, want %s", dup.ExistingID, primary)
	}

	// No side effect on the rejected asset
	a, _ := d.GetAsset(retryID)
	if a.Status != db.StatusPending {
		t.Errorf("rejected asset status = %s, want pending", a.Status)
	}
}

func TestLockedAssetRefused(t *testing.T) {
	d := testDB(t)
	_, primary, _ := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	if err := d.RecordAssetResult(primary, db.StatusNeedsReview, "ref", "pass", "{}"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := d.LockAsset(primary); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := g.Admit(primary, ""); err == nil {
		t.Error("expected locked asset to be refused")
	}
}

func TestOppositeBlockedWithoutAnchor(t *testing.T) {
	d := testDB(t)
	_, _, opposite := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	_, err := g.Admit(opposite, "")
	var dep *DependencyNotReadyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyNotReadyError, got %v", err)
	}
}

func TestOppositeAdmitsOnceAnchorUsable(t *testing.T) {
	d := testDB(t)
	_, primary, opposite := seedSpace(t, d)
	g := New(d, 30*time.Minute)

	if err := d.RecordAssetResult(primary, db.StatusNeedsReview, "s3://primary/1", "pass", "{}"); err != nil {
		t.Fatalf("record: %v", err)
	}

	adm, err := g.Admit(opposite, "")
	if err != nil {
		t.Fatalf("admit opposite: %v", err)
	}
	if adm.AnchorRef != "s3://primary/1" {
		t.Errorf("anchor = %q, want primary output", adm.AnchorRef)
	}
}

func TestDatastoreWinsOverHint(t *testing.T) {
	d := testDB(t)
	space, primary, _ := seedSpace(t, d)

	if err := d.RecordAssetResult(primary, db.StatusNeedsReview, "s3://primary/2", "pass", "{}"); err != nil {
		t.Fatalf("record: %v", err)
	}

	gate := NewGate(d)
	anchor, err := gate.ResolveAnchor(space, "s3://stale/hint")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if anchor != "s3://primary/2" {
		t.Errorf("anchor = %q, datastore output must win over caller hint", anchor)
	}
}

func TestAnchorUsable(t *testing.T) {
	cases := []struct {
		status db.Status
		ref    string
		want   bool
	}{
		{db.StatusNeedsReview, "ref", true},
		{db.StatusLockedApproved, "ref", true},
		{db.StatusNeedsReview, "", false},
		{db.StatusGenerating, "ref", false},
		{db.StatusBlocked, "ref", false},
		{db.StatusFailed, "ref", false},
	}
	for _, tc := range cases {
		a := &db.Asset{Status: tc.status, OutputRef: tc.ref}
		if got := AnchorUsable(a); got != tc.want {
			t.Errorf("AnchorUsable(%s, %q) = %t, want %t", tc.status, tc.ref, got, tc.want)
		}
	}
}

func TestStaleGeneratingMayBeSuperseded(t *testing.T) {
	d := testDB(t)
	_, primary, _ := seedSpace(t, d)

	if err := d.UpdateAssetStatus(primary, db.StatusGenerating); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Backdate the last event beyond the staleness threshold
	if err := d.LogAssetEvent("run-1", primary, "generating", 3, ""); err != nil {
		t.Fatalf("event: %v", err)
	}
	if _, err := d.Conn().Exec(
		`UPDATE run_events SET timestamp = datetime('now', '-2 hours') WHERE asset_id = ?`, primary,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	g := New(d, time.Hour)
	adm, err := g.Admit(primary, "")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if adm.AlreadyInFlight {
		t.Error("stale generating asset should be superseded, not absorbed")
	}
}
