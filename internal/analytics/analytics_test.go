package analytics

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/panoforge/panoforge/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedJudged inserts an asset for a step with one judged attempt per verdict.
func seedJudged(t *testing.T, database *db.DB, step int, verdicts ...string) {
	t.Helper()
	spaceID := fmt.Sprintf("space-%d", step)
	assetID := fmt.Sprintf("asset-%d", step)
	sp := db.Space{ID: spaceID, RunID: "run-1", Step: step, Name: "kitchen"}
	if err := database.CreateSpace(&sp); err != nil {
		t.Fatalf("create space: %v", err)
	}
	a := db.Asset{ID: assetID, SpaceID: spaceID, RunID: "run-1", Step: step, Kind: db.KindPrimary}
	if err := database.CreateAsset(&a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	for i, v := range verdicts {
		at := db.Attempt{
			ID: fmt.Sprintf("%s-at-%d", assetID, i+1), AssetID: assetID, RunID: "run-1",
			Idx: i + 1, Prompt: "p", Model: "fake-v1", ArtifactRef: "ref", Verdict: v,
		}
		if err := database.AppendAttempt(&at); err != nil {
			t.Fatalf("append attempt: %v", err)
		}
	}
}

func TestHintWithoutHistoryIsNil(t *testing.T) {
	database := testDB(t)
	hint, err := Hint(database, 0)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	if hint != nil {
		t.Errorf("hint = %s, want nil", hint)
	}
}

func TestHintAggregatesJudgedAttempts(t *testing.T) {
	database := testDB(t)
	seedJudged(t, database, 3,
		`{"pass":false,"score":40,"failure_categories":["style_drift"]}`,
		`{"pass":false,"score":50,"failure_categories":["style_drift","seam_artifact"]}`,
		`{"pass":true,"score":90,"approval_reasons":["a","b","c"]}`,
	)

	hint, err := Hint(database, 3)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	var cal Calibration
	if err := json.Unmarshal(hint, &cal); err != nil {
		t.Fatalf("unmarshal hint: %v", err)
	}
	if cal.Step != "step-3" || cal.Attempts != 3 {
		t.Errorf("cal = %+v", cal)
	}
	if cal.PassRate < 0.33 || cal.PassRate > 0.34 {
		t.Errorf("pass rate = %v, want 1/3", cal.PassRate)
	}
	if cal.MeanScore != 60 {
		t.Errorf("mean score = %v, want 60", cal.MeanScore)
	}
	if len(cal.TopcatCounts) != 2 || cal.TopcatCounts[0].Category != "style_drift" || cal.TopcatCounts[0].Count != 2 {
		t.Errorf("top categories = %+v", cal.TopcatCounts)
	}
}

func TestHintSkipsUnreadableSnapshots(t *testing.T) {
	database := testDB(t)
	seedJudged(t, database, 1,
		`not json at all`,
		`{"pass":true,"score":80,"approval_reasons":["a","b","c"]}`,
	)

	hint, err := Hint(database, 1)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	var cal Calibration
	if err := json.Unmarshal(hint, &cal); err != nil {
		t.Fatalf("unmarshal hint: %v", err)
	}
	if cal.Attempts != 1 || cal.PassRate != 1 {
		t.Errorf("cal = %+v", cal)
	}
}

func TestHintScopesToStep(t *testing.T) {
	database := testDB(t)
	seedJudged(t, database, 0, `{"pass":true,"score":95,"approval_reasons":["a","b","c"]}`)

	hint, err := Hint(database, 1)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	if hint != nil {
		t.Errorf("step 1 must have no history, got %s", hint)
	}
}

func TestSummarySkipsEmptySteps(t *testing.T) {
	database := testDB(t)
	seedJudged(t, database, 0, `{"pass":true,"score":95,"approval_reasons":["a","b","c"]}`)
	seedJudged(t, database, 4, `{"pass":false,"score":30,"failure_categories":["seam_artifact"]}`)

	cals, err := Summary(database, 5)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(cals) != 2 {
		t.Fatalf("got %d calibrations, want 2", len(cals))
	}
	if cals[0].Step != "step-0" || cals[1].Step != "step-4" {
		t.Errorf("steps = %s, %s", cals[0].Step, cals[1].Step)
	}
}

func TestTopCategoriesCapAtThree(t *testing.T) {
	database := testDB(t)
	seedJudged(t, database, 2,
		`{"pass":false,"score":10,"failure_categories":["style_drift","seam_artifact","low_fidelity","space_mismatch"]}`,
		`{"pass":false,"score":20,"failure_categories":["style_drift"]}`,
	)

	hint, err := Hint(database, 2)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	var cal Calibration
	if err := json.Unmarshal(hint, &cal); err != nil {
		t.Fatalf("unmarshal hint: %v", err)
	}
	if len(cal.TopcatCounts) != 3 {
		t.Errorf("got %d categories, want cap of 3", len(cal.TopcatCounts))
	}
	if cal.TopcatCounts[0].Category != "style_drift" || cal.TopcatCounts[0].Count != 2 {
		t.Errorf("top = %+v", cal.TopcatCounts[0])
	}
}
