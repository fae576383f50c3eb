package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panoforge/panoforge/internal/artifact"
	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/gen"
	"github.com/panoforge/panoforge/internal/guard"
	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
	"github.com/panoforge/panoforge/internal/retry"
)

// fakeGen counts generation calls and records requests. Setting block
// makes calls wait until release is closed.
type fakeGen struct {
	mu       sync.Mutex
	calls    int
	requests []*gen.Request
	err      error

	started chan struct{} // closed once the first call arrives
	release chan struct{} // calls wait on this when set
	once    sync.Once
}

func (f *fakeGen) Generate(ctx context.Context, req *gen.Request) (*gen.Result, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	release := f.release
	f.mu.Unlock()

	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &gen.Result{Artifact: []byte("image-bytes"), Model: "fake-v1"}, nil
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeJudge replays a scripted list of verdicts, repeating the last.
type fakeJudge struct {
	mu       sync.Mutex
	verdicts []*judge.Verdict
	i        int
}

func (f *fakeJudge) Evaluate(ctx context.Context, req *judge.Request) (*judge.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.verdicts) == 0 {
		return passVerdict(), nil
	}
	v := f.verdicts[f.i]
	if f.i < len(f.verdicts)-1 {
		f.i++
	}
	return v, nil
}

func passVerdict() *judge.Verdict {
	return &judge.Verdict{
		Pass: true, Score: 90, Confidence: 0.95,
		ApprovalReasons: []string{
			"wall lines remain straight across the full view",
			"lighting matches the source image direction",
			"no invented furniture or openings appear",
		},
	}
}

func failVerdict() *judge.Verdict {
	return &judge.Verdict{
		Pass: false, Score: 40, Confidence: 0.9,
		Issues:            []judge.Issue{{Category: judge.CategoryStyleDrift, Severity: judge.SeverityMedium}},
		FailureCategories: []judge.Category{judge.CategoryStyleDrift},
		Explanation:       "styling drifted from the approved reference",
	}
}

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BackoffBase = time.Millisecond
	p.BackoffCap = 10 * time.Millisecond
	return p
}

func testOrch(t *testing.T, g Generator, j Judge) (*Orchestrator, *pipeline.Store, *db.DB) {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	policy := testPolicy()
	machine := pipeline.NewMachine(store, database, database)
	gd := guard.New(database, policy.StaleAfter)
	ctrl := retry.NewController(policy)

	o := New(store, database, machine, gd, ctrl, g, j, artifact.NewMemStore(), Options{
		PollInterval: 5 * time.Millisecond,
	})
	return o, store, database
}

// seedRun creates a run on the views step with one space.
func seedRun(t *testing.T, o *Orchestrator, store *pipeline.Store) (runID, primaryID, oppositeID string) {
	t.Helper()
	run, err := o.CreateRun("s3://sources/room.png")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	_ = store.Update(run.ID, func(r *pipeline.PipelineRun) {
		r.CurrentStep = pipeline.StepViews
		r.Phase = pipeline.PendingPhase(pipeline.StepViews)
	})

	spaces, err := o.CreateSpaces(run.ID, pipeline.StepViews, []string{"kitchen"})
	if err != nil {
		t.Fatalf("create spaces: %v", err)
	}
	p, err := o.db.SpaceAsset(spaces[0].ID, db.KindPrimary)
	if err != nil || p == nil {
		t.Fatalf("primary asset: %v", err)
	}
	op, err := o.db.SpaceAsset(spaces[0].ID, db.KindOpposite)
	if err != nil || op == nil {
		t.Fatalf("opposite asset: %v", err)
	}
	return run.ID, p.ID, op.ID
}

func TestGenerateJudgePassLandsInReview(t *testing.T) {
	g := &fakeGen{}
	o, store, database := testOrch(t, g, &fakeJudge{})
	runID, primary, _ := seedRun(t, o, store)

	res, err := o.StartGeneration(primary, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Accepted {
		t.Fatal("expected acceptance")
	}
	o.Wait()

	a, _ := database.GetAsset(primary)
	if a.Status != db.StatusNeedsReview {
		t.Errorf("status = %s, want needs_review", a.Status)
	}
	if a.OutputRef == "" || a.QAStatus != "pass" {
		t.Errorf("unexpected asset outcome: %+v", a)
	}

	attempts, _ := database.ListAttempts(primary)
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(attempts))
	}
	if attempts[0].Model != "fake-v1" || attempts[0].Idx != 1 {
		t.Errorf("unexpected attempt: %+v", attempts[0])
	}

	run, _ := store.Get(runID)
	st := run.RetryStateFor(pipeline.StepViews)
	if st.AttemptCount != 1 || st.Status != "idle" {
		t.Errorf("retry state = %+v", st)
	}
}

func TestDuplicateTriggerRunsOneGeneration(t *testing.T) {
	g := &fakeGen{started: make(chan struct{}), release: make(chan struct{})}
	o, store, _ := testOrch(t, g, &fakeJudge{})
	_, primary, _ := seedRun(t, o, store)

	first, err := o.StartGeneration(primary, "")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if !first.Accepted {
		t.Fatal("first trigger must be accepted")
	}
	<-g.started

	second, err := o.StartGeneration(primary, "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Accepted {
		t.Error("duplicate trigger must be absorbed")
	}
	if second.AssetID != primary {
		t.Errorf("existing handle = %s, want %s", second.AssetID, primary)
	}

	close(g.release)
	o.Wait()

	if g.callCount() != 1 {
		t.Errorf("generator called %d times, want 1", g.callCount())
	}
}

func TestOppositeWithoutAnchorBlocks(t *testing.T) {
	g := &fakeGen{}
	o, store, database := testOrch(t, g, &fakeJudge{})
	_, _, opposite := seedRun(t, o, store)

	_, err := o.StartGeneration(opposite, "")
	var dep *guard.DependencyNotReadyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyNotReadyError, got %v", err)
	}

	a, _ := database.GetAsset(opposite)
	if a.Status != db.StatusBlocked {
		t.Errorf("status = %s, want blocked", a.Status)
	}
	if a.BlockReason == "" {
		t.Error("expected a block reason")
	}
	if g.callCount() != 0 {
		t.Error("no generation may start without an anchor")
	}
}

func TestOppositeAnchorsToPrimaryOutput(t *testing.T) {
	g := &fakeGen{}
	o, store, database := testOrch(t, g, &fakeJudge{})
	_, primary, opposite := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start primary: %v", err)
	}
	o.Wait()

	p, _ := database.GetAsset(primary)
	if _, err := o.StartGeneration(opposite, "s3://stale/hint"); err != nil {
		t.Fatalf("start opposite: %v", err)
	}
	o.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	last := g.requests[len(g.requests)-1]
	if last.AnchorRef != p.OutputRef {
		t.Errorf("opposite anchored to %q, want primary output %q", last.AnchorRef, p.OutputRef)
	}
}

func TestFailedAttemptRetriesAutomatically(t *testing.T) {
	g := &fakeGen{}
	j := &fakeJudge{verdicts: []*judge.Verdict{failVerdict(), passVerdict()}}
	o, store, database := testOrch(t, g, j)
	runID, primary, _ := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Wait()

	attempts, _ := database.ListAttempts(primary)
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2 (fail then pass)", len(attempts))
	}
	a, _ := database.GetAsset(primary)
	if a.Status != db.StatusNeedsReview {
		t.Errorf("status = %s, want needs_review", a.Status)
	}

	run, _ := store.Get(runID)
	st := run.RetryStateFor(pipeline.StepViews)
	if st.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", st.AttemptCount)
	}
	// The retry's prompt carries the fixed constraint for the failed category
	g.mu.Lock()
	defer g.mu.Unlock()
	second := g.requests[1]
	if len(second.Constraints) == 0 || second.Constraints[0] != judge.ConstraintFor(judge.CategoryStyleDrift) {
		t.Errorf("retry constraints = %v", second.Constraints)
	}
}

func TestCriticalFailureBlocksForHuman(t *testing.T) {
	v := failVerdict()
	v.Issues[0].Severity = judge.SeverityCritical
	o, store, database := testOrch(t, &fakeGen{}, &fakeJudge{verdicts: []*judge.Verdict{v}})
	runID, primary, _ := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Wait()

	a, _ := database.GetAsset(primary)
	if a.Status != db.StatusBlocked {
		t.Errorf("status = %s, want blocked", a.Status)
	}
	run, _ := store.Get(runID)
	if st := run.RetryStateFor(pipeline.StepViews); st.Status != "blocked_for_human" {
		t.Errorf("retry status = %q, want blocked_for_human", st.Status)
	}
}

func TestRestartDiscardsInFlightResult(t *testing.T) {
	g := &fakeGen{started: make(chan struct{}), release: make(chan struct{})}
	o, store, _ := testOrch(t, g, &fakeJudge{})
	runID, primary, _ := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-g.started

	if err := o.RestartStep(runID, pipeline.StepViews); err != nil {
		t.Fatalf("restart: %v", err)
	}
	close(g.release)
	o.Wait()

	// The worker's result must be fenced out by the bumped epoch.
	run, _ := store.Get(runID)
	if run.ResetEpoch != 1 {
		t.Fatalf("epoch = %d, want 1", run.ResetEpoch)
	}
	if st := run.RetryStateFor(pipeline.StepViews); st.AttemptCount != 0 {
		t.Errorf("stale result landed: %+v", st)
	}
	if run.Phase != pipeline.PendingPhase(pipeline.StepViews) {
		t.Errorf("phase = %s, want views pending", run.Phase)
	}
}

func TestRestartAutoStartRetriggersGeneration(t *testing.T) {
	g := &fakeGen{}
	store := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	policy := testPolicy()
	machine := pipeline.NewMachine(store, database, database)
	gd := guard.New(database, policy.StaleAfter)
	o := New(store, database, machine, gd, retry.NewController(policy), g, &fakeJudge{},
		artifact.NewMemStore(), Options{
			PollInterval: 5 * time.Millisecond,
			AutoStart:    map[int]bool{pipeline.StepViews: true},
		})
	runID, primary, _ := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Wait()

	if err := o.RestartStep(runID, pipeline.StepViews); err != nil {
		t.Fatalf("restart: %v", err)
	}
	o.Wait()

	// The cascade replaced the asset pair; the space came back and its
	// primary regenerated under the new epoch without a manual trigger.
	spaces, _ := database.ListSpaces(runID, pipeline.StepViews)
	if len(spaces) != 1 || spaces[0].Name != "kitchen" {
		t.Fatalf("spaces after restart = %+v", spaces)
	}
	p, _ := database.SpaceAsset(spaces[0].ID, db.KindPrimary)
	if p == nil {
		t.Fatal("no primary asset after restart")
	}
	if p.ID == primary {
		t.Error("expected a fresh primary asset, got the deleted one")
	}
	if p.Status != db.StatusNeedsReview {
		t.Errorf("primary status = %s, want needs_review", p.Status)
	}

	run, _ := store.Get(runID)
	if run.ResetEpoch != 1 {
		t.Errorf("epoch = %d, want 1", run.ResetEpoch)
	}
	if st := run.RetryStateFor(pipeline.StepViews); st.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 post-restart attempt", st.AttemptCount)
	}
	if g.callCount() != 2 {
		t.Errorf("generator called %d times, want 2", g.callCount())
	}
}

func TestCreateSpacesHonorsCandidateCap(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	policy := testPolicy()
	machine := pipeline.NewMachine(store, database, database)
	gd := guard.New(database, policy.StaleAfter)
	o := New(store, database, machine, gd, retry.NewController(policy), &fakeGen{}, &fakeJudge{},
		artifact.NewMemStore(), Options{
			MaxCandidates: map[int]int{pipeline.StepViews: 2},
		})

	run, err := o.CreateRun("s3://sources/room.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.CreateSpaces(run.ID, pipeline.StepViews, []string{"kitchen", "study"}); err != nil {
		t.Fatalf("within cap: %v", err)
	}
	if _, err := o.CreateSpaces(run.ID, pipeline.StepViews, []string{"hall"}); err == nil {
		t.Error("expected the third space to be refused")
	}
	// Uncapped steps stay unlimited.
	if _, err := o.CreateSpaces(run.ID, pipeline.StepSpaces, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("uncapped step: %v", err)
	}
}

func TestEvaluateQABackoffScenario(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	// Default policy: 2s base, so the delay ahead of attempt 2 is 4s.
	machine := pipeline.NewMachine(store, database, database)
	gd := guard.New(database, time.Hour)
	o := New(store, database, machine, gd, retry.NewController(retry.DefaultPolicy()),
		&fakeGen{}, &fakeJudge{}, artifact.NewMemStore(), Options{})

	run, err := o.CreateRun("s3://sources/room.png")
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Update(run.ID, func(r *pipeline.PipelineRun) {
		r.StepRetry[pipeline.StepGeometry] = pipeline.RetryState{
			AttemptCount: 1, MaxAttempts: 5, AutoRetryEnabled: true,
		}
	})

	raw, _ := json.Marshal(failVerdict())
	out, err := o.EvaluateQA(run.ID, pipeline.StepGeometry, raw)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Decision != retry.ActionRetry {
		t.Fatalf("decision = %s, want retry", out.Decision)
	}
	if out.DelaySeconds != 4 {
		t.Errorf("delay = %.0fs, want 4s", out.DelaySeconds)
	}
}

func TestEvaluateQAMalformedNeverPasses(t *testing.T) {
	o, store, _ := testOrch(t, &fakeGen{}, &fakeJudge{})
	runID, _, _ := seedRun(t, o, store)

	_, err := o.EvaluateQA(runID, pipeline.StepViews, []byte(`{"pass": true`))
	var pe *judge.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}

	// The fallback fail verdict is recorded with the step routed to a human
	run, _ := store.Get(runID)
	st := run.RetryStateFor(pipeline.StepViews)
	if st.Status != "blocked_for_human" {
		t.Errorf("retry status = %q, want blocked_for_human", st.Status)
	}
	var recorded judge.Verdict
	if err := json.Unmarshal(st.LastQAResult, &recorded); err != nil {
		t.Fatalf("recorded verdict unreadable: %v", err)
	}
	if recorded.Pass {
		t.Error("malformed verdict must never record as pass")
	}
}

func TestExecuteRetryBudgets(t *testing.T) {
	o, store, _ := testOrch(t, &fakeGen{}, &fakeJudge{})
	runID, _, _ := seedRun(t, o, store)

	_ = store.Update(runID, func(r *pipeline.PipelineRun) {
		r.StepRetry[pipeline.StepViews] = pipeline.RetryState{AttemptCount: 5, MaxAttempts: 5, AutoRetryEnabled: true}
	})

	_, err := o.ExecuteRetry(runID, pipeline.StepViews)
	var be *retry.BudgetExhaustedError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExhaustedError, got %v", err)
	}
	if be.Scope != "step" {
		t.Errorf("scope = %s, want step", be.Scope)
	}

	// Run-wide ceiling trips even when the step has headroom
	_ = store.Update(runID, func(r *pipeline.PipelineRun) {
		r.StepRetry[pipeline.StepViews] = pipeline.RetryState{AttemptCount: 2, MaxAttempts: 5, AutoRetryEnabled: true}
		r.StepRetry[pipeline.StepStyling] = pipeline.RetryState{AttemptCount: 18, MaxAttempts: 5}
	})
	_, err = o.ExecuteRetry(runID, pipeline.StepViews)
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExhaustedError, got %v", err)
	}
	if be.Scope != "run" {
		t.Errorf("scope = %s, want run", be.Scope)
	}
}

func TestStopAutoRetrySticks(t *testing.T) {
	o, store, _ := testOrch(t, &fakeGen{}, &fakeJudge{})
	runID, _, _ := seedRun(t, o, store)

	if err := o.StopAutoRetry(runID, pipeline.StepViews); err != nil {
		t.Fatalf("stop: %v", err)
	}
	run, _ := store.Get(runID)
	if run.RetryStateFor(pipeline.StepViews).AutoRetryEnabled {
		t.Error("auto retry still enabled after stop")
	}

	if err := o.EnableAutoRetry(runID, pipeline.StepViews); err != nil {
		t.Fatalf("enable: %v", err)
	}
	run, _ = store.Get(runID)
	if !run.RetryStateFor(pipeline.StepViews).AutoRetryEnabled {
		t.Error("auto retry not re-enabled")
	}
}

func TestApproveLocksAsset(t *testing.T) {
	o, store, database := testOrch(t, &fakeGen{}, &fakeJudge{})
	runID, primary, _ := seedRun(t, o, store)

	if _, err := o.StartGeneration(primary, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Wait()

	if err := o.Approve(primary); err != nil {
		t.Fatalf("approve: %v", err)
	}
	a, _ := database.GetAsset(primary)
	if a.Status != db.StatusLockedApproved {
		t.Errorf("status = %s, want locked_approved", a.Status)
	}

	// Approval records the step output in the run state.
	run, _ := store.Get(runID)
	out, ok := run.StepOutputs[pipeline.StepViews]
	if !ok {
		t.Fatal("approval did not record a step output")
	}
	if out.ArtifactRef != a.OutputRef || !out.Approved || out.ApprovedAt == "" {
		t.Errorf("step output = %+v, want approved ref %q", out, a.OutputRef)
	}

	// Locked assets refuse further triggers
	if _, err := o.StartGeneration(primary, ""); err == nil {
		t.Error("expected locked asset to refuse generation")
	}
}

func TestRunStepBatch(t *testing.T) {
	g := &fakeGen{}
	o, store, database := testOrch(t, g, &fakeJudge{})

	run, err := o.CreateRun("s3://sources/room.png")
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Update(run.ID, func(r *pipeline.PipelineRun) {
		r.CurrentStep = pipeline.StepViews
		r.Phase = pipeline.PendingPhase(pipeline.StepViews)
	})
	if _, err := o.CreateSpaces(run.ID, pipeline.StepViews, []string{"kitchen", "living room"}); err != nil {
		t.Fatal(err)
	}

	res, err := o.RunStep(context.Background(), run.ID, pipeline.StepViews)
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if !res.AllDone || res.Completed != 2 {
		t.Errorf("batch result = %+v", res)
	}

	got, _ := store.Get(run.ID)
	if got.Phase != pipeline.ReviewPhase(pipeline.StepViews) {
		t.Errorf("phase = %s, want views review", got.Phase)
	}

	assets, _ := database.ListAssets(run.ID, pipeline.StepViews)
	if len(assets) != 4 {
		t.Fatalf("got %d assets, want 4", len(assets))
	}
	for _, a := range assets {
		if a.Status != db.StatusNeedsReview {
			t.Errorf("asset %s status = %s, want needs_review", a.ID, a.Status)
		}
	}

	// Within each space the opposite request anchored to a primary output.
	g.mu.Lock()
	defer g.mu.Unlock()
	anchored := 0
	for _, req := range g.requests {
		if req.AnchorRef != "" {
			anchored++
		}
	}
	if anchored != 2 {
		t.Errorf("%d anchored requests, want 2 opposites", anchored)
	}
}

func TestRunStepBlockedPrimaryStillSettlesOpposite(t *testing.T) {
	v := failVerdict()
	v.Issues[0].Severity = judge.SeverityCritical
	o, store, database := testOrch(t, &fakeGen{}, &fakeJudge{verdicts: []*judge.Verdict{v}})
	runID, primary, opposite := seedRun(t, o, store)

	res, err := o.RunStep(context.Background(), runID, pipeline.StepViews)
	if err != nil {
		t.Fatalf("run step: %v", err)
	}

	// The blocked primary must not strand the opposite in pending; the
	// gate parks it as blocked and the batch still settles.
	p, _ := database.GetAsset(primary)
	if p.Status != db.StatusBlocked {
		t.Errorf("primary status = %s, want blocked", p.Status)
	}
	op, _ := database.GetAsset(opposite)
	if op.Status != db.StatusBlocked {
		t.Errorf("opposite status = %s, want blocked", op.Status)
	}
	if op.BlockReason == "" {
		t.Error("opposite must carry a block reason")
	}

	if !res.AllDone {
		t.Errorf("batch result = %+v, want AllDone", res)
	}
	if res.Completed != 0 || len(res.Blocked) != 1 {
		t.Errorf("batch result = %+v, want 0 completed and 1 blocked space", res)
	}
	if len(res.Blocked) == 1 && !strings.Contains(res.Blocked[0], "primary blocked") {
		t.Errorf("blocked reason = %q", res.Blocked[0])
	}

	run, _ := store.Get(runID)
	if run.Phase != pipeline.ReviewPhase(pipeline.StepViews) {
		t.Errorf("phase = %s, want views review", run.Phase)
	}
}
