package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/panoforge/panoforge/internal/analytics"
	"github.com/panoforge/panoforge/internal/artifact"
	"github.com/panoforge/panoforge/internal/config"
	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/gen"
	"github.com/panoforge/panoforge/internal/guard"
	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/orchestrator"
	"github.com/panoforge/panoforge/internal/pipeline"
	"github.com/panoforge/panoforge/internal/retry"
)

// app bundles everything a command needs. Commands that only read state
// use the store and db directly; commands that trigger work go through
// the orchestrator.
type app struct {
	cfg   *config.Config
	store *pipeline.Store
	db    *db.DB
	orch  *orchestrator.Orchestrator
}

// openApp loads config and wires the full stack.
func openApp() (*app, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0].Error())
	}

	store, database, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	p := &cfg.Pipeline
	policy := p.RetryPolicy()

	artifacts, err := openArtifacts(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	machine := pipeline.NewMachine(store, database, database)
	ctrl := retry.NewController(policy)
	g := guard.New(database, policy.StaleAfter)
	generator := gen.NewClient(p.Services.Generator.Endpoint, p.Services.Generator.ServiceTimeout(2*time.Minute))
	qaJudge := judge.NewClient(p.Services.Judge.Endpoint, p.Services.Judge.ServiceTimeout(time.Minute))

	orch := orchestrator.New(store, database, machine, g, ctrl, generator, qaJudge, artifacts, orchestrator.Options{
		Calibrator:    analytics.NewCalibrator(database),
		PollInterval:  p.Batch.Interval(2 * time.Second),
		AutoStart:     p.AutoStartSteps(),
		MaxCandidates: p.MaxCandidates(),
	})

	return &app{cfg: cfg, store: store, db: database, orch: orch}, nil
}

// openStores opens just the run store and database, enough for read-only
// commands that never call external services.
func openStores(cfg *config.Config) (*pipeline.Store, *db.DB, error) {
	dataDir := cfg.Pipeline.DataDir
	runsDir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create runs dir: %w", err)
	}
	store := pipeline.NewStore(runsDir)

	database, err := db.Open(filepath.Join(dataDir, "panoforge.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, database, nil
}

func openArtifacts(cfg *config.Config) (artifact.Store, error) {
	switch cfg.Pipeline.Artifacts.Backend {
	case "minio":
		s, err := artifact.NewMinIOStore(context.Background(), cfg.Pipeline.MinIOConfig())
		if err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		return s, nil
	default:
		return artifact.NewMemStore(), nil
	}
}

// Close waits out in-flight workers and releases the database.
func (a *app) Close() {
	a.orch.Wait()
	a.db.Close()
}
