package config

import (
	"time"

	"github.com/panoforge/panoforge/internal/artifact"
	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
	"github.com/panoforge/panoforge/internal/retry"
)

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full pipeline: data location, service endpoints,
// retry policy and artifact storage.
type Pipeline struct {
	Name      string          `yaml:"name"`
	DataDir   string          `yaml:"data_dir"`
	Services  Services        `yaml:"services"`
	Retry     Retry           `yaml:"retry"`
	Artifacts Artifacts       `yaml:"artifacts"`
	Batch     Batch           `yaml:"batch"`
	Steps     map[string]Step `yaml:"steps"`
}

// Step holds per-step overrides, keyed in YAML by the step's short name
// (geometry, styling, spaces, views, panorama). auto_start makes a
// restart of that step retrigger generation immediately; max_candidates
// caps how many spaces the step may register (0 means unlimited).
type Step struct {
	AutoStart     bool `yaml:"auto_start"`
	MaxCandidates int  `yaml:"max_candidates"`
}

// Services holds the external generation and judge endpoints.
type Services struct {
	Generator Service `yaml:"generator"`
	Judge     Service `yaml:"judge"`
}

// Service is one HTTP service endpoint.
type Service struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// Retry configures the automatic retry policy. The blocking lists name
// judge severities and retry suggestions that route an asset straight to
// a human instead of retrying.
type Retry struct {
	MaxAttemptsPerStep  int      `yaml:"max_attempts_per_step"`
	MaxAttemptsPerRun   int      `yaml:"max_attempts_per_run"`
	BackoffBase         string   `yaml:"backoff_base"`
	BackoffCap          string   `yaml:"backoff_cap"`
	MinConfidence       float64  `yaml:"min_confidence"`
	StaleAfter          string   `yaml:"stale_after"`
	BlockingSeverities  []string `yaml:"blocking_severities"`
	BlockingSuggestions []string `yaml:"blocking_suggestions"`
}

// Artifacts selects where generated images land.
type Artifacts struct {
	Backend string `yaml:"backend"` // "minio" or "memory"
	MinIO   MinIO  `yaml:"minio"`
}

// MinIO holds object storage credentials and bucket settings.
type MinIO struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Batch configures the per-step fan-out.
type Batch struct {
	PollInterval string `yaml:"poll_interval"`
}

// RetryPolicy converts the parsed retry section into the controller's
// policy, falling back to defaults for anything unset.
func (p *Pipeline) RetryPolicy() retry.Policy {
	pol := retry.DefaultPolicy()
	if p.Retry.MaxAttemptsPerStep > 0 {
		pol.MaxAttemptsPerStep = p.Retry.MaxAttemptsPerStep
	}
	if p.Retry.MaxAttemptsPerRun > 0 {
		pol.MaxAttemptsPerRun = p.Retry.MaxAttemptsPerRun
	}
	if d := parseDuration(p.Retry.BackoffBase); d > 0 {
		pol.BackoffBase = d
	}
	if d := parseDuration(p.Retry.BackoffCap); d > 0 {
		pol.BackoffCap = d
	}
	if p.Retry.MinConfidence > 0 {
		pol.MinConfidence = p.Retry.MinConfidence
	}
	if d := parseDuration(p.Retry.StaleAfter); d > 0 {
		pol.StaleAfter = d
	}
	if len(p.Retry.BlockingSeverities) > 0 {
		pol.BlockingSeverities = nil
		for _, s := range p.Retry.BlockingSeverities {
			pol.BlockingSeverities = append(pol.BlockingSeverities, judge.Severity(s))
		}
	}
	if len(p.Retry.BlockingSuggestions) > 0 {
		pol.BlockingSuggestion = nil
		for _, s := range p.Retry.BlockingSuggestions {
			pol.BlockingSuggestion = append(pol.BlockingSuggestion, judge.SuggestionType(s))
		}
	}
	return pol
}

// AutoStartSteps resolves the per-step auto_start flags into a set keyed
// by step index, the shape the orchestrator consumes.
func (p *Pipeline) AutoStartSteps() map[int]bool {
	out := map[int]bool{}
	for i := 0; i < pipeline.NumSteps; i++ {
		if s, ok := p.Steps[pipeline.StepName(i)]; ok && s.AutoStart {
			out[i] = true
		}
	}
	return out
}

// MaxCandidates resolves the per-step space caps keyed by step index.
// Steps without a configured cap are absent from the map.
func (p *Pipeline) MaxCandidates() map[int]int {
	out := map[int]int{}
	for i := 0; i < pipeline.NumSteps; i++ {
		if s, ok := p.Steps[pipeline.StepName(i)]; ok && s.MaxCandidates > 0 {
			out[i] = s.MaxCandidates
		}
	}
	return out
}

// MinIOConfig converts the artifacts section for the object store client.
func (p *Pipeline) MinIOConfig() artifact.MinIOConfig {
	m := p.Artifacts.MinIO
	return artifact.MinIOConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		UseSSL:    m.UseSSL,
	}
}

// ServiceTimeout returns a service's timeout, or the fallback when unset
// or unparsable.
func (s *Service) ServiceTimeout(fallback time.Duration) time.Duration {
	if d := parseDuration(s.Timeout); d > 0 {
		return d
	}
	return fallback
}

// PollInterval returns the batch poll interval, or the fallback.
func (b *Batch) Interval(fallback time.Duration) time.Duration {
	if d := parseDuration(b.PollInterval); d > 0 {
		return d
	}
	return fallback
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
