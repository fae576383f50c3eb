package config

import (
	"fmt"
	"time"

	"github.com/panoforge/panoforge/internal/judge"
	"github.com/panoforge/panoforge/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedBackends is the set of valid artifact storage backends.
var recognizedBackends = map[string]bool{
	"memory": true,
	"minio":  true,
}

// knownStepNames mirrors the pipeline's fixed step vocabulary.
var knownStepNames = func() map[string]bool {
	names := make(map[string]bool, pipeline.NumSteps)
	for i := 0; i < pipeline.NumSteps; i++ {
		names[pipeline.StepName(i)] = true
	}
	return names
}()

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Services.Generator.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "pipeline.services.generator.endpoint", Message: "is required"})
	}
	if p.Services.Judge.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "pipeline.services.judge.endpoint", Message: "is required"})
	}

	for _, svc := range []struct {
		field string
		s     Service
	}{
		{"pipeline.services.generator", p.Services.Generator},
		{"pipeline.services.judge", p.Services.Judge},
	} {
		if svc.s.Timeout != "" {
			if _, err := time.ParseDuration(svc.s.Timeout); err != nil {
				errs = append(errs, ValidationError{
					Field:   svc.field + ".timeout",
					Message: fmt.Sprintf("invalid duration %q", svc.s.Timeout),
				})
			}
		}
	}

	if !recognizedBackends[p.Artifacts.Backend] {
		errs = append(errs, ValidationError{
			Field:   "pipeline.artifacts.backend",
			Message: fmt.Sprintf("unrecognized backend %q (valid: memory, minio)", p.Artifacts.Backend),
		})
	}
	if p.Artifacts.Backend == "minio" {
		m := p.Artifacts.MinIO
		if m.Endpoint == "" {
			errs = append(errs, ValidationError{Field: "pipeline.artifacts.minio.endpoint", Message: "is required"})
		}
		if m.Bucket == "" {
			errs = append(errs, ValidationError{Field: "pipeline.artifacts.minio.bucket", Message: "is required"})
		}
	}

	if p.Retry.MaxAttemptsPerStep < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.retry.max_attempts_per_step", Message: "must not be negative"})
	}
	if p.Retry.MaxAttemptsPerRun < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.retry.max_attempts_per_run", Message: "must not be negative"})
	}
	if step, run := p.Retry.MaxAttemptsPerStep, p.Retry.MaxAttemptsPerRun; step > 0 && run > 0 && step > run {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry.max_attempts_per_step",
			Message: fmt.Sprintf("exceeds max_attempts_per_run (%d > %d)", step, run),
		})
	}
	if c := p.Retry.MinConfidence; c < 0 || c > 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry.min_confidence",
			Message: fmt.Sprintf("must be within [0,1], got %g", c),
		})
	}
	for _, s := range p.Retry.BlockingSeverities {
		if !judge.KnownSeverity(judge.Severity(s)) {
			errs = append(errs, ValidationError{
				Field:   "pipeline.retry.blocking_severities",
				Message: fmt.Sprintf("unknown severity %q", s),
			})
		}
	}
	for _, s := range p.Retry.BlockingSuggestions {
		if !judge.KnownSuggestion(judge.SuggestionType(s)) {
			errs = append(errs, ValidationError{
				Field:   "pipeline.retry.blocking_suggestions",
				Message: fmt.Sprintf("unknown suggestion type %q", s),
			})
		}
	}

	for name, step := range p.Steps {
		if !knownStepNames[name] {
			errs = append(errs, ValidationError{
				Field:   "pipeline.steps." + name,
				Message: "unknown step name",
			})
		}
		if step.MaxCandidates < 0 {
			errs = append(errs, ValidationError{
				Field:   "pipeline.steps." + name + ".max_candidates",
				Message: "must not be negative",
			})
		}
	}

	for _, d := range []struct{ field, val string }{
		{"pipeline.retry.backoff_base", p.Retry.BackoffBase},
		{"pipeline.retry.backoff_cap", p.Retry.BackoffCap},
		{"pipeline.retry.stale_after", p.Retry.StaleAfter},
		{"pipeline.batch.poll_interval", p.Batch.PollInterval},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.val)})
		}
	}

	return errs
}
