package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrStaleEpoch is returned by UpdateIfEpoch when the run was restarted
// underneath the caller; the caller must discard its result.
var ErrStaleEpoch = errors.New("run epoch advanced")

// Store manages run state on disk. Each run is one JSON document; all
// mutation goes through per-run locked read-modify-write so concurrent
// asset workers patching different keys of the same run never lose updates.
type Store struct {
	baseDir string // defaults to ~/.panoforge/runs

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per run ID
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// DefaultStore returns a Store at ~/.panoforge/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".panoforge", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

// lockFor returns the mutex guarding a single run's document.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create initialises a new run on disk, starting at the geometry pending phase.
func (s *Store) Create(id string, sourceImage string) (*PipelineRun, error) {
	dir := s.runDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir run dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	run := &PipelineRun{
		ID:          id,
		SourceImage: sourceImage,
		Phase:       PendingPhase(StepGeometry),
		CurrentStep: StepGeometry,
		StepOutputs: map[int]StepOutput{},
		StepRetry:   map[int]RetryState{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.writeRun(id, run); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return run, nil
}

// Get reads the run state for an id.
func (s *Store) Get(id string) (*PipelineRun, error) {
	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	var run PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// writeRun persists a run document atomically: marshal, write to a temp
// file beside the target, rename over it. A reader never observes a
// partially written run.json.
func (s *Store) writeRun(id string, run *PipelineRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.runDir(id), "run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("temp file for run %s: %w", id, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write run %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for run %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), s.runPath(id)); err != nil {
		return fmt.Errorf("replace run.json for %s: %w", id, err)
	}
	return nil
}

// Update performs a locked read-modify-write of the run state.
func (s *Store) Update(id string, fn func(*PipelineRun)) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.updateLocked(id, fn)
}

// UpdateIfEpoch applies fn only if the run's reset epoch still equals
// epoch. A mismatch means the run was restarted while the caller was
// working; the write is discarded and ErrStaleEpoch returned. This is
// the fencing check every background worker performs before its final
// persist.
func (s *Store) UpdateIfEpoch(id string, epoch int64, fn func(*PipelineRun)) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	run, err := s.Get(id)
	if err != nil {
		return err
	}
	if run.ResetEpoch != epoch {
		return fmt.Errorf("run %s epoch %d != captured %d: %w", id, run.ResetEpoch, epoch, ErrStaleEpoch)
	}
	fn(run)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.writeRun(id, run)
}

func (s *Store) updateLocked(id string, fn func(*PipelineRun)) error {
	run, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(run)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.writeRun(id, run)
}

// List returns all runs, sorted by creation time.
func (s *Store) List() ([]PipelineRun, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []PipelineRun
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		runs = append(runs, *run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt < runs[j].CreatedAt
	})
	return runs, nil
}

// Delete removes all on-disk state for a run.
func (s *Store) Delete(id string) error {
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", id)
	}
	return os.RemoveAll(dir)
}
