package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Phase is the runner's position in NotStarted -> Running -> Completed|Failed.
type Phase string

const (
	PhaseNotStarted Phase = "NotStarted"
	PhaseRunning    Phase = "Running"
	PhaseCompleted  Phase = "Completed"
	PhaseFailed     Phase = "Failed"
)

// File names inside the state directory.
const (
	StatusFile = "status.json"
	MarkerFile = "complete"
	lockFile   = "runner.lock"
)

// ErrLocked is returned when another runner holds the state directory.
var ErrLocked = errors.New("another bootstrap run is in progress")

// Status is the machine-readable record of the last run.
type Status struct {
	Phase        Phase      `json:"phase"`
	RunID        string     `json:"runId,omitempty"`
	Step         int        `json:"step"`
	StepName     string     `json:"stepName,omitempty"`
	Steps        int        `json:"steps,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	ExitCode     int        `json:"exitCode"`
	ManifestHash string     `json:"manifestHash,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Store persists Status and the completion marker under one directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// MarkerPath is the file whose existence means the run completed.
func (s *Store) MarkerPath() string { return filepath.Join(s.dir, MarkerFile) }

func (s *Store) statusPath() string { return filepath.Join(s.dir, StatusFile) }

// Load returns the recorded status, or NotStarted when there is none. The
// marker wins over a status file that disagrees with it.
func (s *Store) Load() (*Status, error) {
	st := &Status{Phase: PhaseNotStarted}
	data, err := os.ReadFile(s.statusPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read status: %w", err)
	default:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.statusPath(), err)
		}
	}
	if _, err := os.Stat(s.MarkerPath()); err == nil && st.Phase != PhaseCompleted {
		st.Phase = PhaseCompleted
	}
	return st, nil
}

// Save writes status atomically.
func (s *Store) Save(st *Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.statusPath(), append(data, '\n'), 0o644)
}

// MarkComplete saves a Completed status and then writes the marker.
func (s *Store) MarkComplete(st *Status) error {
	if err := s.Save(st); err != nil {
		return err
	}
	stamp := st.UpdatedAt.UTC().Format(time.RFC3339) + "\n"
	return writeFileAtomic(s.MarkerPath(), []byte(stamp), 0o644)
}

// Reset forgets every previous run.
func (s *Store) Reset() error {
	for _, p := range []string{s.MarkerPath(), s.statusPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
