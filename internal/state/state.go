package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lampstack/internal/ir"
)

// CurrentVersion is the state format version written by Encode.
const CurrentVersion = 1

const header = "# lampstack state. Managed by lampstack; do not edit.\n"

// New returns an empty state with a fresh lineage.
func New() *ir.State {
	return &ir.State{
		Version: CurrentVersion,
		Lineage: uuid.NewString(),
	}
}

// Encode serializes state as YAML, sealed when EncryptionKeyEnvVar is set.
func Encode(state *ir.State) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(state); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	sealer, err := sealerFromEnv()
	if err != nil {
		return nil, err
	}
	return sealer.Seal(buf.Bytes())
}

// Decode parses state written by Encode.
func Decode(content []byte) (*ir.State, error) {
	sealer, err := sealerFromEnv()
	if err != nil {
		return nil, err
	}
	plain, err := sealer.Open(content)
	if err != nil {
		return nil, err
	}
	var state ir.State
	if err := yaml.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if state.Version > CurrentVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", state.Version, CurrentVersion)
	}
	if state.Version == 0 {
		state.Version = CurrentVersion
	}
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	return &state, nil
}

// Manager stores state in a local file.
type Manager struct {
	path   string
	lockID string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// Read loads the state from the configured path. A missing file yields a
// new empty state.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}
	state, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return state, nil
}

// Write saves the state atomically: it is written to a temporary file in
// the same directory and renamed over the old one.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := Encode(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	return nil
}
