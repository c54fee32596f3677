package state

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/picklr-io/lampstack/internal/ir"
)

// DefaultWorkspace is the workspace used when none is selected.
const DefaultWorkspace = "default"

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error

	// ForceUnlock removes a lock left behind by a crashed run.
	ForceUnlock(ctx context.Context) error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local" or "s3"
	Config map[string]string `json:"config"`
	// Dir is the local state directory.
	Dir       string `json:"dir"`
	Workspace string `json:"workspace"`
}

// LocalPath returns the state file of a workspace under dir.
func LocalPath(dir, workspace string) string {
	if workspace == "" || workspace == DefaultWorkspace {
		return filepath.Join(dir, "state.yaml")
	}
	return filepath.Join(dir, "workspaces", workspace, "state.yaml")
}

// NewBackend creates a state backend from configuration.
func NewBackend(ctx context.Context, cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		return NewManager(LocalPath(cfg.Dir, cfg.Workspace)), nil
	case "s3":
		return newS3Backend(ctx, cfg.Config, cfg.Workspace)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
