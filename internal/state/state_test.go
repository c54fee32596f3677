package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/ir"
)

func sampleState() *ir.State {
	return &ir.State{
		Version: 1,
		Serial:  3,
		Lineage: "test-lineage",
		Resources: []*ir.ResourceState{
			{
				Type:         "aws:EC2.Subnet",
				Name:         "public",
				Provider:     "aws",
				Inputs:       map[string]any{"vpcId": "ptr://aws:EC2.Vpc/main/id", "cidrBlock": "10.0.1.0/24"},
				InputsHash:   "hash123",
				Outputs:      map[string]any{"id": "subnet-1", "tags": map[string]any{"Name": "public"}},
				Dependencies: []string{"aws:EC2.Vpc.main"},
			},
		},
		Outputs: map[string]any{"publicIp": "203.0.113.10"},
	}
}

func TestManager_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	statePath := filepath.Join(t.TempDir(), "nested", "state.yaml")
	mgr := NewManager(statePath)
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, 0, s.Serial)
	_, err = uuid.Parse(s.Lineage)
	assert.NoError(t, err)

	require.NoError(t, mgr.Write(ctx, sampleState()))

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "type: aws:EC2.Subnet")
	assert.Contains(t, string(content), "lineage: test-lineage")

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)

	info, err := os.Stat(statePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestManager_Encrypted(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "passphrase")
	mgr := NewManager(filepath.Join(t.TempDir(), "state.yaml"))
	ctx := context.Background()

	require.NoError(t, mgr.Write(ctx, sampleState()))
	content, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	assert.True(t, IsSealed(content))
	assert.NotContains(t, string(content), "subnet-1")

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "subnet-1", got.Resources[0].Outputs["id"])
}

func TestDecode_RejectsNewerVersion(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	_, err := Decode([]byte("version: 9\n"))
	assert.ErrorContains(t, err, "newer")
}

func TestManager_Lock(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.yaml"))
	other := NewManager(mgr.Path())
	ctx := context.Background()

	require.NoError(t, mgr.Lock(ctx))
	err := other.Lock(ctx)
	require.ErrorIs(t, err, ErrLocked)
	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	require.NotNil(t, lerr.Holder)
	assert.Equal(t, os.Getpid(), lerr.Holder.PID)

	assert.ErrorIs(t, other.Unlock(ctx), ErrLocked)
	require.NoError(t, mgr.Unlock(ctx))
	require.NoError(t, other.Lock(ctx))
	require.NoError(t, other.Unlock(ctx))
	require.NoError(t, other.Unlock(ctx))
}

func TestManager_ForceUnlock(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.yaml"))
	other := NewManager(mgr.Path())
	ctx := context.Background()

	require.NoError(t, mgr.Lock(ctx))
	require.NoError(t, other.ForceUnlock(ctx))
	require.NoError(t, other.Lock(ctx))
	require.NoError(t, other.Unlock(ctx))
}

func TestManager_LockBreaksAbandoned(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.yaml"))
	ctx := context.Background()

	host, err := os.Hostname()
	require.NoError(t, err)
	dead := LockInfo{ID: "old", Who: "ci", Host: host, PID: 1 << 22, Created: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.lockPath(), data, 0o644))

	require.NoError(t, mgr.Lock(ctx))
	require.NoError(t, mgr.Unlock(ctx))

	alive := dead
	alive.Host = "some-other-host"
	data, err = json.Marshal(alive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.lockPath(), data, 0o644))
	assert.ErrorIs(t, mgr.Lock(ctx), ErrLocked)
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, filepath.Join(".lampstack", "state.yaml"), LocalPath(".lampstack", ""))
	assert.Equal(t, filepath.Join(".lampstack", "state.yaml"), LocalPath(".lampstack", DefaultWorkspace))
	assert.Equal(t, filepath.Join(".lampstack", "workspaces", "staging", "state.yaml"), LocalPath(".lampstack", "staging"))
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	_, err := NewBackend(ctx, nil)
	assert.ErrorContains(t, err, "nil")

	_, err = NewBackend(ctx, &BackendConfig{Type: "redis"})
	assert.ErrorContains(t, err, "unknown backend type")

	b, err := NewBackend(ctx, &BackendConfig{Type: "local", Dir: "d", Workspace: "dev"})
	require.NoError(t, err)
	assert.Equal(t, LocalPath("d", "dev"), b.(*Manager).Path())
}
