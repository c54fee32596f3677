package bootstrap

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := NewStore(t.TempDir())

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseNotStarted, st.Phase)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Save(&Status{Phase: PhaseFailed, Step: 2, StepName: "db", Reason: "boom", UpdatedAt: now}))
	st, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, 2, st.Step)
	assert.Equal(t, "boom", st.Reason)

	require.NoError(t, s.MarkComplete(&Status{Phase: PhaseCompleted, UpdatedAt: now}))
	marker, err := os.ReadFile(s.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z\n", string(marker))

	require.NoError(t, s.Reset())
	st, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseNotStarted, st.Phase)
	require.NoError(t, s.Reset())
}

func TestStore_MarkerWins(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Save(&Status{Phase: PhaseRunning}))
	require.NoError(t, os.WriteFile(s.MarkerPath(), nil, 0o644))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
}

func TestStore_Lock(t *testing.T) {
	s := NewStore(t.TempDir())
	unlock, err := s.Lock()
	require.NoError(t, err)

	_, err = s.Lock()
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock())
	unlock, err = s.Lock()
	require.NoError(t, err)
	require.NoError(t, unlock())
}
