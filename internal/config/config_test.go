package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, ".lampstack", s.Dir)
	assert.Equal(t, 10, s.Parallelism)
	assert.Equal(t, "local", s.Backend.Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LAMPSTACK_LOG_LEVEL", "debug")
	t.Setenv("LAMPSTACK_BACKEND", "s3")
	t.Setenv("LAMPSTACK_S3_BUCKET", "states")
	t.Setenv("LAMPSTACK_S3_ENCRYPT", "true")
	t.Setenv("LAMPSTACK_PARALLELISM", "0")

	s, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "s3", s.Backend.Type)
	assert.Equal(t, 1, s.Parallelism)
	assert.Equal(t, map[string]string{"bucket": "states", "encrypt": "true"}, s.Backend.Map())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LAMPSTACK_LOG_FORMAT=json\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("LAMPSTACK_LOG_FORMAT") })

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "json", s.LogFormat)
}
