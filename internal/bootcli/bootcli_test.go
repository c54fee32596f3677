package bootcli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/bootstrap"
)

const testManifest = `version: 1
name: smoke
secrets:
  token: env://LAMPSTACK_BOOT_TEST_TOKEN
steps:
  - name: config
    file:
      path: /etc/app/app.conf
      content: "listen 80\n"
  - name: announce
    run: echo "token is {{ secret "token" }}"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := Execute(context.Background())
	return out.String(), err
}

type fixture struct {
	manifest, state, log, root string
}

func newFixture(t *testing.T, manifest string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		manifest: filepath.Join(dir, "manifest.yaml"),
		state:    filepath.Join(dir, "state"),
		log:      filepath.Join(dir, "log", "boot.log"),
		root:     filepath.Join(dir, "root"),
	}
	require.NoError(t, os.WriteFile(f.manifest, []byte(manifest), 0o600))
	return f
}

func (f fixture) run(t *testing.T) (string, error) {
	return execute(t, "run",
		"--manifest", f.manifest,
		"--state-dir", f.state,
		"--log-file", f.log,
		"--root", f.root,
		"--region", "us-east-1",
	)
}

func TestRun_CompletesAndRedacts(t *testing.T) {
	t.Setenv("LAMPSTACK_BOOT_TEST_TOKEN", "s3cr3t-value")
	f := newFixture(t, testManifest)

	out, err := f.run(t)
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cr3t-value")

	conf, err := os.ReadFile(filepath.Join(f.root, "etc", "app", "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "listen 80\n", string(conf))
	assert.FileExists(t, filepath.Join(f.state, bootstrap.MarkerFile))

	logged, err := os.ReadFile(f.log)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "token is [REDACTED]")
	assert.Contains(t, string(logged), `"msg":"bootstrap completed"`)
	assert.NotContains(t, string(logged), "s3cr3t-value")

	out, err = execute(t, "status", "--state-dir", f.state)
	require.NoError(t, err)
	var st bootstrap.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, bootstrap.PhaseCompleted, st.Phase)
	assert.Equal(t, 2, st.Steps)
}

func TestRun_StepFailure(t *testing.T) {
	f := newFixture(t, `version: 1
name: broken
steps:
  - name: ok
    run: "true"
  - name: fails
    run: exit 7
`)

	_, err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, bootstrap.ExitStep, ExitCode(err))

	out, err := execute(t, "status", "--state-dir", f.state)
	require.Error(t, err)
	assert.Equal(t, bootstrap.ExitStep, ExitCode(err))
	assert.Contains(t, out, `"phase": "Failed"`)
	assert.Contains(t, out, `"stepName": "fails"`)

	_, err = execute(t, "reset", "--state-dir", f.state)
	require.NoError(t, err)
	st, err := bootstrap.NewStore(f.state).Load()
	require.NoError(t, err)
	assert.Equal(t, bootstrap.PhaseNotStarted, st.Phase)
}

func TestRun_InvalidManifest(t *testing.T) {
	f := newFixture(t, "version: 9\nname: x\nsteps: []\n")

	_, err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, bootstrap.ExitManifest, ExitCode(err))
}

func TestLoadManifest_DefaultFallback(t *testing.T) {
	old := manifestPath
	t.Cleanup(func() { manifestPath = old })

	manifestPath = filepath.Join(t.TempDir(), "missing.yaml")
	m, err := loadManifest(false)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.DefaultManifest().Name, m.Name)

	_, err = loadManifest(true)
	require.Error(t, err)
	assert.Equal(t, bootstrap.ExitManifest, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, bootstrap.ExitOK, ExitCode(nil))
	assert.Equal(t, bootstrap.ExitReadiness, ExitCode(&recordedFailure{status: &bootstrap.Status{ExitCode: bootstrap.ExitReadiness}}))
	assert.Equal(t, bootstrap.ExitCancelled, ExitCode(bootstrap.ErrCancelled))
}
