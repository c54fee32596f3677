package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lampManifest() *Manifest {
	return &Manifest{
		Version: 1,
		Name:    "lamp",
		Steps: []Step{
			{Name: "apache", Run: "install apache2", Check: "has apache2"},
			{Name: "mysql", Run: "install mysql", Check: "has mysql"},
			{Name: "php", Run: "install php", Check: "has php"},
		},
	}
}

func newRunner(t *testing.T, m *Manifest, host *fakeHost) *Runner {
	t.Helper()
	return &Runner{
		Manifest: m,
		Store:    NewStore(t.TempDir()),
		Exec:     host,
		Root:     t.TempDir(),
	}
}

func TestRun_Completes(t *testing.T) {
	host := newFakeHost()
	r := newRunner(t, lampManifest(), host)

	st, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, map[string]bool{"apache2": true, "mysql": true, "php": true}, host.snapshot())
	assert.Equal(t, []string{
		"has apache2", "install apache2", "has apache2",
		"has mysql", "install mysql", "has mysql",
		"has php", "install php", "has php",
	}, host.calls)
	assert.FileExists(t, r.Store.MarkerPath())

	loaded, err := r.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, loaded.Phase)
	assert.Equal(t, r.Manifest.Hash(), loaded.ManifestHash)
	assert.NotNil(t, loaded.CompletedAt)
}

func TestRun_CompletedIsNoop(t *testing.T) {
	host := newFakeHost()
	r := newRunner(t, lampManifest(), host)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	before := host.snapshot()
	status, err := os.ReadFile(filepath.Join(r.Store.Dir(), StatusFile))
	require.NoError(t, err)
	host.reset()

	st, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Empty(t, host.calls)
	assert.Equal(t, before, host.snapshot())

	after, err := os.ReadFile(filepath.Join(r.Store.Dir(), StatusFile))
	require.NoError(t, err)
	assert.Equal(t, status, after)
}

func TestRun_SkipsSatisfiedSteps(t *testing.T) {
	host := newFakeHost()
	host.installed["apache2"] = true
	host.installed["mysql"] = true
	r := newRunner(t, lampManifest(), host)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, host.ran("install apache2"))
	assert.Zero(t, host.ran("install mysql"))
	assert.Equal(t, 1, host.ran("install php"))
}

func TestRun_StepFailureRecordsStatus(t *testing.T) {
	host := newFakeHost()
	host.broken["mysql"] = true
	r := newRunner(t, lampManifest(), host)

	st, err := r.Run(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, "mysql", stepErr.Step)
	assert.Equal(t, ExitStep, ExitCode(err))
	assert.Zero(t, host.ran("install php"), "later steps must not run")

	assert.Equal(t, PhaseFailed, st.Phase)
	loaded, err := r.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, loaded.Phase)
	assert.Equal(t, 1, loaded.Step)
	assert.Equal(t, "mysql", loaded.StepName)
	assert.Equal(t, "step", loaded.ErrorKind)
	assert.Equal(t, ExitStep, loaded.ExitCode)
	assert.Contains(t, loaded.Reason, "exit status 100")
	assert.NoFileExists(t, r.Store.MarkerPath())
}

func TestRun_ResumesAtFailedStepWithPredicate(t *testing.T) {
	host := newFakeHost()
	host.broken["mysql"] = true
	r := newRunner(t, lampManifest(), host)
	_, err := r.Run(context.Background())
	require.Error(t, err)

	host.broken["mysql"] = false
	host.reset()
	st, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Zero(t, host.ran("has apache2"), "resumed run must start at the failed step")
	assert.Equal(t, 1, host.ran("install mysql"))
}

func TestRun_RestartsWhenFailedStepHasNoPredicate(t *testing.T) {
	host := newFakeHost()
	m := lampManifest()
	m.Steps[1] = Step{Name: "flaky", Run: "fail"}
	r := newRunner(t, m, host)
	_, err := r.Run(context.Background())
	require.Error(t, err)

	m.Steps[1].Run = "ok"
	// Editing the manifest changes its hash, which on its own forces a
	// restart; keep the hash stable to isolate the predicate rule.
	st, err := r.Store.Load()
	require.NoError(t, err)
	st.ManifestHash = m.Hash()
	require.NoError(t, r.Store.Save(st))

	host.reset()
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, host.ran("has apache2"), "run without predicate restarts from step 0")
}

func TestRun_RestartsWhenManifestChanged(t *testing.T) {
	host := newFakeHost()
	host.broken["php"] = true
	r := newRunner(t, lampManifest(), host)
	_, err := r.Run(context.Background())
	require.Error(t, err)

	host.broken["php"] = false
	r.Manifest.Steps = append(r.Manifest.Steps, Step{Name: "extra", Run: "ok"})
	host.reset()
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, host.ran("has apache2"))
}

func TestRun_ReadinessTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	host := newFakeHost()
	m := lampManifest()
	m.Steps[1].Readiness = &Gate{
		TCP:         addr,
		Attempts:    3,
		Interval:    Duration(10 * time.Millisecond),
		MaxInterval: Duration(20 * time.Millisecond),
	}
	r := newRunner(t, m, host)

	started := time.Now()
	st, err := r.Run(context.Background())
	elapsed := time.Since(started)

	var readyErr *ReadinessTimeoutError
	require.ErrorAs(t, err, &readyErr)
	assert.Equal(t, 3, readyErr.Attempts)
	assert.Equal(t, "tcp "+addr, readyErr.Probe)
	assert.Equal(t, 1, readyErr.Index)
	assert.Error(t, readyErr.Last)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, ExitReadiness, ExitCode(err))
	assert.Equal(t, "readiness_timeout", st.ErrorKind)
	assert.Zero(t, host.ran("install mysql"))
}

func TestRun_ReadinessGateOpens(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	host := newFakeHost()
	m := lampManifest()
	m.Steps[2].Readiness = &Gate{TCP: l.Addr().String(), Attempts: 2, Interval: Duration(time.Millisecond)}
	r := newRunner(t, m, host)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
}

func TestRun_CommandGateUsesStepShellAndEnv(t *testing.T) {
	host := newFakeHost()
	m := lampManifest()
	m.Shell = "/bin/bash -euo pipefail"
	m.Steps[1].Env = map[string]string{"MYSQL_PWD": "x"}
	m.Steps[1].Readiness = &Gate{Command: "ok", Attempts: 1}
	r := newRunner(t, m, host)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	gate, ok := host.command("ok")
	require.True(t, ok)
	assert.Equal(t, "/bin/bash -euo pipefail", gate.Shell)
	assert.Equal(t, []string{"MYSQL_PWD=x"}, gate.Env)

	run, ok := host.command("install mysql")
	require.True(t, ok)
	assert.Equal(t, run.Shell, gate.Shell)
	assert.Equal(t, run.Env, gate.Env)
}

func TestRun_GateTimeoutBoundsWait(t *testing.T) {
	host := newFakeHost()
	m := lampManifest()
	m.Steps[0].Readiness = &Gate{
		Command:  "hang",
		Attempts: 100,
		Interval: Duration(time.Millisecond),
		Timeout:  Duration(50 * time.Millisecond),
	}
	r := newRunner(t, m, host)

	started := time.Now()
	_, err := r.Run(context.Background())
	var readyErr *ReadinessTimeoutError
	require.ErrorAs(t, err, &readyErr)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestRun_StepTimeout(t *testing.T) {
	host := newFakeHost()
	m := lampManifest()
	m.Steps[0] = Step{Name: "slow", Run: "hang", Timeout: Duration(30 * time.Millisecond)}
	r := newRunner(t, m, host)

	_, err := r.Run(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	host := newFakeHost()
	r := newRunner(t, lampManifest(), host)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := r.Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, ExitCancelled, ExitCode(err))
	assert.Empty(t, host.calls)
	assert.Equal(t, "cancelled", st.ErrorKind)
}

func TestRun_CancelHonoredAtStepBoundary(t *testing.T) {
	host := newFakeHost()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host.onExec = func(script string) {
		if script == "install apache2" {
			cancel()
		}
	}
	r := newRunner(t, lampManifest(), host)

	st, err := r.Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, host.snapshot()["apache2"], "step in progress runs to completion")
	assert.Equal(t, 2, host.ran("has apache2"), "step in progress is verified")
	assert.Zero(t, host.ran("has mysql"))
	assert.Equal(t, 1, st.Step)

	// The next invocation resumes at the step that never started.
	host.reset()
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, host.ran("has apache2"))
}

func TestRun_PredicateStillFailing(t *testing.T) {
	host := newFakeHost()
	m := lampManifest()
	m.Steps[0].Run = "ok"
	r := newRunner(t, m, host)

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnsatisfied)
	assert.Equal(t, ExitStep, ExitCode(err))
}

func TestRun_FileStepWithSecret(t *testing.T) {
	host := newFakeHost()
	m := &Manifest{
		Version: 1,
		Name:    "config",
		Vars:    map[string]string{"db": "wordpress"},
		Secrets: map[string]string{"db_password": "env://DB_PASSWORD"},
		Steps: []Step{{
			Name: "wp-config",
			File: &File{
				Path:    "/var/www/html/wp-config.php",
				Content: "db={{ .Vars.db }} pw={{ secret \"db_password\" }}\n",
				Mode:    "0640",
			},
		}},
	}
	r := newRunner(t, m, host)
	r.Secrets = fakeResolver{"env://DB_PASSWORD": "s3cret"}

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(r.Root, "var/www/html/wp-config.php")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db=wordpress pw=s3cret\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.Empty(t, host.calls)
}

func TestRun_SecretFailureIsRedactedStepError(t *testing.T) {
	host := newFakeHost()
	m := &Manifest{
		Version: 1,
		Name:    "config",
		Secrets: map[string]string{"pw": "env://MISSING"},
		Steps:   []Step{{Name: "use", Run: "install {{ secret \"pw\" }}"}},
	}
	r := newRunner(t, m, host)
	r.Secrets = fakeResolver{}
	r.Redact = func(s string) string { return "redacted:" + s }

	st, err := r.Run(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Contains(t, st.Reason, "redacted:")
	assert.Empty(t, host.calls)
}

func TestRun_CreatesPredicate(t *testing.T) {
	host := newFakeHost()
	m := &Manifest{
		Version: 1,
		Name:    "download",
		Steps:   []Step{{Name: "fetch", Run: "ok", Creates: "/opt/app/ready"}},
	}
	r := newRunner(t, m, host)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "opt/app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "opt/app/ready"), nil, 0o644))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, host.calls)
}

func TestRun_InvalidManifest(t *testing.T) {
	r := newRunner(t, &Manifest{Version: 1}, newFakeHost())
	_, err := r.Run(context.Background())
	assert.Equal(t, ExitManifest, ExitCode(err))
}

func TestRun_Locked(t *testing.T) {
	r := newRunner(t, lampManifest(), newFakeHost())
	unlock, err := r.Store.Lock()
	require.NoError(t, err)
	defer unlock()

	_, err = r.Run(context.Background())
	assert.True(t, errors.Is(err, ErrLocked))
}
