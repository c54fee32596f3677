package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellExecutor(t *testing.T) {
	var out bytes.Buffer
	ex := &ShellExecutor{Stdout: &out, Stderr: &out}
	ctx := context.Background()

	require.NoError(t, ex.Exec(ctx, Command{Script: `echo "hello $WHO"`, Env: []string{"WHO=world"}}))
	assert.Equal(t, "hello world\n", out.String())

	err := ex.Exec(ctx, Command{Script: "exit 3"})
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.Code)

	err = ex.Exec(ctx, Command{Shell: "/bin/sh -e", Script: "false; echo unreachable"})
	require.ErrorAs(t, err, &exit)
	assert.NotContains(t, out.String(), "unreachable")
}

func TestShellExecutor_Timeout(t *testing.T) {
	ex := &ShellExecutor{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ex.Exec(ctx, Command{Script: "sleep 5"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_HTTP(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Swap(true) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := &Gate{HTTP: srv.URL, Attempts: 3, Interval: Duration(time.Millisecond)}
	attempts, err := g.Wait(context.Background(), newFakeHost(), Command{})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestGate_Command(t *testing.T) {
	host := newFakeHost()
	g := &Gate{Command: "has mysql", Attempts: 2, Interval: Duration(time.Millisecond)}

	attempts, err := g.Wait(context.Background(), host, Command{})
	var exit *ExitError
	assert.True(t, errors.As(err, &exit))
	assert.Equal(t, 2, attempts)

	host.installed["mysql"] = true
	attempts, err = g.Wait(context.Background(), host, Command{})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&StepError{Index: 1, Step: "x", Err: errors.New("boom")}, ExitStep},
		{&ReadinessTimeoutError{Step: "x", Last: errors.New("refused")}, ExitReadiness},
		{&ManifestError{Err: errors.New("bad")}, ExitManifest},
		{ErrCancelled, ExitCancelled},
		{errors.New("disk full"), ExitInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
