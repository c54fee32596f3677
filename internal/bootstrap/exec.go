package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
)

// Command is a script run through a shell.
type Command struct {
	Shell  string
	Script string
	Env    []string
}

// Executor runs commands. A non-zero exit is reported as *ExitError.
type Executor interface {
	Exec(ctx context.Context, c Command) error
}

// ExitError is a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ShellExecutor runs commands on the local host.
type ShellExecutor struct {
	Stdout io.Writer
	Stderr io.Writer
	Dir    string
}

func (e *ShellExecutor) Exec(ctx context.Context, c Command) error {
	shell := c.Shell
	if shell == "" {
		shell = DefaultShell
	}
	argv, err := shellquote.Split(shell)
	if err != nil {
		return fmt.Errorf("parse shell %q: %w", shell, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty shell")
	}
	argv = append(argv, "-c", c.Script)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode()}
	}
	return err
}
