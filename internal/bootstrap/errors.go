package bootstrap

import (
	"errors"
	"fmt"
	"time"
)

// Runner exit codes.
const (
	ExitOK        = 0
	ExitInternal  = 1
	ExitStep      = 2
	ExitReadiness = 3
	ExitManifest  = 4
	ExitCancelled = 5
)

var (
	// ErrCancelled is returned when a stop signal arrived between two steps.
	ErrCancelled = errors.New("cancelled at step boundary")
	// ErrUnsatisfied means an action succeeded but its predicate still fails.
	ErrUnsatisfied = errors.New("idempotence check still failing after action")
)

// StepError reports the step that halted the sequence.
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ReadinessTimeoutError is returned when a step's readiness gate never opened.
type ReadinessTimeoutError struct {
	Index    int
	Step     string
	Probe    string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("step %d (%s): %s not ready after %d attempts in %s: %v",
		e.Index, e.Step, e.Probe, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Last }

// ManifestError wraps every problem found while loading a manifest.
type ManifestError struct {
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest: %v", e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	var (
		stepErr     *StepError
		readyErr    *ReadinessTimeoutError
		manifestErr *ManifestError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrCancelled):
		return ExitCancelled
	case errors.As(err, &manifestErr):
		return ExitManifest
	case errors.As(err, &readyErr):
		return ExitReadiness
	case errors.As(err, &stepErr):
		return ExitStep
	}
	return ExitInternal
}

func errorKind(err error) string {
	switch ExitCode(err) {
	case ExitCancelled:
		return "cancelled"
	case ExitManifest:
		return "manifest"
	case ExitReadiness:
		return "readiness_timeout"
	case ExitStep:
		return "step"
	}
	return "internal"
}
