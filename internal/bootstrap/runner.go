package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// Runner executes a manifest once, strictly in order, recording progress in
// a Store so an interrupted or failed run can be picked up again.
type Runner struct {
	Manifest *Manifest
	Store    *Store
	Exec     Executor
	Secrets  Resolver

	// Root prefixes every path a step writes or tests. Empty means "/".
	Root string
	// Redact scrubs secret values from reasons written to the status file.
	Redact func(string) string

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Run drives the state machine to Completed or Failed. A run that already
// completed returns its status without touching anything. Cancellation of
// ctx is honored only between steps; a step in progress runs to its own
// timeout.
func (r *Runner) Run(ctx context.Context) (*Status, error) {
	log := clog.FromContext(ctx)

	if err := r.Manifest.Validate(); err != nil {
		return nil, err
	}
	unlock, err := r.Store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := r.Store.Load()
	if err != nil {
		return nil, err
	}
	if prev.Phase == PhaseCompleted {
		log.Info("bootstrap already completed", "manifest", r.Manifest.Name)
		return prev, nil
	}

	hash := r.Manifest.Hash()
	start := r.resumeAt(prev, hash)
	now := r.clock()
	st := &Status{
		Phase:        PhaseRunning,
		RunID:        uuid.NewString(),
		Steps:        len(r.Manifest.Steps),
		ManifestHash: hash,
		StartedAt:    &now,
	}
	log = log.With("run_id", st.RunID, "manifest", r.Manifest.Name)
	ctx = clog.WithLogger(ctx, log)
	if prev.Phase != PhaseNotStarted {
		log.Info("resuming bootstrap", "previous_phase", prev.Phase, "previous_step", prev.Step, "start", start)
	}

	for i := start; i < len(r.Manifest.Steps); i++ {
		step := r.Manifest.Steps[i]
		st.Step, st.StepName = i, step.Name

		if err := ctx.Err(); err != nil {
			return st, r.fail(st, fmt.Errorf("%w before step %d (%s): %w", ErrCancelled, i, step.Name, err))
		}

		st.UpdatedAt = r.clock()
		if err := r.Store.Save(st); err != nil {
			return st, err
		}
		if err := r.runStep(ctx, i, step); err != nil {
			log.Error("bootstrap step failed", "step", step.Name, "index", i, "error", err)
			return st, r.fail(st, err)
		}
	}

	done := r.clock()
	st.Phase = PhaseCompleted
	st.UpdatedAt, st.CompletedAt = done, &done
	st.Step = len(r.Manifest.Steps)
	st.StepName = ""
	if err := r.Store.MarkComplete(st); err != nil {
		return st, err
	}
	log.Info("bootstrap completed", "steps", len(r.Manifest.Steps), "elapsed", done.Sub(*st.StartedAt))
	return st, nil
}

// resumeAt picks the first step of a new run. A failed or interrupted run of
// the same manifest resumes at its step when that step can detect its own
// completion; anything else starts from the top.
func (r *Runner) resumeAt(prev *Status, hash string) int {
	if prev.Phase != PhaseFailed && prev.Phase != PhaseRunning {
		return 0
	}
	if prev.ManifestHash != hash || prev.Step < 0 || prev.Step >= len(r.Manifest.Steps) {
		return 0
	}
	if !r.Manifest.Steps[prev.Step].HasPredicate() {
		return 0
	}
	return prev.Step
}

func (r *Runner) fail(st *Status, err error) error {
	reason := err.Error()
	if r.Redact != nil {
		reason = r.Redact(reason)
	}
	st.Phase = PhaseFailed
	st.Reason = reason
	st.ErrorKind = errorKind(err)
	st.ExitCode = ExitCode(err)
	st.UpdatedAt = r.clock()
	if serr := r.Store.Save(st); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (r *Runner) runStep(parent context.Context, i int, raw Step) error {
	timeout := r.Manifest.timeout(&raw)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	log := clog.FromContext(ctx).With("step", raw.Name, "index", i)
	stepErr := func(err error) error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return &StepError{Index: i, Step: raw.Name, Err: err}
	}

	rd := &renderer{ctx: ctx, manifest: r.Manifest, secrets: r.Secrets}
	step, err := rd.renderStep(raw)
	if err != nil {
		return stepErr(fmt.Errorf("render: %w", err))
	}

	if g := step.Readiness; g != nil {
		started := time.Now()
		log.Info("waiting for readiness", "probe", g.Probe())
		attempts, err := g.Wait(ctx, r.Exec, Command{Shell: r.Manifest.shell(&step), Env: envList(step.Env)})
		if err != nil {
			return &ReadinessTimeoutError{
				Index:    i,
				Step:     step.Name,
				Probe:    g.Probe(),
				Attempts: attempts,
				Elapsed:  time.Since(started),
				Last:     err,
			}
		}
	}

	if step.HasPredicate() {
		ok, err := r.satisfied(ctx, &step)
		if err != nil {
			return stepErr(fmt.Errorf("check: %w", err))
		}
		if ok {
			log.Info("step already satisfied, skipping")
			return nil
		}
	}

	log.Info("running step")
	if err := r.act(ctx, &step); err != nil {
		return stepErr(err)
	}

	if step.HasPredicate() {
		ok, err := r.satisfied(ctx, &step)
		if err != nil {
			return stepErr(fmt.Errorf("check: %w", err))
		}
		if !ok {
			return stepErr(ErrUnsatisfied)
		}
	}
	return nil
}

func (r *Runner) act(ctx context.Context, s *Step) error {
	if s.File != nil {
		perm, err := s.File.perm()
		if err != nil {
			return err
		}
		return writeFileAtomic(r.path(s.File.Path), []byte(s.File.Content), perm)
	}
	return r.Exec.Exec(ctx, Command{
		Shell:  r.Manifest.shell(s),
		Script: s.Run,
		Env:    envList(s.Env),
	})
}

// satisfied evaluates every predicate the step declares; all must hold.
func (r *Runner) satisfied(ctx context.Context, s *Step) (bool, error) {
	if s.Creates != "" {
		_, err := os.Stat(r.path(s.Creates))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	if s.File != nil {
		got, err := os.ReadFile(r.path(s.File.Path))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !bytes.Equal(got, []byte(s.File.Content)) {
			return false, nil
		}
	}
	if s.Check != "" {
		err := r.Exec.Exec(ctx, Command{Shell: r.Manifest.shell(s), Script: s.Check, Env: envList(s.Env)})
		var exit *ExitError
		if errors.As(err, &exit) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Runner) path(p string) string {
	if r.Root == "" {
		return p
	}
	return filepath.Join(r.Root, p)
}
