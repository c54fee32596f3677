package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/logging"
	"github.com/picklr-io/lampstack/internal/retry"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

const defaultParallelism = 10

// Apply event statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
//
// Apply runs in two phases. Deletes, including the delete half of every
// replacement, run first in reverse dependency order. Creates and updates
// then run in dependency order. Within a phase independent changes run in
// parallel. A failed change blocks everything that depends on it; unless
// e.ContinueOnError is set it also stops new work from starting.
//
// The returned state always reflects what was actually done, even when an
// error is returned.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	if plan.Metadata != nil && plan.Metadata.PriorStateHash != "" && plan.Metadata.PriorStateHash != HashState(state) {
		return state, ErrStalePlan
	}

	names := map[string]bool{}
	for _, change := range plan.Changes {
		names[changeProvider(change)] = true
	}
	if err := e.loadProviders(ctx, keys(names), plan.Providers); err != nil {
		return state, err
	}

	run := &applyRun{
		state:  state,
		failed: make(map[string]bool),
		emit: func(event ApplyEvent) {
			if callback != nil {
				callback(event)
			}
		},
	}

	var deletes, creates []*step
	for _, change := range plan.Changes {
		switch change.Action {
		case ir.ActionDelete:
			deletes = append(deletes, newStep(change))
		case ir.ActionReplace:
			deletes = append(deletes, newStep(change))
			creates = append(creates, newStep(change))
		case ir.ActionCreate, ir.ActionUpdate:
			creates = append(creates, newStep(change))
		}
	}

	// A delete waits for the deletes of everything that depends on it.
	inDeletes := make(map[string]bool, len(deletes))
	for _, s := range deletes {
		inDeletes[s.change.Address] = true
	}
	for _, s := range deletes {
		for _, dep := range s.change.Dependencies {
			if inDeletes[dep] {
				for _, t := range deletes {
					if t.change.Address == dep {
						t.deps = append(t.deps, s.change.Address)
					}
				}
			}
		}
	}
	for _, s := range creates {
		s.deps = s.change.Dependencies
	}

	logging.Debug("applying plan", "deletes", len(deletes), "creates", len(creates), "parallelism", e.parallelism())

	e.runPhase(ctx, run, deletes, e.deleteResource)
	e.runPhase(ctx, run, creates, e.applyResource)

	state.Serial++
	if plan.Destroy {
		state.Outputs = nil
	} else if outputs, ok := resolveValue(normalizeValue(plan.Outputs), stateLookup(state, nil)).(map[string]any); ok {
		state.Outputs = outputs
	}

	errs := run.errs
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("apply cancelled: %w", err))
	}
	switch len(errs) {
	case 0:
		return state, nil
	case 1:
		return state, errs[0]
	default:
		return state, fmt.Errorf("%d resource(s) failed: %w", len(errs), errors.Join(errs...))
	}
}

type step struct {
	change *ir.ResourceChange
	deps   []string
	done   chan struct{}
}

func newStep(change *ir.ResourceChange) *step {
	return &step{change: change, done: make(chan struct{})}
}

// applyRun is the shared bookkeeping of one apply.
type applyRun struct {
	mu      sync.Mutex
	state   *ir.State
	failed  map[string]bool
	stopped bool
	errs    []error
	emit    func(ApplyEvent)
}

// blocked reports whether addr must not run.
func (r *applyRun) blocked(ctx context.Context, addr string, deps []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.failed[addr] || ctx.Err() != nil {
		return true
	}
	for _, dep := range deps {
		if r.failed[dep] {
			return true
		}
	}
	return false
}

func (r *applyRun) fail(addr string, err error, stop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[addr] = true
	if err != nil {
		r.errs = append(r.errs, err)
		r.stopped = r.stopped || stop
	}
}

func (e *Engine) runPhase(ctx context.Context, run *applyRun, steps []*step, fn func(context.Context, *applyRun, *ir.ResourceChange) error) {
	byAddr := make(map[string]*step, len(steps))
	for _, s := range steps {
		byAddr[s.change.Address] = s
	}
	sem := make(chan struct{}, e.parallelism())

	var wg sync.WaitGroup
	for _, s := range steps {
		wg.Add(1)
		go func(s *step) {
			defer wg.Done()
			defer close(s.done)

			for _, dep := range s.deps {
				if d, ok := byAddr[dep]; ok {
					<-d.done
				}
			}

			c := s.change
			if run.blocked(ctx, c.Address, s.deps) {
				run.fail(c.Address, nil, false)
				run.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusSkipped})
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			run.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusStarted})
			if err := fn(ctx, run, c); err != nil {
				err = &ReconciliationError{Address: c.Address, Action: c.Action, Err: err}
				run.fail(c.Address, err, !e.ContinueOnError)
				run.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusFailed, Duration: time.Since(start), Error: err})
				return
			}
			run.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusCompleted, Duration: time.Since(start)})
		}(s)
	}
	wg.Wait()
}

func changeProvider(change *ir.ResourceChange) string {
	switch {
	case change.Desired != nil && change.Desired.Provider != "":
		return change.Desired.Provider
	case change.Prior != nil && change.Prior.Provider != "":
		return change.Prior.Provider
	default:
		return "null"
	}
}

// applyResource creates or updates one resource and records its outputs.
// The prior state is only sent for updates; a replacement is a fresh create.
func (e *Engine) applyResource(ctx context.Context, run *applyRun, change *ir.ResourceChange) error {
	res := change.Desired
	logging.Debug("applying change", "address", change.Address, "action", change.Action)

	ctx, cancel := withResourceTimeout(ctx, res)
	defer cancel()

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return err
	}

	props := normalizeValue(res.Properties)
	run.mu.Lock()
	resolved := resolveValue(props, stateLookup(run.state, nil))
	var priorJSON []byte
	if change.Action == ir.ActionUpdate {
		if prior := run.state.Find(change.Address); prior != nil {
			priorJSON, err = outputsJSON(prior)
		}
	}
	run.mu.Unlock()
	if err != nil {
		return err
	}
	if refs := rawRefs(resolved); len(refs) > 0 {
		return fmt.Errorf("unresolved reference %s", refs[0])
	}

	desiredJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	resp, err := prov.Apply(ctx, &pb.ApplyRequest{
		Type:              res.Type,
		Name:              res.Name,
		DesiredConfigJSON: desiredJSON,
		PriorStateJSON:    priorJSON,
	})
	if err != nil {
		return err
	}

	var outputs map[string]any
	if len(resp.NewStateJSON) > 0 {
		if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	record := &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       res.Properties,
		InputsHash:   hashJSON(props),
		Outputs:      outputs,
		Dependencies: change.Dependencies,
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	for i, existing := range run.state.Resources {
		if existing.Address() == change.Address {
			run.state.Resources[i] = record
			return nil
		}
	}
	run.state.Resources = append(run.state.Resources, record)
	return nil
}

// deleteResource deletes one recorded resource and drops it from state.
// Deletes are retried on transient errors and while dependents are still
// being torn down by the cloud.
func (e *Engine) deleteResource(ctx context.Context, run *applyRun, change *ir.ResourceChange) error {
	logging.Debug("deleting resource", "address", change.Address, "action", change.Action)

	run.mu.Lock()
	current := run.state.Find(change.Address)
	var stateJSON []byte
	var err error
	if current != nil {
		stateJSON, err = outputsJSON(current)
	}
	run.mu.Unlock()
	if current == nil {
		return nil
	}
	if err != nil {
		return err
	}

	prov, err := e.registry.Get(current.Provider)
	if err != nil {
		return err
	}

	var id string
	if v, ok := current.Outputs["id"]; ok {
		id = fmt.Sprint(v)
	}

	ctx, cancel := withResourceTimeout(ctx, change.Desired)
	defer cancel()

	err = retry.Do(ctx, e.DeleteRetry, func(ctx context.Context) error {
		_, err := prov.Delete(ctx, &pb.DeleteRequest{
			Type:             current.Type,
			ID:               id,
			CurrentStateJSON: stateJSON,
		})
		return err
	}, retryableDelete)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	for i, res := range run.state.Resources {
		if res.Address() == change.Address {
			run.state.Resources = append(run.state.Resources[:i], run.state.Resources[i+1:]...)
			break
		}
	}
	return nil
}

func retryableDelete(err error) bool {
	return retry.IsTransient(err) || strings.Contains(err.Error(), "DependencyViolation")
}
