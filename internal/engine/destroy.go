package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/logging"
)

// CreateDestroyPlan plans the deletion of every recorded resource, or of the
// targets and everything recorded as depending on them. cfg may be nil; when
// present its preventDestroy settings are enforced.
func (e *Engine) CreateDestroyPlan(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	selected := map[string]bool{}
	if len(targets) == 0 {
		for _, res := range state.Resources {
			selected[res.Address()] = true
		}
	} else {
		for _, t := range targets {
			if state.Find(t) == nil {
				return nil, fmt.Errorf("target %s is not in state", t)
			}
			selected[t] = true
		}
		for _, addr := range dependents(state, selected) {
			selected[addr] = true
		}
	}

	var providers map[string]ir.ProviderConfig
	if cfg != nil {
		providers = cfg.Providers
		for _, res := range prepare(cfg) {
			if selected[res.Address()] && res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
				return nil, fmt.Errorf("%w: %s", ErrPreventDestroy, res.Address())
			}
		}
	}

	names := map[string]bool{}
	for _, res := range state.Resources {
		if selected[res.Address()] {
			names[res.Provider] = true
		}
	}
	if err := e.loadProviders(ctx, keys(names), providers); err != nil {
		return nil, err
	}

	changes, err := planDeletes(state, func(addr string) bool { return selected[addr] })
	if err != nil {
		return nil, err
	}
	logging.Debug("created destroy plan", "deletes", len(changes))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			PriorStateHash: HashState(state),
			Lineage:        state.Lineage,
		},
		Changes:   changes,
		Summary:   &ir.PlanSummary{Delete: len(changes)},
		Destroy:   true,
		Providers: providers,
	}
	if plan.Changes == nil {
		plan.Changes = []*ir.ResourceChange{}
	}
	return plan, nil
}

// dependents returns the recorded resources that transitively depend on any
// address in roots.
func dependents(state *ir.State, roots map[string]bool) []string {
	found := map[string]bool{}
	for changed := true; changed; {
		changed = false
		for _, res := range state.Resources {
			addr := res.Address()
			if roots[addr] || found[addr] {
				continue
			}
			for _, dep := range res.Dependencies {
				if roots[dep] || found[dep] {
					found[addr] = true
					changed = true
					break
				}
			}
		}
	}
	return keys(found)
}
