package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/lampstack/internal/ir"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

// Drift kinds.
const (
	DriftMissing = "missing"
	DriftChanged = "changed"
)

// Drift describes a difference between state and the real resource.
type Drift struct {
	Address string
	Kind    string
	// Changed lists the output attributes that differ.
	Changed []string
}

// Refresh reads every recorded resource from its provider and folds what it
// finds back into state: resources that no longer exist are dropped and
// changed outputs are replaced. The state serial is bumped only when
// something drifted.
func (e *Engine) Refresh(ctx context.Context, state *ir.State, providers map[string]ir.ProviderConfig) ([]Drift, error) {
	names := map[string]bool{}
	for _, res := range state.Resources {
		names[res.Provider] = true
	}
	if err := e.loadProviders(ctx, keys(names), providers); err != nil {
		return nil, err
	}

	type result struct {
		exists  bool
		outputs map[string]any
	}
	results := make([]result, len(state.Resources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism())
	for i, res := range state.Resources {
		g.Go(func() error {
			prov, err := e.registry.Get(res.Provider)
			if err != nil {
				return err
			}
			current, err := outputsJSON(res)
			if err != nil {
				return err
			}
			var id string
			if v, ok := res.Outputs["id"]; ok {
				id = fmt.Sprint(v)
			}
			resp, err := prov.Read(gctx, &pb.ReadRequest{Type: res.Type, ID: id, CurrentStateJSON: current})
			if err != nil {
				return fmt.Errorf("read %s: %w", res.Address(), err)
			}
			results[i].exists = resp.Exists
			if resp.Exists && len(resp.NewStateJSON) > 0 {
				if err := json.Unmarshal(resp.NewStateJSON, &results[i].outputs); err != nil {
					return fmt.Errorf("read %s: failed to unmarshal state: %w", res.Address(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var drift []Drift
	kept := state.Resources[:0]
	for i, res := range state.Resources {
		r := results[i]
		if !r.exists {
			drift = append(drift, Drift{Address: res.Address(), Kind: DriftMissing})
			continue
		}
		if r.outputs != nil {
			if changed := changedKeys(res.Outputs, r.outputs); len(changed) > 0 {
				drift = append(drift, Drift{Address: res.Address(), Kind: DriftChanged, Changed: changed})
				res.Outputs = r.outputs
			}
		}
		kept = append(kept, res)
	}
	state.Resources = kept

	if len(drift) > 0 {
		state.Serial++
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Address < drift[j].Address })
	return drift, nil
}

func changedKeys(before, after map[string]any) []string {
	var changed []string
	for k := range buildPropertyDiff(normalizeMap(before), normalizeMap(after)) {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return normalizeValue(m).(map[string]any)
}
