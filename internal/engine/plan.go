package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/logging"
	"github.com/picklr-io/lampstack/internal/provider"
	"github.com/picklr-io/lampstack/internal/retry"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry *provider.Registry

	// ContinueOnError makes apply carry on past a failed resource. Resources
	// depending on it are still skipped.
	ContinueOnError bool
	// Parallelism bounds concurrent provider calls during apply and refresh.
	Parallelism int
	// DeleteRetry governs retries of deletes on transient and dependency
	// errors. Creates and updates are never retried.
	DeleteRetry *retry.Policy
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: defaultParallelism,
		DeleteRetry: &retry.Policy{MaxRetries: 6, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: true},
	}
}

func (e *Engine) parallelism() int {
	if e.Parallelism <= 0 {
		return defaultParallelism
	}
	return e.Parallelism
}

// loadProviders loads every named provider with its settings from configs.
func (e *Engine) loadProviders(ctx context.Context, names []string, configs map[string]ir.ProviderConfig) error {
	sort.Strings(names)
	for _, name := range names {
		if err := e.registry.LoadProvider(ctx, name, configs[name]); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}
	return nil
}

// CreatePlan generates an execution plan by comparing desired config with current state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource addresses
// and their dependencies. If targets is empty, all resources are planned.
// The configuration is validated before any provider is loaded.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	resources := prepare(cfg)
	if err := Validate(cfg, resources); err != nil {
		return nil, err
	}
	logging.Debug("creating plan", "resources", len(resources), "state_resources", len(state.Resources), "targets", len(targets))

	dag, err := BuildDAG(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	names := map[string]bool{}
	for _, res := range resources {
		names[res.Provider] = true
	}
	for _, res := range state.Resources {
		names[res.Provider] = true
	}
	if err := e.loadProviders(ctx, keys(names), cfg.Providers); err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			ConfigHash:     hashJSON(struct {
				Resources []*ir.Resource
				Outputs   map[string]any
			}{resources, cfg.Outputs}),
			PriorStateHash: HashState(state),
			Lineage:        state.Lineage,
		},
		Changes:   []*ir.ResourceChange{},
		Summary:   &ir.PlanSummary{},
		Outputs:   cfg.Outputs,
		Providers: cfg.Providers,
	}

	byAddr := make(map[string]*ir.Resource, len(resources))
	for _, res := range resources {
		byAddr[res.Address()] = res
	}

	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			targetSet[t] = true
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// unknown holds resources whose attributes are only known after apply.
	unknown := make(map[string]bool)
	lookup := stateLookup(state, unknown)

	for _, addr := range dag.CreationOrder() {
		res := byAddr[addr]
		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		change, err := e.planResource(ctx, res, state.Find(addr), lookup)
		if err != nil {
			return nil, err
		}
		if change == nil {
			plan.Summary.NoOp++
			continue
		}
		if change.Action == ir.ActionCreate || change.Action == ir.ActionReplace {
			unknown[addr] = true
		}
		change.Dependencies = dag.Dependencies(addr)
		plan.Changes = append(plan.Changes, change)
		countAction(plan.Summary, change.Action)
	}

	deletes, err := planDeletes(state, func(addr string) bool {
		_, declared := byAddr[addr]
		return !declared && (targetSet == nil || targetSet[addr])
	})
	if err != nil {
		return nil, err
	}
	for _, change := range deletes {
		plan.Changes = append(plan.Changes, change)
		plan.Summary.Delete++
	}

	return plan, nil
}

// planResource asks the provider how to converge res. It returns nil when
// nothing needs to change.
func (e *Engine) planResource(ctx context.Context, res *ir.Resource, prior *ir.ResourceState, lookup lookupFunc) (*ir.ResourceChange, error) {
	addr := res.Address()
	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return nil, err
	}

	desiredJSON, err := json.Marshal(resolveValue(normalizeValue(res.Properties), lookup))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
	}
	var priorJSON []byte
	if prior != nil {
		if priorJSON, err = outputsJSON(prior); err != nil {
			return nil, err
		}
	}

	resp, err := prov.Plan(ctx, &pb.PlanRequest{
		Type:              res.Type,
		Name:              res.Name,
		DesiredConfigJSON: desiredJSON,
		PriorStateJSON:    priorJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
	}

	action := resp.Action
	tainted := prior != nil && prior.Tainted
	switch {
	case tainted:
		action = pb.ActionReplace
	case action == pb.ActionUpdate || action == pb.ActionReplace:
		if ignoresAll(res, resp.ChangedAttributes) {
			action = pb.ActionNoop
		}
	}
	if action == pb.ActionNoop {
		return nil, nil
	}
	if err := enforceLifecycle(res, action, addr); err != nil {
		return nil, err
	}

	change := &ir.ResourceChange{
		Address: addr,
		Action:  action.String(),
		Desired: res,
	}
	if prior != nil {
		change.Prior = &ir.Resource{
			Type:       prior.Type,
			Name:       prior.Name,
			Provider:   prior.Provider,
			Properties: prior.Inputs,
		}
		change.Diff = buildPropertyDiff(prior.Inputs, res.Properties)
		if action == pb.ActionReplace {
			for _, attr := range resp.ChangedAttributes {
				if d, ok := change.Diff[attr]; ok {
					d.ForcesReplacement = true
				}
			}
		}
	} else {
		change.Diff = buildCreateDiff(res.Properties)
	}
	return change, nil
}

// planDeletes returns DELETE changes for recorded resources selected by
// include, in reverse dependency order.
func planDeletes(state *ir.State, include func(addr string) bool) ([]*ir.ResourceChange, error) {
	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order deletes: %w", err)
	}

	var changes []*ir.ResourceChange
	for _, addr := range dag.DestructionOrder() {
		if !include(addr) {
			continue
		}
		res := state.Find(addr)
		changes = append(changes, &ir.ResourceChange{
			Address: addr,
			Action:  ir.ActionDelete,
			Prior: &ir.Resource{
				Type:       res.Type,
				Name:       res.Name,
				Provider:   res.Provider,
				Properties: res.Inputs,
			},
			Diff:         buildDeleteDiff(res.Inputs),
			Dependencies: res.Dependencies,
		})
	}
	return changes, nil
}

func countAction(s *ir.PlanSummary, action string) {
	switch action {
	case ir.ActionCreate:
		s.Create++
	case ir.ActionUpdate:
		s.Update++
	case ir.ActionReplace:
		s.Replace++
	case ir.ActionDelete:
		s.Delete++
	}
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action pb.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}
	if res.Lifecycle.PreventDestroy && (action == pb.ActionDelete || action == pb.ActionReplace) {
		return fmt.Errorf("%w: %s would be destroyed by %s", ErrPreventDestroy, addr, action)
	}
	return nil
}

// ignoresAll reports whether every changed attribute is listed in the
// resource's ignoreChanges.
func ignoresAll(res *ir.Resource, changed []string) bool {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 || len(changed) == 0 {
		return false
	}
	ignore := make(map[string]bool, len(res.Lifecycle.IgnoreChanges))
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignore[attr] = true
	}
	for _, attr := range changed {
		if !ignore[attr] {
			return false
		}
	}
	return true
}

// HashState fingerprints the parts of a state a plan depends on.
func HashState(state *ir.State) string {
	return hashJSON(struct {
		Serial    int
		Lineage   string
		Resources []*ir.ResourceState
	}{state.Serial, state.Lineage, state.Resources})
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func outputsJSON(res *ir.ResourceState) ([]byte, error) {
	if res.Outputs == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(normalizeValue(res.Outputs))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state of %s: %w", res.Address(), err)
	}
	return b, nil
}

var sensitiveKeys = []string{"password", "secret", "privatekey", "userdata"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case hashJSON(normalizeValue(priorVal)) != hashJSON(normalizeValue(desiredVal)):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		default:
			continue
		}
		diff[k].Sensitive = isSensitive(k)
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create", Sensitive: isSensitive(k)}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete", Sensitive: isSensitive(k)}
	}
	return diff
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		return val
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
