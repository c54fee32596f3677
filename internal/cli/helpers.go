package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/picklr-io/lampstack/internal/config"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/eval"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/provider"
	"github.com/picklr-io/lampstack/internal/stack"
	"github.com/picklr-io/lampstack/internal/state"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

func currentSettings() *config.Settings {
	if settings == nil {
		s, err := config.Load(".")
		if err != nil {
			s = &config.Settings{Dir: ".lampstack", Parallelism: 10, Backend: config.BackendSettings{Type: "local"}}
		}
		settings = s
	}
	return settings
}

// project locates a configuration and its state.
type project struct {
	dir      string
	entry    string
	settings *config.Settings
}

// openProject resolves the optional path argument of a command: a
// directory, a configuration file, or nothing for the working directory.
func openProject(args []string) (*project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	p := &project{dir: wd, settings: currentSettings()}

	if len(args) > 0 && args[0] != "" {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			p.dir = absPath
		} else {
			p.dir = filepath.Dir(absPath)
			p.entry = filepath.Base(absPath)
		}
	}
	return p, nil
}

// stateDir is the local directory holding state, workspaces and the audit log.
func (p *project) stateDir() string {
	if filepath.IsAbs(p.settings.Dir) {
		return p.settings.Dir
	}
	return filepath.Join(p.dir, p.settings.Dir)
}

// loadConfig evaluates the configuration and expands any stack template.
func (p *project) loadConfig(ctx context.Context, props map[string]string) (*ir.Config, error) {
	evaluator := eval.NewEvaluator(p.dir)
	entry := p.entry
	if entry == "" {
		var err error
		if entry, err = evaluator.FindEntryPoint(); err != nil {
			return nil, err
		}
	}
	clog.FromContext(ctx).Debug("loading configuration", "dir", p.dir, "entry", entry)

	cfg, err := evaluator.LoadConfig(ctx, entry, props)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return stack.Expand(cfg)
}

// optionalConfig is loadConfig for commands that can run without a
// configuration; it returns nil when the project has none.
func (p *project) optionalConfig(ctx context.Context) (*ir.Config, error) {
	cfg, err := p.loadConfig(ctx, nil)
	if errors.Is(err, eval.ErrNoEntryPoint) {
		return nil, nil
	}
	return cfg, err
}

func providersOf(cfg *ir.Config) map[string]ir.ProviderConfig {
	if cfg == nil {
		return nil
	}
	return cfg.Providers
}

func (p *project) backend(ctx context.Context) (state.Backend, error) {
	b := p.settings.Backend
	return state.NewBackend(ctx, &state.BackendConfig{
		Type:      b.Type,
		Config:    b.Map(),
		Dir:       p.stateDir(),
		Workspace: currentWorkspace(p.stateDir()),
	})
}

func (p *project) engine() (*engine.Engine, *provider.Registry) {
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = p.settings.Parallelism
	return eng, registry
}

// withLock runs fn while holding the state lock.
func withLock(ctx context.Context, b state.Backend, fn func() error) (err error) {
	if err := b.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := b.Unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// readPlanFile loads a plan saved by 'plan --out'. ok is false when path is
// not a plan.
func readPlanFile(path string) (plan *ir.Plan, ok bool, err error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read plan file: %w", err)
	}
	var probe struct {
		Metadata *ir.PlanMetadata `json:"metadata"`
		Summary  *ir.PlanSummary  `json:"summary"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Metadata == nil || probe.Summary == nil {
		return nil, false, nil
	}
	plan = &ir.Plan{}
	if err := json.Unmarshal(raw, plan); err != nil {
		return nil, false, fmt.Errorf("failed to parse plan: %w", err)
	}
	return plan, true, nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}

func changeType(change *ir.ResourceChange) (string, string) {
	if change.Desired != nil {
		return change.Desired.Type, change.Desired.Name
	}
	if change.Prior != nil {
		return change.Prior.Type, change.Prior.Name
	}
	return "", change.Address
}

func actionStyle(action string) (symbol, color string) {
	switch action {
	case ir.ActionCreate:
		return "+", colorize(colorGreen)
	case ir.ActionDelete:
		return "-", colorize(colorRed)
	case ir.ActionReplace:
		return "-/+", colorize(colorYellow)
	case ir.ActionUpdate:
		return "~", colorize(colorYellow)
	default:
		return " ", colorize(colorReset)
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	reset := colorize(colorReset)
	for _, change := range plan.Changes {
		symbol, color := actionStyle(change.Action)
		resourceType, resourceName := changeType(change)

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, strings.ToLower(change.Action), reset)
		fmt.Printf("%s  %s resource %q %q {%s\n", color, symbol, resourceType, resourceName, reset)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change.Diff)
		} else if change.Desired != nil && change.Prior != nil {
			renderInlineDiff(change.Prior.Properties, change.Desired.Properties)
		} else {
			fmt.Printf("      ...\n")
		}
		fmt.Printf("%s    }%s\n", color, reset)
	}
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(diff map[string]*ir.PropertyDiff) {
	reset := colorize(colorReset)
	for _, key := range sortedKeys(diff) {
		d := diff[key]
		after, before := formatValue(d.After), formatValue(d.Before)
		if d.Sensitive {
			after, before = "(sensitive)", "(sensitive)"
		}
		suffix := ""
		if d.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch d.Action {
		case "create":
			fmt.Printf("%s      + %s = %s%s%s\n", colorize(colorGreen), key, after, suffix, reset)
		case "delete":
			fmt.Printf("%s      - %s = %s%s%s\n", colorize(colorRed), key, before, suffix, reset)
		case "update":
			fmt.Printf("%s      ~ %s = %s -> %s%s%s\n", colorize(colorYellow), key, before, after, suffix, reset)
		default:
			fmt.Printf("        %s = %s\n", key, after)
		}
	}
}

// renderInlineDiff compares prior and desired property maps and prints a diff.
func renderInlineDiff(prior, desired map[string]any) {
	reset := colorize(colorReset)
	all := map[string]bool{}
	for k := range prior {
		all[k] = true
	}
	for k := range desired {
		all[k] = true
	}

	for _, k := range sortedKeys(all) {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			fmt.Printf("%s      + %s = %s%s\n", colorize(colorGreen), k, formatValue(desiredVal), reset)
		case !inDesired:
			fmt.Printf("%s      - %s = %s%s\n", colorize(colorRed), k, formatValue(priorVal), reset)
		case formatValue(priorVal) != formatValue(desiredVal):
			fmt.Printf("%s      ~ %s = %s -> %s%s\n", colorize(colorYellow), k, formatValue(priorVal), formatValue(desiredVal), reset)
		default:
			fmt.Printf("        %s = %s\n", k, formatValue(desiredVal))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Printf("\nPlan: %d to add, %d to change, %d to replace, %d to destroy.\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace, plan.Summary.Delete)
}

func renderOutputs(outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	fmt.Println("\nOutputs:")
	for _, k := range sortedKeys(outputs) {
		fmt.Printf("  %s = %s\n", k, formatValue(outputs[k]))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
