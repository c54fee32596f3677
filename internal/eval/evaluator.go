package eval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lampstack/internal/ir"
)

// EntryPoints are the DesiredState files looked for, in order, when none is
// named explicitly.
var EntryPoints = []string{"main.pkl", "stack.yaml", "stack.yml", "stack.json"}

// ErrNoEntryPoint is returned when a directory holds no DesiredState file.
var ErrNoEntryPoint = errors.New("no configuration file found")

// Evaluator loads DesiredState files into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// FindEntryPoint returns the first of EntryPoints present in the project.
func (e *Evaluator) FindEntryPoint() (string, error) {
	for _, name := range EntryPoints {
		if _, err := os.Stat(filepath.Join(e.projectDir, name)); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNoEntryPoint, e.projectDir, strings.Join(EntryPoints, ", "))
}

// LoadConfig evaluates a configuration file and returns the IR. Pkl modules
// are evaluated with properties available through read("prop:..."); YAML and
// JSON files are decoded directly.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	path := entryPoint
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.projectDir, entryPoint)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return loadYAML(path)
	case ".pkl":
		return e.loadPkl(ctx, path, properties)
	default:
		return nil, fmt.Errorf("unsupported configuration file %s", entryPoint)
	}
}

func loadYAML(path string) (*ir.Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, path)
	}
	if err != nil {
		return nil, err
	}

	var cfg ir.Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

func (e *Evaluator) loadPkl(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	var evaluator pkl.Evaluator
	if _, err := os.Stat(filepath.Join(e.projectDir, "PklProject")); err == nil {
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}
