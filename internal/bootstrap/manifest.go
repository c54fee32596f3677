package bootstrap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lampstack/internal/secrets"
)

// ManifestVersion is the only manifest schema version understood.
const ManifestVersion = 1

const (
	DefaultShell       = "/bin/sh -e"
	DefaultStepTimeout = 10 * time.Minute
)

// Duration is a time.Duration written as "30s" or "5m" in manifests.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Manifest is the ordered list of provisioning steps run on first boot.
// Secrets maps a name usable from templates to a secret reference; the
// reference is resolved only when a step renders it.
type Manifest struct {
	Version     int               `yaml:"version"`
	Name        string            `yaml:"name"`
	Shell       string            `yaml:"shell,omitempty"`
	StepTimeout Duration          `yaml:"stepTimeout,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty"`
	Secrets     map[string]string `yaml:"secrets,omitempty"`
	Steps       []Step            `yaml:"steps"`
}

// Step is one idempotent unit of work. Exactly one of Run or File is set.
// Check and Creates are its idempotence predicate; a file step is its own
// predicate.
type Step struct {
	Name      string            `yaml:"name"`
	Run       string            `yaml:"run,omitempty"`
	File      *File             `yaml:"file,omitempty"`
	Shell     string            `yaml:"shell,omitempty"`
	Check     string            `yaml:"check,omitempty"`
	Creates   string            `yaml:"creates,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Readiness *Gate             `yaml:"readiness,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
}

// File is written atomically with the given octal mode (default 0644).
type File struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Mode    string `yaml:"mode,omitempty"`
}

func (f *File) perm() (os.FileMode, error) {
	if f.Mode == "" {
		return 0o644, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("invalid file mode %q", f.Mode)
	}
	return os.FileMode(m), nil
}

// HasPredicate reports whether the step can tell that it already ran.
func (s *Step) HasPredicate() bool {
	return s.Check != "" || s.Creates != "" || s.File != nil
}

// ParseManifest decodes a YAML manifest. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &ManifestError{Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Err: err}
	}
	return ParseManifest(data)
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash identifies the manifest content. A run only resumes under the same hash.
func (m *Manifest) Hash() string {
	data, err := m.Marshal()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the manifest without running anything.
func (m *Manifest) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if m.Version != ManifestVersion {
		add("unsupported manifest version %d", m.Version)
	}
	if m.Name == "" {
		add("manifest name is required")
	}
	if len(m.Steps) == 0 {
		add("manifest has no steps")
	}
	if m.StepTimeout < 0 {
		add("stepTimeout must not be negative")
	}
	for name, ref := range m.Secrets {
		if _, err := secrets.Parse(ref); err != nil {
			add("secret %q: %w", name, err)
		}
	}

	seen := map[string]bool{}
	for i := range m.Steps {
		s := &m.Steps[i]
		where := fmt.Sprintf("step %d (%s)", i, s.Name)
		if s.Name == "" {
			add("step %d: name is required", i)
		} else if seen[s.Name] {
			add("%s: duplicate step name", where)
		}
		seen[s.Name] = true

		switch {
		case s.Run == "" && s.File == nil:
			add("%s: one of run or file is required", where)
		case s.Run != "" && s.File != nil:
			add("%s: run and file are mutually exclusive", where)
		}
		if s.File != nil {
			if !strings.HasPrefix(s.File.Path, "/") {
				add("%s: file path %q must be absolute", where, s.File.Path)
			}
			if _, err := s.File.perm(); err != nil {
				add("%s: %w", where, err)
			}
		}
		if s.Timeout < 0 {
			add("%s: timeout must not be negative", where)
		}
		if s.Readiness != nil {
			if err := s.Readiness.validate(); err != nil {
				add("%s: readiness: %w", where, err)
			}
		}
		for _, text := range s.templates() {
			if _, err := template.New(s.Name).Funcs(templateFuncs(nil)).Parse(text); err != nil {
				add("%s: %w", where, err)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &ManifestError{Err: errors.Join(errs...)}
}

func (s *Step) templates() []string {
	out := []string{s.Run, s.Check, s.Creates}
	if s.File != nil {
		out = append(out, s.File.Path, s.File.Content)
	}
	for _, v := range s.Env {
		out = append(out, v)
	}
	if s.Readiness != nil {
		out = append(out, s.Readiness.TCP, s.Readiness.HTTP, s.Readiness.Command)
	}
	return out
}

func (m *Manifest) shell(s *Step) string {
	switch {
	case s.Shell != "":
		return s.Shell
	case m.Shell != "":
		return m.Shell
	}
	return DefaultShell
}

func (m *Manifest) timeout(s *Step) time.Duration {
	switch {
	case s.Timeout > 0:
		return time.Duration(s.Timeout)
	case m.StepTimeout > 0:
		return time.Duration(m.StepTimeout)
	}
	return DefaultStepTimeout
}
