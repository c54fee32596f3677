package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"

	"github.com/kballard/go-shellquote"
)

// Resolver turns a secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type renderer struct {
	ctx      context.Context
	manifest *Manifest
	secrets  Resolver
}

func templateFuncs(r *renderer) template.FuncMap {
	return template.FuncMap{
		"secret": func(name string) (string, error) {
			if r == nil {
				return "", nil
			}
			return r.secret(name)
		},
		"quote": func(s string) string {
			return shellquote.Join(s)
		},
	}
}

func (r *renderer) secret(name string) (string, error) {
	ref, ok := r.manifest.Secrets[name]
	if !ok {
		return "", fmt.Errorf("undeclared secret %q", name)
	}
	if r.secrets == nil {
		return "", fmt.Errorf("secret %q: no resolver configured", name)
	}
	return r.secrets.Resolve(r.ctx, ref)
}

func (r *renderer) render(name, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	t, err := template.New(name).Funcs(templateFuncs(r)).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	data := struct{ Vars map[string]string }{Vars: r.manifest.Vars}
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderStep returns a copy of s with every template expanded.
func (r *renderer) renderStep(s Step) (Step, error) {
	var err error
	field := func(text string) string {
		if err != nil {
			return ""
		}
		var out string
		out, err = r.render(s.Name, text)
		return out
	}

	out := s
	out.Run = field(s.Run)
	out.Check = field(s.Check)
	out.Creates = field(s.Creates)
	if s.File != nil {
		out.File = &File{Path: field(s.File.Path), Content: field(s.File.Content), Mode: s.File.Mode}
	}
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = field(v)
		}
	}
	if s.Readiness != nil {
		g := *s.Readiness
		g.TCP, g.HTTP, g.Command = field(g.TCP), field(g.HTTP), field(g.Command)
		out.Readiness = &g
	}
	return out, err
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
