package bootstrap

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
)

// fakeHost is an in-memory machine. Scripts are tiny commands:
//
//	install <pkg>   mark pkg installed
//	has <pkg>       exit 1 unless pkg is installed
//	fail            exit 7
//	hang            block until the context ends
//	ok              succeed
type fakeHost struct {
	mu        sync.Mutex
	installed map[string]bool
	calls     []string
	commands  []Command
	broken    map[string]bool
	onExec    func(script string)
}

func newFakeHost() *fakeHost {
	return &fakeHost{installed: map[string]bool{}, broken: map[string]bool{}}
}

func (f *fakeHost) Exec(ctx context.Context, c Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, c.Script)
	f.commands = append(f.commands, c)
	hook := f.onExec
	f.mu.Unlock()
	if hook != nil {
		hook(c.Script)
	}

	verb, arg, _ := strings.Cut(c.Script, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch verb {
	case "install":
		if f.broken[arg] {
			return &ExitError{Code: 100}
		}
		f.installed[arg] = true
	case "has":
		if !f.installed[arg] {
			return &ExitError{Code: 1}
		}
	case "fail":
		return &ExitError{Code: 7}
	case "hang":
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return ctx.Err()
	case "ok":
	default:
		return fmt.Errorf("fake host: unknown command %q", c.Script)
	}
	return nil
}

func (f *fakeHost) snapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.installed)
}

func (f *fakeHost) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.commands = nil
}

func (f *fakeHost) ran(script string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == script {
			n++
		}
	}
	return n
}

// command returns the first command run with script.
func (f *fakeHost) command(script string) (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.Script == script {
			return c, true
		}
	}
	return Command{}, false
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := f[ref]
	if !ok {
		return "", fmt.Errorf("no such secret %s", ref)
	}
	return v, nil
}
