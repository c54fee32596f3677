package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/picklr-io/lampstack/internal/retry"
)

const (
	defaultGateAttempts    = 30
	defaultGateInterval    = time.Second
	defaultGateMaxInterval = 10 * time.Second
	probeTimeout           = 5 * time.Second
)

// Gate polls a dependency until it answers. Exactly one of TCP, HTTP or
// Command is set. The total wait is bounded by Attempts with exponential
// backoff from Interval up to MaxInterval, and by Timeout when set.
type Gate struct {
	TCP         string   `yaml:"tcp,omitempty"`
	HTTP        string   `yaml:"http,omitempty"`
	Command     string   `yaml:"command,omitempty"`
	Attempts    int      `yaml:"attempts,omitempty"`
	Interval    Duration `yaml:"interval,omitempty"`
	MaxInterval Duration `yaml:"maxInterval,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

func (g *Gate) validate() error {
	n := 0
	for _, p := range []string{g.TCP, g.HTTP, g.Command} {
		if p != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of tcp, http or command is required")
	}
	if g.Attempts < 0 || g.Interval < 0 || g.MaxInterval < 0 || g.Timeout < 0 {
		return fmt.Errorf("attempts and intervals must not be negative")
	}
	return nil
}

// Probe describes what the gate waits for.
func (g *Gate) Probe() string {
	switch {
	case g.TCP != "":
		return "tcp " + g.TCP
	case g.HTTP != "":
		return "http " + g.HTTP
	}
	return "command " + g.Command
}

func (g *Gate) policy() *retry.Policy {
	p := &retry.Policy{
		MaxRetries: defaultGateAttempts - 1,
		BaseDelay:  defaultGateInterval,
		MaxDelay:   defaultGateMaxInterval,
	}
	if g.Attempts > 0 {
		p.MaxRetries = g.Attempts - 1
	}
	if g.Interval > 0 {
		p.BaseDelay = time.Duration(g.Interval)
	}
	if g.MaxInterval > 0 {
		p.MaxDelay = time.Duration(g.MaxInterval)
	}
	return p
}

// Wait blocks until the probe succeeds or the gate's bound is exhausted. It
// returns the number of attempts made and the last probe error. A command
// probe runs with the Shell and Env of base.
func (g *Gate) Wait(ctx context.Context, ex Executor, base Command) (int, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.Timeout))
		defer cancel()
	}

	var (
		attempts int
		last     error
	)
	err := retry.Do(ctx, g.policy(), func(ctx context.Context) error {
		attempts++
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		last = g.probe(pctx, ex, base)
		return last
	}, nil)
	if err == nil {
		return attempts, nil
	}
	if last == nil {
		last = err
	}
	return attempts, last
}

func (g *Gate) probe(ctx context.Context, ex Executor, base Command) error {
	switch {
	case g.TCP != "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", g.TCP)
		if err != nil {
			return err
		}
		return conn.Close()
	case g.HTTP != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.HTTP, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("GET %s: %s", g.HTTP, resp.Status)
		}
		return nil
	}
	base.Script = g.Command
	return ex.Exec(ctx, base)
}
