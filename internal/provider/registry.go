package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/picklr-io/lampstack/internal/ir"
	pb "github.com/picklr-io/lampstack/pkg/provider"
	"github.com/picklr-io/lampstack/providers/aws"
	"github.com/picklr-io/lampstack/providers/docker"
	"github.com/picklr-io/lampstack/providers/null"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotLoaded       = errors.New("provider not loaded")
)

var builtins = map[string]func() pb.Provider{
	"aws":    func() pb.Provider { return aws.New() },
	"docker": func() pb.Provider { return docker.New() },
	"null":   func() pb.Provider { return null.New() },
}

// Known reports whether name is a built-in provider.
func Known(name string) bool {
	_, ok := builtins[name]
	return ok
}

// Builtins lists the built-in provider names.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltin returns a fresh, unconfigured built-in provider.
func NewBuiltin(name string) (pb.Provider, error) {
	ctor, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return ctor(), nil
}

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]pb.Provider
	conns     []*grpc.ClientConn
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]pb.Provider),
	}
}

// Register installs p under name, replacing any loaded provider.
func (r *Registry) Register(name string, p pb.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes, configures and registers a provider. Providers
// with an address are dialed over gRPC; all others must be built in.
func (r *Registry) LoadProvider(ctx context.Context, name string, cfg ir.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p pb.Provider
	switch {
	case cfg.Address != "":
		conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial provider %s at %s: %w", name, cfg.Address, err)
		}
		r.conns = append(r.conns, conn)
		p = pb.NewRemote(conn)
		clog.FromContext(ctx).Debug("using remote provider", "provider", name, "address", cfg.Address)
	default:
		var err error
		if p, err = NewBuiltin(name); err != nil {
			return err
		}
	}

	settings := map[string]string{}
	if cfg.Region != "" {
		settings["region"] = cfg.Region
	}
	if cfg.Profile != "" {
		settings["profile"] = cfg.Profile
	}
	resp, err := p.Configure(ctx, &pb.ConfigureRequest{Config: settings})
	if err != nil {
		return fmt.Errorf("configure provider %s: %w", name, err)
	}
	for _, d := range resp.Diagnostics {
		clog.FromContext(ctx).Warn("provider diagnostic", "provider", name, "message", d)
	}

	r.providers[name] = p
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (pb.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return p, nil
}

// Close releases connections to remote providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, c := range r.conns {
		errs = append(errs, c.Close())
	}
	r.conns = nil
	return errors.Join(errs...)
}
