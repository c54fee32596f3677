package provider

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/picklr-io/lampstack/internal/ir"
	pb "github.com/picklr-io/lampstack/pkg/provider"
	"github.com/picklr-io/lampstack/providers/null"
)

func TestLoadBuiltin(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadProvider(context.Background(), "null", ir.ProviderConfig{}))

	p, err := r.Get("null")
	require.NoError(t, err)
	assert.IsType(t, &null.Provider{}, p)

	// Loading twice keeps the first instance.
	require.NoError(t, r.LoadProvider(context.Background(), "null", ir.ProviderConfig{}))
	again, _ := r.Get("null")
	assert.Same(t, p, again)
}

func TestLoadUnknown(t *testing.T) {
	r := NewRegistry()
	err := r.LoadProvider(context.Background(), "gcp", ir.ProviderConfig{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.Get("gcp")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestKnownAndBuiltins(t *testing.T) {
	assert.True(t, Known("aws"))
	assert.False(t, Known("azure"))
	assert.Equal(t, []string{"aws", "docker", "null"}, Builtins())
}

func TestLoadRemote(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	pb.RegisterServer(srv, null.New())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	r := NewRegistry()
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.LoadProvider(context.Background(), "remote", ir.ProviderConfig{Address: lis.Addr().String()}))

	p, err := r.Get("remote")
	require.NoError(t, err)
	resp, err := p.Plan(context.Background(), &pb.PlanRequest{
		Type:              "null_resource",
		Name:              "x",
		DesiredConfigJSON: []byte(`{"triggers":{"a":"1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, pb.ActionCreate, resp.Action)
}
