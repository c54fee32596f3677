package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type echoProvider struct {
	Unimplemented
	configured map[string]string
}

func (p *echoProvider) Configure(_ context.Context, req *ConfigureRequest) (*ConfigureResponse, error) {
	p.configured = req.Config
	return &ConfigureResponse{}, nil
}

func (p *echoProvider) Plan(_ context.Context, req *PlanRequest) (*PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &PlanResponse{Action: ActionCreate}, nil
	}
	return &PlanResponse{Action: ActionUpdate, ChangedAttributes: []string{"cidrBlock"}}, nil
}

func (p *echoProvider) Apply(_ context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	if req.Name == "boom" {
		return nil, errors.New("quota exceeded")
	}
	return &ApplyResponse{NewStateJSON: req.DesiredConfigJSON}, nil
}

func dialBufconn(t *testing.T, p Provider) *Remote {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, p)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewRemote(conn)
}

func TestRemote_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := &echoProvider{}
	remote := dialBufconn(t, p)

	_, err := remote.Configure(ctx, &ConfigureRequest{Config: map[string]string{"region": "eu-west-1"}})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", p.configured["region"])

	desired, _ := json.Marshal(map[string]any{"cidrBlock": "10.0.0.0/16"})

	planResp, err := remote.Plan(ctx, &PlanRequest{Type: "aws:EC2.Vpc", Name: "main", DesiredConfigJSON: desired})
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, planResp.Action)

	planResp, err = remote.Plan(ctx, &PlanRequest{Type: "aws:EC2.Vpc", Name: "main", DesiredConfigJSON: desired, PriorStateJSON: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, planResp.Action)
	assert.Equal(t, []string{"cidrBlock"}, planResp.ChangedAttributes)

	applyResp, err := remote.Apply(ctx, &ApplyRequest{Type: "aws:EC2.Vpc", Name: "main", DesiredConfigJSON: desired})
	require.NoError(t, err)
	assert.JSONEq(t, string(desired), string(applyResp.NewStateJSON))
}

func TestRemote_ErrorsCarryMessage(t *testing.T) {
	remote := dialBufconn(t, &echoProvider{})

	_, err := remote.Apply(context.Background(), &ApplyRequest{Type: "aws:EC2.Vpc", Name: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRemote_Unimplemented(t *testing.T) {
	remote := dialBufconn(t, &echoProvider{})

	_, err := remote.Delete(context.Background(), &DeleteRequest{Type: "aws:EC2.Vpc", ID: "vpc-1"})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
