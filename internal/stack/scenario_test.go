package stack

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/bootstrap"
	"github.com/picklr-io/lampstack/internal/cloudinit"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/provider"
	"github.com/picklr-io/lampstack/internal/state"
	"github.com/picklr-io/lampstack/providers/aws"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

// fakeCloud stands in for AWS: every resource is created with an id and an
// arn, and instances get a public address.
type fakeCloud struct {
	pb.Unimplemented
	mu      sync.Mutex
	live    map[string]bool
	created []string
}

func (f *fakeCloud) Plan(_ context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &pb.PlanResponse{Action: pb.ActionCreate}, nil
	}
	return &pb.PlanResponse{Action: pb.ActionNoop}, nil
}

func (f *fakeCloud) Apply(_ context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	var out map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &out); err != nil {
		return nil, err
	}
	id := strings.ToLower(strings.NewReplacer(":", "-", ".", "-").Replace(req.Type)) + "-" + req.Name
	out["id"] = id
	out["arn"] = "arn:aws:fake:::" + id
	if req.Type == aws.TypeInstance {
		out["publicIp"] = "203.0.113.10"
	}

	f.mu.Lock()
	f.live[id] = true
	f.created = append(f.created, req.Type)
	f.mu.Unlock()

	b, err := json.Marshal(out)
	return &pb.ApplyResponse{NewStateJSON: b}, err
}

func (f *fakeCloud) Delete(_ context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, req.ID)
	return &pb.DeleteResponse{}, nil
}

// okHost accepts every command; the database readiness probe fails once.
type okHost struct {
	mu    sync.Mutex
	calls []string
	pings int
}

func (h *okHost) Exec(_ context.Context, c bootstrap.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c.Script)
	if strings.HasPrefix(c.Script, "mysqladmin ping") {
		h.pings++
		if h.pings == 1 {
			return &bootstrap.ExitError{Code: 1}
		}
	}
	return nil
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(_ context.Context, ref string) (string, error) {
	return s[ref], nil
}

func TestScenario_ProvisionBootstrapDestroy(t *testing.T) {
	ctx := context.Background()
	vars := blogVars()
	vars.Name = "blog"

	cfg, err := Expand(&ir.Config{Stack: vars})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", find(t, cfg, "aws:EC2.Vpc.blog").Properties["cidrBlock"])
	assert.Equal(t, "10.0.1.0/24", find(t, cfg, "aws:EC2.Subnet.blog").Properties["cidrBlock"])

	cloud := &fakeCloud{live: map[string]bool{}}
	registry := provider.NewRegistry()
	registry.Register("aws", cloud)
	eng := engine.NewEngine(registry)

	// apply
	st := state.New()
	plan, err := eng.CreatePlan(ctx, cfg, st)
	require.NoError(t, err)
	assert.Equal(t, len(cfg.Resources), plan.Summary.Create)

	st, err = eng.ApplyPlan(ctx, plan, st)
	require.NoError(t, err)
	require.Len(t, st.Resources, len(cfg.Resources))
	assert.Equal(t, "203.0.113.10", st.Outputs[OutputPublicIP])
	assert.Equal(t, "http://203.0.113.10", st.Outputs[OutputURL])
	assert.Equal(t, "ssh ubuntu@203.0.113.10", st.Outputs[OutputSSH])

	// dependencies come up before the instance
	order := func(typ string) int { return slices.Index(cloud.created, typ) }
	assert.Less(t, order(aws.TypeVpc), order(aws.TypeSubnet))
	assert.Less(t, order(aws.TypeSubnet), order(aws.TypeInstance))
	assert.Less(t, order(aws.TypeRouteTable), order(aws.TypeInstance))
	assert.Less(t, order(aws.TypeSecurityGroup), order(aws.TypeInstance))
	assert.Less(t, order(aws.TypeInstanceProfile), order(aws.TypeInstance))

	// first boot
	instance := st.Find("aws:EC2.Instance.blog")
	require.NotNil(t, instance)
	ci, err := cloudinit.Parse([]byte(instance.Outputs["userData"].(string)))
	require.NoError(t, err)
	require.Len(t, ci.WriteFiles, 1)
	m, err := bootstrap.ParseManifest([]byte(ci.WriteFiles[0].Content))
	require.NoError(t, err)

	web, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer web.Close()
	for i := range m.Steps {
		if g := m.Steps[i].Readiness; g != nil {
			g.Interval = bootstrap.Duration(1)
			if g.TCP != "" {
				g.TCP = web.Addr().String()
			}
		}
	}

	host := &okHost{}
	runner := &bootstrap.Runner{
		Manifest: m,
		Store:    bootstrap.NewStore(filepath.Join(t.TempDir(), "state")),
		Exec:     host,
		Secrets:  staticSecrets{"secretsmanager://lampstack/blog/db#password": "generated-pw"},
		Root:     t.TempDir(),
	}
	status, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.PhaseCompleted, status.Phase)
	assert.FileExists(t, runner.Store.MarkerPath())
	assert.Equal(t, 2, host.pings)

	wpConfig, err := os.ReadFile(filepath.Join(runner.Root, "var/www/html/wp-config.php"))
	require.NoError(t, err)
	assert.Contains(t, string(wpConfig), "define('DB_PASSWORD', 'generated-pw');")

	// a second boot changes nothing
	calls := len(host.calls)
	_, err = runner.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, host.calls, calls)

	// destroy
	destroy, err := eng.CreateDestroyPlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	st, err = eng.ApplyPlan(ctx, destroy, st)
	require.NoError(t, err)
	assert.Empty(t, st.Resources)
	assert.Empty(t, cloud.live)

	empty, err := eng.CreatePlan(ctx, &ir.Config{}, st)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}
