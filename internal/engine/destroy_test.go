package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/ir"
)

func applied(t *testing.T, eng *Engine, cfg *ir.Config) *ir.State {
	t.Helper()
	ctx := context.Background()
	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	state, err := eng.ApplyPlan(ctx, plan, &ir.State{})
	require.NoError(t, err)
	return state
}

func TestCreateDestroyPlan(t *testing.T) {
	eng, fake := newFakeEngine(t)
	ctx := context.Background()
	cfg := network("10.0.0.0/16")
	state := applied(t, eng, cfg)

	plan, err := eng.CreateDestroyPlan(ctx, cfg, state, nil)
	require.NoError(t, err)
	assert.True(t, plan.Destroy)
	assert.Equal(t, 3, plan.Summary.Delete)
	assert.Equal(t, "null_resource.web", plan.Changes[0].Address)
	assert.Equal(t, "null_resource.vpc", plan.Changes[2].Address)

	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	assert.Empty(t, state.Resources)
	assert.Nil(t, state.Outputs)
	assert.Contains(t, fake.Calls(), "delete:id-vpc")

	plan, err = eng.CreateDestroyPlan(ctx, cfg, state, nil)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestCreateDestroyPlan_TargetIncludesDependents(t *testing.T) {
	eng, _ := newFakeEngine(t)
	state := applied(t, eng, network("10.0.0.0/16"))

	plan, err := eng.CreateDestroyPlan(context.Background(), nil, state, []string{"null_resource.subnet"})
	require.NoError(t, err)

	var addrs []string
	for _, c := range plan.Changes {
		addrs = append(addrs, c.Address)
	}
	assert.Equal(t, []string{"null_resource.web", "null_resource.subnet"}, addrs)
}

func TestCreateDestroyPlan_UnknownTarget(t *testing.T) {
	eng, _ := newFakeEngine(t)
	_, err := eng.CreateDestroyPlan(context.Background(), nil, &ir.State{}, []string{"null_resource.nope"})
	assert.Error(t, err)
}

func TestCreateDestroyPlan_PreventDestroy(t *testing.T) {
	eng, _ := newFakeEngine(t)
	cfg := network("10.0.0.0/16")
	state := applied(t, eng, cfg)

	cfg.Resources[0].Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	_, err := eng.CreateDestroyPlan(context.Background(), cfg, state, nil)
	assert.ErrorIs(t, err, ErrPreventDestroy)
}

func TestRefresh(t *testing.T) {
	eng, fake := newFakeEngine(t)
	state := applied(t, eng, network("10.0.0.0/16"))
	serial := state.Serial

	fake.gone["id-web"] = true
	fake.drifted["id-subnet"] = map[string]any{"id": "id-subnet", "vpcId": "id-vpc", "cidrBlock": "10.0.9.0/24"}

	drift, err := eng.Refresh(context.Background(), state, nil)
	require.NoError(t, err)
	assert.Equal(t, []Drift{
		{Address: "null_resource.subnet", Kind: DriftChanged, Changed: []string{"cidrBlock"}},
		{Address: "null_resource.web", Kind: DriftMissing},
	}, drift)

	assert.Len(t, state.Resources, 2)
	assert.Nil(t, state.Find("null_resource.web"))
	assert.Equal(t, "10.0.9.0/24", state.Find("null_resource.subnet").Outputs["cidrBlock"])
	assert.Equal(t, serial+1, state.Serial)

	drift, err = eng.Refresh(context.Background(), state, nil)
	require.NoError(t, err)
	assert.Empty(t, drift)
	assert.Equal(t, serial+1, state.Serial)
}
