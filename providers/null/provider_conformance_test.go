package null

import (
	"context"
	"encoding/json"
	"testing"

	pb "github.com/picklr-io/lampstack/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Configure -> Plan (CREATE) -> Apply -> Read -> Plan (NOOP) -> Plan (REPLACE) -> Apply -> Delete
func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	configResp, err := p.Configure(ctx, &pb.ConfigureRequest{})
	require.NoError(t, err)
	assert.Empty(t, configResp.Diagnostics)

	desiredJSON, _ := json.Marshal(map[string]any{"triggers": map[string]string{"key": "value"}})

	planResp, err := p.Plan(ctx, &pb.PlanRequest{Type: "null_resource", Name: "test", DesiredConfigJSON: desiredJSON})
	require.NoError(t, err)
	assert.Equal(t, pb.ActionCreate, planResp.Action)

	applyResp, err := p.Apply(ctx, &pb.ApplyRequest{Type: "null_resource", Name: "test", DesiredConfigJSON: desiredJSON})
	require.NoError(t, err)

	var state State
	require.NoError(t, json.Unmarshal(applyResp.NewStateJSON, &state))
	assert.Equal(t, "null-test", state.ID)
	assert.Equal(t, "value", state.Triggers["key"])

	readResp, err := p.Read(ctx, &pb.ReadRequest{Type: "null_resource", ID: state.ID, CurrentStateJSON: applyResp.NewStateJSON})
	require.NoError(t, err)
	assert.True(t, readResp.Exists)

	planResp, err = p.Plan(ctx, &pb.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: desiredJSON,
		PriorStateJSON:    applyResp.NewStateJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, pb.ActionNoop, planResp.Action)

	newDesiredJSON, _ := json.Marshal(map[string]any{"triggers": map[string]string{"key": "new-value"}})
	planResp, err = p.Plan(ctx, &pb.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: newDesiredJSON,
		PriorStateJSON:    applyResp.NewStateJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, pb.ActionReplace, planResp.Action)
	assert.Contains(t, planResp.ChangedAttributes, "triggers")

	applyResp2, err := p.Apply(ctx, &pb.ApplyRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: newDesiredJSON,
		PriorStateJSON:    applyResp.NewStateJSON,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, applyResp2.NewStateJSON)

	deleteResp, err := p.Delete(ctx, &pb.DeleteRequest{Type: "null_resource", ID: state.ID, CurrentStateJSON: applyResp2.NewStateJSON})
	require.NoError(t, err)
	assert.NotNil(t, deleteResp)
}

func TestConformance_ConfigureIdempotent(t *testing.T) {
	ctx := context.Background()
	p := New()

	for i := 0; i < 3; i++ {
		resp, err := p.Configure(ctx, &pb.ConfigureRequest{})
		require.NoError(t, err)
		assert.Empty(t, resp.Diagnostics)
	}
}

func TestPlan_InvalidDesired(t *testing.T) {
	_, err := New().Plan(context.Background(), &pb.PlanRequest{Name: "x", DesiredConfigJSON: []byte("{")})
	assert.Error(t, err)
}
