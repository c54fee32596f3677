package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/ir"
)

func TestBuildDAG_NoDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null"},
		{Type: "null_resource", Name: "b", Provider: "null"},
		{Type: "null_resource", Name: "c", Provider: "null"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	assert.Len(t, order, 3)
}

func TestBuildDAG_ExplicitDependsOn(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null"},
		{Type: "null_resource", Name: "c", Provider: "null", DependsOn: []string{"null_resource.a"}},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	require.Len(t, order, 3)

	// b must come before a, a must come before c
	posB := indexOf(order, "null_resource.b")
	posA := indexOf(order, "null_resource.a")
	posC := indexOf(order, "null_resource.c")

	assert.Less(t, posB, posA, "b should come before a")
	assert.Less(t, posA, posC, "a should come before c")
}

func TestBuildDAG_ImplicitPtrRef(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "aws:EC2.Subnet",
			Name:     "my-subnet",
			Provider: "aws",
			Properties: map[string]any{
				"vpcId": "ptr://aws:EC2.Vpc/my-vpc/id",
			},
		},
		{Type: "aws:EC2.Vpc", Name: "my-vpc", Provider: "aws"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	require.Len(t, order, 2)

	posVpc := indexOf(order, "aws:EC2.Vpc.my-vpc")
	posSubnet := indexOf(order, "aws:EC2.Subnet.my-subnet")

	assert.Less(t, posVpc, posSubnet, "VPC should be created before subnet")
}

func TestBuildDAG_CycleDetection(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null", DependsOn: []string{"null_resource.a"}},
	}

	_, err := BuildDAG(resources)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"null_resource.a", "null_resource.b"}, cycle.Addresses)
}

func TestBuildDAG_DestructionOrder(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	revOrder := dag.DestructionOrder()
	require.Len(t, revOrder, 2)

	// a depends on b, so a should be destroyed first (reverse of creation)
	posA := indexOf(revOrder, "null_resource.a")
	posB := indexOf(revOrder, "null_resource.b")

	assert.Less(t, posA, posB, "a should be destroyed before b")
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "ptr://aws:EC2.Vpc/my-vpc/id", want: "aws:EC2.Vpc.my-vpc"},
		{ref: "ptr://aws:EC2.Instance/web/publicIp", want: "aws:EC2.Instance.web"},
		{ref: "not-a-ref", wantErr: true},
		{ref: "ptr://short", wantErr: true},
		{ref: "ptr://aws:EC2.Vpc/my-vpc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Address())
			assert.Equal(t, tt.ref, got.String())
		})
	}
}

func TestExtractRefs(t *testing.T) {
	props := map[string]any{
		"vpcId": "ptr://aws:EC2.Vpc/my-vpc/id",
		"name":  "my-subnet",
		"tags": map[string]any{
			"ref": "ptr://aws:IAM.Role/role1/arn",
		},
		"list": []any{
			"http://${ptr://aws:EC2.Instance/web/publicIp}/",
			"plain-string",
		},
	}

	var addrs []string
	for _, ref := range extractRefs(props) {
		addrs = append(addrs, ref.Address())
	}
	assert.ElementsMatch(t, []string{"aws:EC2.Vpc.my-vpc", "aws:IAM.Role.role1", "aws:EC2.Instance.web"}, addrs)
}

func TestBuildDAGFromState(t *testing.T) {
	resources := []*ir.ResourceState{
		{Type: "aws:EC2.Subnet", Name: "public", Dependencies: []string{"aws:EC2.Vpc.main"}},
		{Type: "aws:EC2.Instance", Name: "web", Dependencies: []string{"aws:EC2.Subnet.public", "aws:EC2.SecurityGroup.gone"}},
		{Type: "aws:EC2.Vpc", Name: "main"},
	}

	dag, err := BuildDAGFromState(resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"aws:EC2.Instance.web", "aws:EC2.Subnet.public", "aws:EC2.Vpc.main"}, dag.DestructionOrder())
}

func TestDOT(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b"},
	}
	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	dot := dag.DOT()
	assert.Contains(t, dot, "digraph lampstack {")
	assert.Contains(t, dot, `"null_resource.a" -> "null_resource.b";`)
}

func TestDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b", "null_resource.c"}},
		{Type: "null_resource", Name: "b", Provider: "null"},
		{Type: "null_resource", Name: "c", Provider: "null"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	deps := dag.Dependencies("null_resource.a")
	assert.Len(t, deps, 2)
	assert.Contains(t, deps, "null_resource.b")
	assert.Contains(t, deps, "null_resource.c")
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
