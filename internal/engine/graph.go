package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/lampstack/internal/ir"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// CycleError names the resources left unordered by a dependency cycle.
type CycleError struct {
	Addresses []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected between %s", strings.Join(e.Addresses, ", "))
}

// GraphConfig builds the dependency graph of cfg after count/forEach
// expansion.
func GraphConfig(cfg *ir.Config) (*DAG, error) {
	return BuildDAG(prepare(cfg))
}

// BuildDAG constructs a dependency graph from resources.
// It resolves both explicit DependsOn and implicit ptr:// references. Edges
// to undeclared resources are dropped; Validate reports them.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		addr := res.Address()
		dag.nodes[addr] = &dagNode{addr: addr}
	}

	for _, res := range resources {
		node := dag.nodes[res.Address()]
		for _, dep := range resourceDeps(res) {
			if _, ok := dag.nodes[dep]; ok {
				node.addEdge(dep)
			}
		}
	}

	return dag, dag.finish()
}

// resourceDeps returns the addresses res depends on, explicit first.
func resourceDeps(res *ir.Resource) []string {
	deps := append([]string{}, res.DependsOn...)
	for _, ref := range extractRefs(res.Properties) {
		deps = append(deps, ref.Address())
	}
	return deps
}

// BuildDAGFromState constructs a dependency graph from state resources (for destroy).
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		addr := res.Address()
		dag.nodes[addr] = &dagNode{addr: addr}
	}
	for _, res := range resources {
		node := dag.nodes[res.Address()]
		for _, dep := range res.Dependencies {
			// Dependencies that are no longer recorded impose no order.
			if _, ok := dag.nodes[dep]; ok {
				node.addEdge(dep)
			}
		}
	}

	return dag, dag.finish()
}

func (n *dagNode) addEdge(dep string) {
	if dep == n.addr {
		return
	}
	for _, e := range n.edges {
		if e == dep {
			return
		}
	}
	n.edges = append(n.edges, dep)
}

func (d *DAG) finish() error {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return err
	}
	d.order = order
	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}
	return nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// topoSort performs Kahn's algorithm. Ties are broken by address so the
// order is stable across runs.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	var queue []string
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
		if inDegree[addr] == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		var ready []string
		for _, dependent := range d.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(d.nodes) {
		var stuck []string
		for addr, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, addr)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Addresses: stuck}
	}

	return sorted, nil
}

// Dependencies returns the direct dependencies of addr.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// TransitiveDeps returns every resource addr depends on, directly or not.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.edges {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// DOT renders the graph in Graphviz format, edges pointing at dependencies.
func (d *DAG) DOT() string {
	var b strings.Builder
	b.WriteString("digraph lampstack {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, addr := range d.order {
		fmt.Fprintf(&b, "  %q;\n", addr)
	}
	for _, addr := range d.order {
		edges := append([]string{}, d.nodes[addr].edges...)
		sort.Strings(edges)
		for _, dep := range edges {
			fmt.Fprintf(&b, "  %q -> %q;\n", addr, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
