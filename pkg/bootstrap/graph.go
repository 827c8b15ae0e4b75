package bootstrap

import (
	"fmt"
	"strings"
)

// Graph is a directed graph of teardown dependencies. An edge from a to b
// means a must be deleted before b.
type Graph struct {
	nodes []string
	index map[string]int
	// before[b] lists the nodes that must be gone before b is deleted.
	before map[string][]string
}

// NewGraph creates an empty graph. Nodes are ordered by declaration, which
// breaks ties in Order.
func NewGraph() *Graph {
	return &Graph{index: map[string]int{}, before: map[string][]string{}}
}

// AddNode declares a node. Declaring a node twice is a no-op.
func (g *Graph) AddNode(key string) {
	if _, ok := g.index[key]; ok {
		return
	}
	g.index[key] = len(g.nodes)
	g.nodes = append(g.nodes, key)
}

// AddEdge declares that from must be deleted before to. Both nodes are
// declared if needed.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, k := range g.before[to] {
		if k == from {
			return
		}
	}
	g.before[to] = append(g.before[to], from)
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Prerequisites returns the nodes that must be deleted before key.
func (g *Graph) Prerequisites(key string) []string {
	return append([]string(nil), g.before[key]...)
}

// Order returns a topological deletion order. Among nodes whose prerequisites
// are satisfied, the earliest declared comes first.
func (g *Graph) Order() ([]string, error) {
	pending := make(map[string]int, len(g.nodes))
	dependents := map[string][]string{}
	for _, n := range g.nodes {
		pending[n] = len(g.before[n])
		for _, p := range g.before[n] {
			dependents[p] = append(dependents[p], n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	done := make(map[string]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		next := ""
		for _, n := range g.nodes {
			if !done[n] && pending[n] == 0 {
				next = n
				break
			}
		}
		if next == "" {
			var stuck []string
			for _, n := range g.nodes {
				if !done[n] {
					stuck = append(stuck, n)
				}
			}
			return nil, fmt.Errorf("teardown graph has a cycle through %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return order, nil
}

// Node keys of the teardown graph.
const (
	NodeBucket    = string(KindBucket)
	NodeLockTable = string(KindLockTable)
	NodeKey       = string(KindKey)
	NodeProvider  = string(KindTrustProvider)
)

// RoleNode is the graph key of the role of tier.
func RoleNode(tier Tier) string {
	return Resource{Kind: KindRole, Tier: tier}.Key()
}

// TeardownGraph declares the deletion dependencies of one environment's
// resources. Adding a resource type means adding its node and edges here.
func TeardownGraph(tiers []Tier) (*Graph, error) {
	g := NewGraph()
	// The bucket and table are encrypted with the key.
	g.AddEdge(NodeBucket, NodeKey)
	g.AddEdge(NodeLockTable, NodeKey)
	for _, tier := range tiers {
		g.AddEdge(RoleNode(tier), NodeProvider)
	}
	if containsTier(tiers, TierOrchestration) && containsTier(tiers, TierDeployment) {
		// The deployment role trusts the orchestration role.
		g.AddEdge(RoleNode(TierDeployment), RoleNode(TierOrchestration))
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return g, nil
}

func containsTier(tiers []Tier, t Tier) bool {
	for _, v := range tiers {
		if v == t {
			return true
		}
	}
	return false
}
