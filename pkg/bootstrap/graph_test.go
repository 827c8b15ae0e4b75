package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(order []string, key string) int {
	for i, k := range order {
		if k == key {
			return i
		}
	}
	return -1
}

func TestTeardownGraphOrder(t *testing.T) {
	for _, model := range []TrustModel{TrustTiered, TrustSingleHop} {
		t.Run(string(model), func(t *testing.T) {
			g, err := TeardownGraph(model.Tiers())
			require.NoError(t, err)
			order, err := g.Order()
			require.NoError(t, err)
			require.Len(t, order, len(g.Nodes()))

			for _, node := range order {
				for _, pre := range g.Prerequisites(node) {
					assert.Less(t, indexOf(order, pre), indexOf(order, node), "%s before %s", pre, node)
				}
			}
			for _, tier := range model.Tiers() {
				assert.Less(t, indexOf(order, RoleNode(tier)), indexOf(order, NodeProvider))
			}
			assert.Less(t, indexOf(order, NodeBucket), indexOf(order, NodeKey))
			assert.Less(t, indexOf(order, NodeLockTable), indexOf(order, NodeKey))
		})
	}

	g, _ := TeardownGraph(TrustTiered.Tiers())
	order, _ := g.Order()
	assert.Less(t, indexOf(order, RoleNode(TierDeployment)), indexOf(order, RoleNode(TierOrchestration)))
}

func TestGraphCycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")
	_, err := g.Order()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraphDuplicateEdges(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("a", "b")
	g.AddNode("a")
	assert.Equal(t, []string{"a", "b"}, g.Nodes())
	assert.Equal(t, []string{"a"}, g.Prerequisites("b"))
}
