package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func makeNode(registry *Registry, tokenName string, tags map[string]string) *Node {
	node := newNode(registry, registry.allocateNodeId(), registry.ClassToken(tokenName), tags, NewStore(nil), nil)
	registry.register(node)
	return node
}

func attachChild(parent *Node, child *Node) {
	child.parent = parent
	parent.children = append(parent.children, child)
}

func TestRegistryTokensInterned(t *testing.T) {
	registry := NewRegistry()
	a := registry.ClassToken("Mob")
	b := registry.ClassToken("Mob")
	c := registry.ClassToken("Zone")
	if a != b {
		t.Fatalf("token not interned")
	}
	if a == c {
		t.Fatalf("distinct names share a token")
	}
	assert.Equal(t, a.Name(), "Mob")
}

func TestRegistryStoreMemo(t *testing.T) {
	registry := NewRegistry()
	raw := map[string]any{"Coins": 1}
	a := registry.StoreFor(raw)
	b := registry.StoreFor(raw)
	if a != b {
		t.Fatalf("same raw data gave different stores")
	}
	c := registry.StoreFor(map[string]any{"Coins": 1})
	if a == c {
		t.Fatalf("distinct raw data shares a store")
	}
	// nil raw is never memoized
	if registry.StoreFor(nil) == registry.StoreFor(nil) {
		t.Fatalf("nil raw data shares a store")
	}
}

func TestRegistryMatchers(t *testing.T) {
	registry := NewRegistry()
	mobA := makeNode(registry, "Mob", map[string]string{"kind": "slime", "zone": "forest"})
	mobB := makeNode(registry, "Mob", map[string]string{"kind": "wolf"})
	zone := makeNode(registry, "Zone", nil)

	assert.Equal(t, registry.FirstMatch(MatchName("Mob")), mobA)
	assert.Equal(t, registry.FirstMatch(MatchName("Zone")), zone)
	assert.Equal(t, registry.FirstMatch(MatchName("Item")), nil)

	assert.Equal(t, registry.FirstMatch(MatchToken(registry.ClassToken("Zone"))), zone)

	// tags match on superset
	assert.Equal(t, registry.FirstMatch(MatchTags(map[string]string{"kind": "slime"})), mobA)
	assert.Equal(t, registry.FirstMatch(MatchTags(map[string]string{"kind": "slime", "zone": "desert"})), nil)

	wolves := registry.AllMatches(MatchPredicate(func(node *Node) bool {
		return node.Tag("kind") == "wolf"
	}))
	assert.Equal(t, wolves, []*Node{mobB})

	// ordered by id
	mobs := registry.AllMatches(MatchName("Mob"))
	assert.Equal(t, mobs, []*Node{mobA, mobB})
}

func TestRegistryForEach(t *testing.T) {
	registry := NewRegistry()
	first := makeNode(registry, "Mob", nil)
	makeNode(registry, "Zone", nil)

	seen := []*Node{}
	unsub := registry.ForEach(MatchName("Mob"), func(node *Node) {
		seen = append(seen, node)
	})

	// existing matches replay, future matches stream
	assert.Equal(t, seen, []*Node{first})
	second := makeNode(registry, "Mob", nil)
	assert.Equal(t, seen, []*Node{first, second})

	unsub()
	makeNode(registry, "Mob", nil)
	assert.Equal(t, len(seen), 2)
}

func TestRegistryPromiseFirstMatch(t *testing.T) {
	registry := NewRegistry()

	future := registry.PromiseFirstMatch(MatchName("Boss"))
	_, _, done := future.TryGet()
	assert.Equal(t, done, false)

	makeNode(registry, "Mob", nil)
	_, _, done = future.TryGet()
	assert.Equal(t, done, false)

	boss := makeNode(registry, "Boss", nil)
	node, err, done := future.TryGet()
	assert.Equal(t, done, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, node, boss)

	// existing match resolves immediately
	immediate := registry.PromiseFirstMatch(MatchName("Boss"))
	node, _, _ = immediate.TryGet()
	assert.Equal(t, node, boss)

	// cancel detaches the creation listener
	canceled := registry.PromiseFirstMatch(MatchName("Item"))
	canceled.Cancel()
	makeNode(registry, "Item", nil)
	_, err, _ = canceled.TryGet()
	assert.Equal(t, err, ErrFutureCanceled)
}

func TestNodeSetParentRules(t *testing.T) {
	registry := NewRegistry()
	zoneA := makeNode(registry, "Zone", nil)
	zoneB := makeNode(registry, "Zone", nil)
	mob := makeNode(registry, "Mob", nil)
	attachChild(zoneA, mob)
	nest := makeNode(registry, "Nest", nil)
	attachChild(mob, nest)

	// a top-level node cannot be reparented
	assert.NotEqual(t, zoneA.setParent(zoneB), nil)
	// nil parent is rejected
	assert.NotEqual(t, mob.setParent(nil), nil)
	// reparenting under the node's own descendant is a cycle
	assert.NotEqual(t, mob.setParent(nest), nil)

	assert.Equal(t, mob.setParent(zoneB), nil)
	assert.Equal(t, mob.Parent(), zoneB)
	assert.Equal(t, len(zoneA.Children()), 0)
	assert.Equal(t, zoneB.Children(), []*Node{mob})
	assert.Equal(t, nest.TopLevel(), zoneB)
}

func TestNodeDescendants(t *testing.T) {
	registry := NewRegistry()
	zone := makeNode(registry, "Zone", nil)
	mob := makeNode(registry, "Mob", nil)
	attachChild(zone, mob)
	nest := makeNode(registry, "Nest", nil)
	attachChild(mob, nest)

	assert.Equal(t, zone.Descendants(), []*Node{mob, nest})
	assert.Equal(t, mob.Descendants(), []*Node{nest})
	assert.Equal(t, len(nest.Descendants()), 0)
}

func TestNodeTagsCopied(t *testing.T) {
	registry := NewRegistry()
	tags := map[string]string{"kind": "slime"}
	node := makeNode(registry, "Mob", tags)

	// neither the source map nor the accessor result can mutate node state
	tags["kind"] = "wolf"
	assert.Equal(t, node.Tag("kind"), "slime")
	node.Tags()["kind"] = "wolf"
	assert.Equal(t, node.Tag("kind"), "slime")
}

func TestRegistryClose(t *testing.T) {
	registry := NewRegistry()
	zone := makeNode(registry, "Zone", nil)
	mob := makeNode(registry, "Mob", nil)
	attachChild(zone, mob)

	registry.Close()
	assert.Equal(t, zone.IsDestroyed(), true)
	assert.Equal(t, mob.IsDestroyed(), true)
	assert.Equal(t, registry.Size(), 0)

	func() {
		defer func() {
			assert.NotEqual(t, recover(), nil)
		}()
		makeNode(registry, "Late", nil)
	}()
}
