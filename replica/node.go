package replica

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Node is the identity and graph layer shared by the server and client
// replicators: a registry-backed id, a class token, immutable tags, one
// reactive store, and parent/child links. A node with no parent is top-level
// and (on the server side) owns its own replication state; every other node
// transitively inherits its top-level ancestor's state

type Node struct {
	registry *Registry

	id    NodeId
	token *ClassToken
	tags  map[string]string
	store *Store

	parent   *Node
	children []*Node

	// the replicator wrapping this node, *ServerReplicator or
	// *ClientReplicator
	owner any

	destroyed bool
}

func newNode(registry *Registry, id NodeId, token *ClassToken, tags map[string]string, store *Store, owner any) *Node {
	copiedTags := make(map[string]string, len(tags))
	for key, value := range tags {
		copiedTags[key] = value
	}
	return &Node{
		registry: registry,
		id:       id,
		token:    token,
		tags:     copiedTags,
		store:    store,
		owner:    owner,
		children: []*Node{},
	}
}

func (self *Node) Id() NodeId {
	return self.id
}

func (self *Node) Token() *ClassToken {
	return self.token
}

// tags are immutable after construction. the returned map is a copy
func (self *Node) Tags() map[string]string {
	return maps.Clone(self.tags)
}

func (self *Node) Tag(key string) string {
	return self.tags[key]
}

func (self *Node) Store() *Store {
	return self.store
}

func (self *Node) Registry() *Registry {
	return self.registry
}

func (self *Node) Owner() any {
	return self.owner
}

func (self *Node) Parent() *Node {
	return self.parent
}

func (self *Node) Children() []*Node {
	return slices.Clone(self.children)
}

func (self *Node) IsTopLevel() bool {
	return self.parent == nil
}

// walks the parent chain to the node with no parent
func (self *Node) TopLevel() *Node {
	node := self
	for node.parent != nil {
		node = node.parent
	}
	return node
}

func (self *Node) IsDestroyed() bool {
	return self.destroyed
}

// all descendants, depth first, not including self
func (self *Node) Descendants() []*Node {
	descendants := []*Node{}
	for _, child := range self.children {
		descendants = append(descendants, child)
		descendants = append(descendants, child.Descendants()...)
	}
	return descendants
}

// relinks the parent pointer. rejects cycles and reparenting a node that was
// constructed top-level. replication-aware reparenting lives on
// ServerReplicator.SetParent, which calls through here
func (self *Node) setParent(newParent *Node) error {
	if self.parent == nil {
		return fmt.Errorf("node %s is top-level and cannot be reparented", self.id)
	}
	if newParent == nil {
		return fmt.Errorf("node %s cannot be reparented to nil", self.id)
	}
	for ancestor := newParent; ancestor != nil; ancestor = ancestor.parent {
		if ancestor == self {
			return fmt.Errorf("reparenting node %s under %s would create a cycle", self.id, newParent.id)
		}
	}
	self.parent.removeChild(self)
	self.parent = newParent
	newParent.children = append(newParent.children, self)
	return nil
}

func (self *Node) removeChild(child *Node) {
	i := slices.Index(self.children, child)
	if 0 <= i {
		self.children = slices.Delete(slices.Clone(self.children), i, i+1)
	}
}

// destroys descendants first, then detaches from the parent, unregisters and
// destroys the store
func (self *Node) Destroy() {
	if self.destroyed {
		return
	}
	self.destroyed = true
	for _, child := range self.Children() {
		child.Destroy()
	}
	if self.parent != nil {
		self.parent.removeChild(self)
		self.parent = nil
	}
	self.registry.unregister(self.id)
	self.store.Destroy()
}
