package replica

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a unique type identifier for replicated nodes. Tokens are interned per
// registry, so token equality is pointer equality and the name travels on the
// wire
type ClassToken struct {
	name string
}

func (self *ClassToken) Name() string {
	return self.name
}

func (self *ClassToken) String() string {
	return fmt.Sprintf("token(%s)", self.name)
}

type NodeCreationFunction func(node *Node)

// Registry is the explicit, injectable service holding the node table, the
// monotonic id allocator, the class-token intern table and the store memo.
// Construct one per server or client; tests construct isolated instances
type Registry struct {
	mutex sync.Mutex

	nextNodeId NodeId
	nodes      map[NodeId]*Node
	tokens     map[string]*ClassToken
	// stores memoized by root map identity
	stores map[uintptr]*Store

	creationCallbacks *CallbackList[NodeCreationFunction]

	closed bool
}

func NewRegistry() *Registry {
	return &Registry{
		nextNodeId:        1,
		nodes:             map[NodeId]*Node{},
		tokens:            map[string]*ClassToken{},
		stores:            map[uintptr]*Store{},
		creationCallbacks: NewCallbackList[NodeCreationFunction](),
	}
}

func (self *Registry) ClassToken(name string) *ClassToken {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	token, ok := self.tokens[name]
	if !ok {
		token = &ClassToken{
			name: name,
		}
		self.tokens[name] = token
	}
	return token
}

// one store per raw data reference. repeated calls with the same map return
// the same store
func (self *Registry) StoreFor(raw map[string]any) *Store {
	if raw == nil {
		return NewStore(nil)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	pointer := reflect.ValueOf(raw).Pointer()
	store, ok := self.stores[pointer]
	if !ok {
		store = NewStore(raw)
		self.stores[pointer] = store
	}
	return store
}

func (self *Registry) allocateNodeId() NodeId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	nodeId := self.nextNodeId
	self.nextNodeId += 1
	return nodeId
}

// registers under a caller-supplied id (ids assigned remotely keep their
// value). a duplicate id is an internal consistency violation
func (self *Registry) register(node *Node) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		panic(fmt.Errorf("registry closed"))
	}
	if _, ok := self.nodes[node.id]; ok {
		self.mutex.Unlock()
		glog.Errorf("[registry]duplicate node id %s\n", node.id)
		panic(fmt.Errorf("duplicate node id %s", node.id))
	}
	self.nodes[node.id] = node
	if self.nextNodeId <= node.id {
		self.nextNodeId = node.id + 1
	}
	self.mutex.Unlock()

	for _, creationCallback := range self.creationCallbacks.Get() {
		creationCallback(node)
	}
}

func (self *Registry) unregister(nodeId NodeId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.nodes, nodeId)
}

// O(1) lookup. nil when absent
func (self *Registry) Node(nodeId NodeId) *Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.nodes[nodeId]
}

func (self *Registry) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.nodes)
}

func (self *Registry) FirstMatch(matcher Matcher) *Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, node := range self.orderedNodes() {
		if matcher.Matches(node) {
			return node
		}
	}
	return nil
}

func (self *Registry) AllMatches(matcher Matcher) []*Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	matches := []*Node{}
	for _, node := range self.orderedNodes() {
		if matcher.Matches(node) {
			matches = append(matches, node)
		}
	}
	return matches
}

// assumes the mutex is held
func (self *Registry) orderedNodes() []*Node {
	nodeIds := maps.Keys(self.nodes)
	slices.Sort(nodeIds)
	nodes := make([]*Node, 0, len(nodeIds))
	for _, nodeId := range nodeIds {
		nodes = append(nodes, self.nodes[nodeId])
	}
	return nodes
}

// invokes matchCallback for every existing match, then for every future match
// as nodes are created, until the returned unsubscribe is called
func (self *Registry) ForEach(matcher Matcher, matchCallback func(node *Node)) func() {
	self.mutex.Lock()
	existing := []*Node{}
	for _, node := range self.orderedNodes() {
		if matcher.Matches(node) {
			existing = append(existing, node)
		}
	}
	callbackId := self.creationCallbacks.Add(func(node *Node) {
		if matcher.Matches(node) {
			matchCallback(node)
		}
	})
	self.mutex.Unlock()

	for _, node := range existing {
		matchCallback(node)
	}
	return func() {
		self.creationCallbacks.Remove(callbackId)
	}
}

// resolves on the first existing or future match. Cancel detaches the
// underlying creation listener
func (self *Registry) PromiseFirstMatch(matcher Matcher) *Future[*Node] {
	future := newFuture[*Node]()

	self.mutex.Lock()
	for _, node := range self.orderedNodes() {
		if matcher.Matches(node) {
			self.mutex.Unlock()
			future.complete(node)
			return future
		}
	}
	callbackId := self.creationCallbacks.Add(func(node *Node) {
		if matcher.Matches(node) {
			future.complete(node)
		}
	})
	self.mutex.Unlock()

	future.setDetach(func() {
		self.creationCallbacks.Remove(callbackId)
	})
	// the matcher could have matched a creation that raced the registration
	// of the detach. re-check under the settled guard
	if node := self.FirstMatch(matcher); node != nil {
		future.complete(node)
	}
	return future
}

// destroys every remaining top-level node and refuses further registration
func (self *Registry) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	nodes := self.orderedNodes()
	self.mutex.Unlock()

	for _, node := range nodes {
		if node.Parent() == nil && !node.IsDestroyed() {
			node.Destroy()
		}
	}
}
