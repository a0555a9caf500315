package replica

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the authoritative side. A Server owns the session table and the inbound
// dispatch for one transport namespace; each top-level ServerReplicator owns
// a per-target subscription state machine (unsubscribed -> pending -> active)
// and every descendant inherits its top-level ancestor's state transitively.
//
// All replication state (sessions, active/pending sets, the node graph's
// replication view) is serialized under one state lock. Reparent deltas and
// their message bursts run entirely under that lock so that no mutation
// fan-out for the moved subtree can interleave with the
// creation/destroy/set-parent messages.

type ServerSettings struct {
	Namespace string
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Namespace: DefaultNamespace,
	}
}

type SignalFunction func(source Target, args []any)

type FunctionHandler func(source Target, args []any) (any, error)

type Server struct {
	settings *ServerSettings

	registry  *Registry
	transport Transport

	stateLock sync.Mutex

	readySessions map[Target]bool
	topLevel      map[*ServerReplicator]bool

	sessionCallbacks *CallbackList[TargetFunction]

	unsubs []func()
}

func NewServerWithDefaults(registry *Registry, transport Transport) *Server {
	return NewServer(registry, transport, DefaultServerSettings())
}

func NewServer(registry *Registry, transport Transport, settings *ServerSettings) *Server {
	server := &Server{
		settings:         settings,
		registry:         registry,
		transport:        transport,
		readySessions:    map[Target]bool{},
		topLevel:         map[*ServerReplicator]bool{},
		sessionCallbacks: NewCallbackList[TargetFunction](),
	}
	server.unsubs = append(
		server.unsubs,
		transport.Connect(settings.Namespace, EndpointReady, server.handleReady),
		transport.Connect(settings.Namespace, EndpointSignal, server.handleSignal),
		transport.Connect(settings.Namespace, EndpointCall, server.handleCall),
		transport.AddTargetCallback(server.handleTarget),
	)
	return server
}

func (self *Server) Registry() *Registry {
	return self.registry
}

func (self *Server) SessionReady(target Target) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readySessions[target]
}

// resolves when the target's session becomes ready. Cancel detaches the
// session listener
func (self *Server) PromiseSessionReady(target Target) *Future[Target] {
	future := newFuture[Target]()

	self.stateLock.Lock()
	if self.readySessions[target] {
		self.stateLock.Unlock()
		future.complete(target)
		return future
	}
	self.stateLock.Unlock()

	callbackId := self.sessionCallbacks.Add(func(sessionTarget Target, connected bool) {
		if connected && sessionTarget == target {
			future.complete(target)
		}
	})
	future.setDetach(func() {
		self.sessionCallbacks.Remove(callbackId)
	})
	if self.SessionReady(target) {
		future.complete(target)
	}
	return future
}

func (self *Server) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}

// transport lifecycle. a connected target is not ready until it sends the
// ready message; disconnect force-unsubscribes everywhere without messages
func (self *Server) handleTarget(target Target, connected bool) {
	if connected {
		glog.V(1).Infof("[server]target connected %s\n", target)
		return
	}
	glog.V(1).Infof("[server]target disconnected %s\n", target)

	self.stateLock.Lock()
	delete(self.readySessions, target)
	for topLevel := range self.topLevel {
		delete(topLevel.active, target)
		delete(topLevel.pending, target)
	}
	self.stateLock.Unlock()

	for _, sessionCallback := range self.sessionCallbacks.Get() {
		sessionCallback(target, false)
	}
}

// session ready: every node where this target is pending moves to active,
// combined into one creation batch. All-mode top-level nodes are implicitly
// active for the new session and join the same batch
func (self *Server) handleReady(source Target, payload []byte) {
	if _, err := decodeMessage[ReadyMessage](payload); err != nil {
		glog.Warningf("[server]bad ready message from %s = %s\n", source, err)
		return
	}

	self.stateLock.Lock()
	if self.readySessions[source] {
		self.stateLock.Unlock()
		glog.Warningf("[server]redundant ready from %s\n", source)
		return
	}
	self.readySessions[source] = true

	batch := &CreationBatch{
		Nodes: map[NodeId]CreationEntry{},
	}
	for _, topLevel := range self.orderedTopLevel() {
		if topLevel.replicateAll {
			appendSubtree(batch, topLevel.node)
		} else if topLevel.pending[source] {
			delete(topLevel.pending, source)
			topLevel.active[source] = true
			appendSubtree(batch, topLevel.node)
		}
	}
	if 0 < len(batch.Nodes) {
		glog.V(1).Infof("[server]creation batch to %s (%d nodes)\n", source, len(batch.Nodes))
		self.transport.Fire(source, self.settings.Namespace, EndpointCreate, encodeMessage(batch))
	}
	self.stateLock.Unlock()

	for _, sessionCallback := range self.sessionCallbacks.Get() {
		sessionCallback(source, true)
	}
}

// assumes the state lock is held
func (self *Server) orderedTopLevel() []*ServerReplicator {
	topLevel := maps.Keys(self.topLevel)
	slices.SortFunc(topLevel, func(a *ServerReplicator, b *ServerReplicator) int {
		return int(a.node.id - b.node.id)
	})
	return topLevel
}

func (self *Server) handleSignal(source Target, payload []byte) {
	message, err := decodeMessage[SignalMessage](payload)
	if err != nil {
		glog.Warningf("[server]bad signal from %s = %s\n", source, err)
		return
	}
	replicator, ok := self.replicatorForInbound(source, message.NodeId)
	if !ok {
		return
	}
	var callbacks []SignalFunction
	self.stateLock.Lock()
	if callbackList, ok := replicator.signalCallbacks[message.Endpoint]; ok {
		callbacks = callbackList.Get()
	}
	self.stateLock.Unlock()
	for _, signalCallback := range callbacks {
		signalCallback(source, message.Args)
	}
}

func (self *Server) handleCall(source Target, payload []byte) {
	message, err := decodeMessage[CallMessage](payload)
	if err != nil {
		glog.Warningf("[server]bad call from %s = %s\n", source, err)
		return
	}
	replicator, ok := self.replicatorForInbound(source, message.NodeId)
	if !ok {
		return
	}
	self.stateLock.Lock()
	handler, ok := replicator.functionHandlers[message.Endpoint]
	self.stateLock.Unlock()
	if !ok {
		glog.Warningf("[server]no function %s on node %s\n", message.Endpoint, message.NodeId)
		self.transport.Fire(source, self.settings.Namespace, EndpointResponse, encodeMessage(&ResponseMessage{
			CallId: message.CallId,
			Err:    fmt.Sprintf("no function %s", message.Endpoint),
		}))
		return
	}
	result, callErr := handler(source, message.Args)
	response := &ResponseMessage{
		CallId: message.CallId,
		Result: result,
	}
	if callErr != nil {
		response.Err = callErr.Error()
	}
	self.transport.Fire(source, self.settings.Namespace, EndpointResponse, encodeMessage(response))
}

// inbound traffic is only accepted from targets the node is active for
func (self *Server) replicatorForInbound(source Target, nodeId NodeId) (*ServerReplicator, bool) {
	node := self.registry.Node(nodeId)
	if node == nil {
		glog.Warningf("[server]inbound for unknown node %s from %s\n", nodeId, source)
		return nil, false
	}
	replicator, ok := node.owner.(*ServerReplicator)
	if !ok {
		glog.Warningf("[server]inbound for non-server node %s from %s\n", nodeId, source)
		return nil, false
	}
	self.stateLock.Lock()
	active := replicator.top().activeTargetsLocked(self)[source]
	self.stateLock.Unlock()
	if !active {
		glog.Warningf("[server]inbound for inactive target %s on node %s\n", source, nodeId)
		return nil, false
	}
	return replicator, true
}

// replication mode for a top-level node: either every past and future ready
// target is implicitly active, or an explicit (possibly empty) target set
type ReplicationTargets struct {
	All     bool
	Targets []Target
}

func ReplicateAll() *ReplicationTargets {
	return &ReplicationTargets{
		All: true,
	}
}

func ReplicateTo(targets ...Target) *ReplicationTargets {
	return &ReplicationTargets{
		Targets: targets,
	}
}

type ServerReplicatorConfig struct {
	// class token name, resolved against the server's registry
	Token string
	Tags  map[string]string
	// initial raw data. the store is memoized by data identity
	Data map[string]any

	// exactly one of Parent or ReplicationTargets
	Parent             *ServerReplicator
	ReplicationTargets *ReplicationTargets
}

type ServerReplicator struct {
	server *Server
	node   *Node

	// top-level only
	replicateAll bool
	active       map[Target]bool
	pending      map[Target]bool

	signalCallbacks  map[string]*CallbackList[SignalFunction]
	functionHandlers map[string]FunctionHandler

	unsubMutation func()
}

func NewServerReplicator(server *Server, config *ServerReplicatorConfig) (*ServerReplicator, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("missing class token")
	}
	if (config.Parent == nil) == (config.ReplicationTargets == nil) {
		return nil, fmt.Errorf("exactly one of Parent or ReplicationTargets is required")
	}
	if config.Parent != nil && config.Parent.node.registry != server.registry {
		return nil, fmt.Errorf("parent belongs to a different registry")
	}

	registry := server.registry
	token := registry.ClassToken(config.Token)
	store := registry.StoreFor(config.Data)
	nodeId := registry.allocateNodeId()

	replicator := &ServerReplicator{
		server:           server,
		active:           map[Target]bool{},
		pending:          map[Target]bool{},
		signalCallbacks:  map[string]*CallbackList[SignalFunction]{},
		functionHandlers: map[string]FunctionHandler{},
	}
	replicator.node = newNode(registry, nodeId, token, config.Tags, store, replicator)

	server.stateLock.Lock()
	if config.Parent != nil {
		parentNode := config.Parent.node
		replicator.node.parent = parentNode
		parentNode.children = append(parentNode.children, replicator.node)

		// the new node joins the parent's audience immediately
		targets := maps.Keys(config.Parent.top().activeTargetsLocked(server))
		if 0 < len(targets) {
			batch := &CreationBatch{
				Nodes: map[NodeId]CreationEntry{},
			}
			appendSubtree(batch, replicator.node)
			server.transport.FireFor(targets, server.settings.Namespace, EndpointCreate, encodeMessage(batch))
		}
	} else {
		server.topLevel[replicator] = true
		replicator.replicateAll = config.ReplicationTargets.All
		if replicator.replicateAll {
			// creation batch to every ready session; future sessions are
			// covered by the ready handler
			targets := maps.Keys(server.readySessions)
			if 0 < len(targets) {
				batch := &CreationBatch{
					Nodes: map[NodeId]CreationEntry{},
				}
				appendSubtree(batch, replicator.node)
				server.transport.FireFor(targets, server.settings.Namespace, EndpointCreate, encodeMessage(batch))
			}
		}
	}
	server.stateLock.Unlock()

	replicator.unsubMutation = store.AddMutationCallback(replicator.fanOut)
	registry.register(replicator.node)

	if config.Parent == nil && !config.ReplicationTargets.All {
		for _, target := range config.ReplicationTargets.Targets {
			replicator.Subscribe(target)
		}
	}

	glog.V(1).Infof("[server]created node %s token=%s\n", nodeId, config.Token)
	return replicator, nil
}

func (self *ServerReplicator) Node() *Node {
	return self.node
}

func (self *ServerReplicator) Id() NodeId {
	return self.node.id
}

func (self *ServerReplicator) Store() *Store {
	return self.node.store
}

func (self *ServerReplicator) IsDestroyed() bool {
	return self.node.destroyed
}

func (self *ServerReplicator) top() *ServerReplicator {
	return self.node.TopLevel().owner.(*ServerReplicator)
}

// assumes the server state lock is held. the concrete target set a mutation
// on this subtree fans out to
func (self *ServerReplicator) activeTargetsLocked(server *Server) map[Target]bool {
	if self.replicateAll {
		return maps.Clone(server.readySessions)
	}
	return maps.Clone(self.active)
}

// ActiveTargets returns the targets currently active for this node,
// inherited from its top-level ancestor
func (self *ServerReplicator) ActiveTargets() []Target {
	self.server.stateLock.Lock()
	defer self.server.stateLock.Unlock()
	return maps.Keys(self.top().activeTargetsLocked(self.server))
}

func (self *ServerReplicator) IsActiveFor(target Target) bool {
	self.server.stateLock.Lock()
	defer self.server.stateLock.Unlock()
	return self.top().activeTargetsLocked(self.server)[target]
}

// unsubscribed -> pending (session not ready) or active (creation batch sent
// immediately). redundant subscribes warn and do nothing
func (self *ServerReplicator) Subscribe(target Target) {
	server := self.server
	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	if !self.node.IsTopLevel() {
		glog.Warningf("[server]subscribe on non-top-level node %s\n", self.node.id)
		return
	}
	if self.replicateAll {
		glog.Warningf("[server]subscribe on all-mode node %s\n", self.node.id)
		return
	}
	if self.active[target] || self.pending[target] {
		glog.Warningf("[server]redundant subscribe %s on node %s\n", target, self.node.id)
		return
	}

	if server.readySessions[target] {
		self.active[target] = true
		batch := &CreationBatch{
			Nodes: map[NodeId]CreationEntry{},
		}
		appendSubtree(batch, self.node)
		server.transport.Fire(target, server.settings.Namespace, EndpointCreate, encodeMessage(batch))
		glog.V(1).Infof("[server]subscribe %s on node %s -> active\n", target, self.node.id)
	} else {
		self.pending[target] = true
		glog.V(1).Infof("[server]subscribe %s on node %s -> pending\n", target, self.node.id)
	}
}

// active -> unsubscribed sends a destroy; pending -> unsubscribed sends
// nothing
func (self *ServerReplicator) Unsubscribe(target Target) {
	server := self.server
	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	if !self.node.IsTopLevel() {
		glog.Warningf("[server]unsubscribe on non-top-level node %s\n", self.node.id)
		return
	}
	if self.replicateAll {
		glog.Warningf("[server]unsubscribe on all-mode node %s\n", self.node.id)
		return
	}
	if self.active[target] {
		delete(self.active, target)
		server.transport.Fire(target, server.settings.Namespace, EndpointDestroy, encodeMessage(&DestroyMessage{
			NodeId: self.node.id,
		}))
		glog.V(1).Infof("[server]unsubscribe %s on node %s (was active)\n", target, self.node.id)
	} else if self.pending[target] {
		delete(self.pending, target)
		glog.V(1).Infof("[server]unsubscribe %s on node %s (was pending)\n", target, self.node.id)
	} else {
		glog.Warningf("[server]redundant unsubscribe %s on node %s\n", target, self.node.id)
	}
}

// store mutation sink. translates each mutation into a minimal wire message
// for the current active set, in mutation call order
func (self *ServerReplicator) fanOut(op MutationOp, path Path, index int, value any) {
	server := self.server
	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	targets := maps.Keys(self.top().activeTargetsLocked(server))
	if len(targets) == 0 {
		return
	}
	glog.V(2).Infof("[server]fan out %s %s on node %s to %s\n", op, path, self.node.id, idSetString(targets))
	payload := encodeMutation(self.node.id, op, path, index, value)
	server.transport.FireFor(targets, server.settings.Namespace, endpointForOp(op), payload)
}

// reparents this node, possibly across top-level ancestors with different
// audiences. with O the old ancestor's active set and N the new one's:
// N\O gets one creation batch for the moved subtree, O\N gets one destroy for
// the moved node, and the intersection gets a lightweight set-parent message
// with no data retransmission. the whole delta runs under the server state
// lock
func (self *ServerReplicator) SetParent(newParent *ServerReplicator) error {
	if newParent == nil {
		return fmt.Errorf("new parent required")
	}
	server := self.server
	if newParent.server != server {
		return fmt.Errorf("new parent belongs to a different server")
	}

	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	oldActive := self.top().activeTargetsLocked(server)
	if err := self.node.setParent(newParent.node); err != nil {
		return err
	}
	newActive := self.top().activeTargetsLocked(server)

	created := []Target{}
	destroyed := []Target{}
	kept := []Target{}
	for target := range newActive {
		if oldActive[target] {
			kept = append(kept, target)
		} else {
			created = append(created, target)
		}
	}
	for target := range oldActive {
		if !newActive[target] {
			destroyed = append(destroyed, target)
		}
	}

	glog.V(1).Infof(
		"[server]reparent node %s under %s: create=%s destroy=%s keep=%s\n",
		self.node.id, newParent.node.id,
		idSetString(created), idSetString(destroyed), idSetString(kept),
	)

	if 0 < len(created) {
		batch := &CreationBatch{
			Nodes: map[NodeId]CreationEntry{},
		}
		appendSubtree(batch, self.node)
		server.transport.FireFor(created, server.settings.Namespace, EndpointCreate, encodeMessage(batch))
	}
	if 0 < len(destroyed) {
		server.transport.FireFor(destroyed, server.settings.Namespace, EndpointDestroy, encodeMessage(&DestroyMessage{
			NodeId: self.node.id,
		}))
	}
	if 0 < len(kept) {
		server.transport.FireFor(kept, server.settings.Namespace, EndpointSetParent, encodeMessage(&SetParentMessage{
			NodeId:      self.node.id,
			NewParentId: newParent.node.id,
		}))
	}
	return nil
}

// remote endpoints, multiplexed by (node id, endpoint name)

// fire-and-forget inbound from targets
func (self *ServerReplicator) ConnectSignal(endpoint string, signalCallback SignalFunction) func() {
	self.server.stateLock.Lock()
	callbackList, ok := self.signalCallbacks[endpoint]
	if !ok {
		callbackList = NewCallbackList[SignalFunction]()
		self.signalCallbacks[endpoint] = callbackList
	}
	self.server.stateLock.Unlock()
	callbackId := callbackList.Add(signalCallback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

// request/response inbound from targets. one handler per endpoint
func (self *ServerReplicator) ConnectFunction(endpoint string, handler FunctionHandler) func() {
	self.server.stateLock.Lock()
	if _, ok := self.functionHandlers[endpoint]; ok {
		glog.Warningf("[server]function %s on node %s replaced\n", endpoint, self.node.id)
	}
	self.functionHandlers[endpoint] = handler
	self.server.stateLock.Unlock()
	return func() {
		self.server.stateLock.Lock()
		delete(self.functionHandlers, endpoint)
		self.server.stateLock.Unlock()
	}
}

// fire-and-forget outbound. firing to a target the node is not active for is
// dropped with a warning, never queued
func (self *ServerReplicator) FireSignal(target Target, endpoint string, args ...any) {
	server := self.server
	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	if !self.top().activeTargetsLocked(server)[target] {
		glog.Warningf("[server]signal %s to inactive target %s on node %s dropped\n", endpoint, target, self.node.id)
		return
	}
	server.transport.Fire(target, server.settings.Namespace, EndpointSignal, encodeMessage(&SignalMessage{
		NodeId:   self.node.id,
		Endpoint: endpoint,
		Args:     args,
	}))
}

func (self *ServerReplicator) FireSignalAll(endpoint string, args ...any) {
	server := self.server
	server.stateLock.Lock()
	defer server.stateLock.Unlock()

	targets := maps.Keys(self.top().activeTargetsLocked(server))
	if len(targets) == 0 {
		return
	}
	server.transport.FireFor(targets, server.settings.Namespace, EndpointSignal, encodeMessage(&SignalMessage{
		NodeId:   self.node.id,
		Endpoint: endpoint,
		Args:     args,
	}))
}

// sends one destroy to the active set and tears down the subtree. clients
// cascade to children from the single message
func (self *ServerReplicator) Destroy() {
	server := self.server
	server.stateLock.Lock()
	if self.node.destroyed {
		server.stateLock.Unlock()
		return
	}
	targets := maps.Keys(self.top().activeTargetsLocked(server))
	if 0 < len(targets) {
		server.transport.FireFor(targets, server.settings.Namespace, EndpointDestroy, encodeMessage(&DestroyMessage{
			NodeId: self.node.id,
		}))
	}
	delete(server.topLevel, self)
	server.stateLock.Unlock()

	if self.unsubMutation != nil {
		self.unsubMutation()
		self.unsubMutation = nil
	}
	self.node.Destroy()
	glog.V(1).Infof("[server]destroyed node %s\n", self.node.id)
}

// one creation entry per node in the subtree, root first
func appendSubtree(batch *CreationBatch, node *Node) {
	entry := CreationEntry{
		Token: node.token.Name(),
		Tags:  node.Tags(),
		Data:  node.store.Snapshot(),
	}
	if node.parent != nil {
		parentId := node.parent.id
		entry.ParentId = &parentId
	}
	batch.Nodes[node.id] = entry
	for _, child := range node.children {
		appendSubtree(batch, child)
	}
}
