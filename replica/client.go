package replica

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the passive mirror side. A Client reconstructs read-only node mirrors from
// creation batches and replays mutation messages onto local stores with the
// identical op vocabulary, so local Observe/ListenTo* semantics are
// indistinguishable from the server's. Destroy cascades to local children;
// set-parent only relinks the pointer

type ClientSettings struct {
	Namespace string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Namespace: DefaultNamespace,
	}
}

type Client struct {
	settings *ClientSettings

	registry  *Registry
	transport ClientTransport

	stateLock sync.Mutex

	nextCallId   int64
	pendingCalls map[int64]*Future[any]

	unsubs []func()
}

func NewClientWithDefaults(registry *Registry, transport ClientTransport) *Client {
	return NewClient(registry, transport, DefaultClientSettings())
}

func NewClient(registry *Registry, transport ClientTransport, settings *ClientSettings) *Client {
	client := &Client{
		settings:     settings,
		registry:     registry,
		transport:    transport,
		nextCallId:   1,
		pendingCalls: map[int64]*Future[any]{},
	}
	namespace := settings.Namespace
	client.unsubs = append(
		client.unsubs,
		transport.Connect(namespace, EndpointCreate, client.handleCreate),
		transport.Connect(namespace, EndpointDestroy, client.handleDestroy),
		transport.Connect(namespace, EndpointSetParent, client.handleSetParent),
		transport.Connect(namespace, EndpointValueChanged, client.handleValueChanged),
		transport.Connect(namespace, EndpointArraySet, client.handleArraySet),
		transport.Connect(namespace, EndpointArrayInsert, client.handleArrayInsert),
		transport.Connect(namespace, EndpointArrayRemove, client.handleArrayRemove),
		transport.Connect(namespace, EndpointSignal, client.handleSignal),
		transport.Connect(namespace, EndpointResponse, client.handleResponse),
	)
	return client
}

func (self *Client) Registry() *Registry {
	return self.registry
}

// signals the server that this session can receive creation batches. drives
// the server-side pending -> active transition
func (self *Client) Ready() {
	self.transport.Fire(self.settings.Namespace, EndpointReady, encodeMessage(&ReadyMessage{}))
}

func (self *Client) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	self.stateLock.Lock()
	pending := self.pendingCalls
	self.pendingCalls = map[int64]*Future[any]{}
	self.stateLock.Unlock()
	for _, future := range pending {
		future.Cancel()
	}
	// local disconnection destroys every mirror
	self.registry.Close()
}

// the replicator mirror for a node created by this client, or nil
func (self *Client) Replicator(nodeId NodeId) *ClientReplicator {
	node := self.registry.Node(nodeId)
	if node == nil {
		return nil
	}
	replicator, _ := node.owner.(*ClientReplicator)
	return replicator
}

// instantiates mirrors root to leaf by following parent references within
// the batch. a parent id that resolves neither in the batch nor in the
// registry, or a node id that already exists, is an internal consistency
// violation
func (self *Client) handleCreate(payload []byte) {
	batch, err := decodeMessage[CreationBatch](payload)
	if err != nil {
		glog.Warningf("[client]bad creation batch = %s\n", err)
		return
	}
	glog.V(1).Infof("[client]creation batch (%d nodes)\n", len(batch.Nodes))

	remaining := map[NodeId]CreationEntry{}
	for nodeId, entry := range batch.Nodes {
		if self.registry.Node(nodeId) != nil {
			panic(fmt.Errorf("duplicate creation for node %s", nodeId))
		}
		remaining[nodeId] = entry
	}

	for 0 < len(remaining) {
		progressed := false
		for _, nodeId := range sortedNodeIds(remaining) {
			entry := remaining[nodeId]
			var parentNode *Node
			if entry.ParentId != nil {
				if _, inBatch := remaining[*entry.ParentId]; inBatch {
					// instantiate the parent first
					continue
				}
				parentNode = self.registry.Node(*entry.ParentId)
				if parentNode == nil {
					panic(fmt.Errorf("creation for node %s references unknown parent %s", nodeId, *entry.ParentId))
				}
			}
			self.instantiate(nodeId, entry, parentNode)
			delete(remaining, nodeId)
			progressed = true
		}
		if !progressed {
			panic(fmt.Errorf("creation batch has a parent cycle"))
		}
	}
}

func (self *Client) instantiate(nodeId NodeId, entry CreationEntry, parentNode *Node) {
	token := self.registry.ClassToken(entry.Token)
	store := NewStore(entry.Data)
	replicator := &ClientReplicator{
		client:          self,
		signalCallbacks: map[string]*CallbackList[func(args []any)]{},
	}
	replicator.node = newNode(self.registry, nodeId, token, entry.Tags, store, replicator)
	if parentNode != nil {
		replicator.node.parent = parentNode
		parentNode.children = append(parentNode.children, replicator.node)
	}
	self.registry.register(replicator.node)
	glog.V(1).Infof("[client]created mirror %s token=%s\n", nodeId, entry.Token)
}

func (self *Client) handleDestroy(payload []byte) {
	message, err := decodeMessage[DestroyMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad destroy = %s\n", err)
		return
	}
	node := self.registry.Node(message.NodeId)
	if node == nil {
		glog.Warningf("[client]destroy for unknown node %s\n", message.NodeId)
		return
	}
	node.Destroy()
	glog.V(1).Infof("[client]destroyed mirror %s\n", message.NodeId)
}

// relinks the pointer only, never touches data
func (self *Client) handleSetParent(payload []byte) {
	message, err := decodeMessage[SetParentMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad set parent = %s\n", err)
		return
	}
	node := self.mustNode(message.NodeId)
	newParent := self.mustNode(message.NewParentId)
	if err := node.setParent(newParent); err != nil {
		panic(err)
	}
}

func (self *Client) handleValueChanged(payload []byte) {
	message, err := decodeMessage[ValueChangedMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad value changed = %s\n", err)
		return
	}
	self.mustNode(message.NodeId).store.SetValue(message.Path, message.NewValue)
}

func (self *Client) handleArraySet(payload []byte) {
	message, err := decodeMessage[ArraySetMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad array set = %s\n", err)
		return
	}
	self.mustNode(message.NodeId).store.ArraySet(message.Path, message.Index, message.NewValue)
}

func (self *Client) handleArrayInsert(payload []byte) {
	message, err := decodeMessage[ArrayInsertMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad array insert = %s\n", err)
		return
	}
	self.mustNode(message.NodeId).store.ArrayInsertPath(MustParsePath(message.Path), message.Index, message.Value)
}

func (self *Client) handleArrayRemove(payload []byte) {
	message, err := decodeMessage[ArrayRemoveMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad array remove = %s\n", err)
		return
	}
	self.mustNode(message.NodeId).store.ArrayRemoveAt(message.Path, message.Index)
}

func (self *Client) handleSignal(payload []byte) {
	message, err := decodeMessage[SignalMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad signal = %s\n", err)
		return
	}
	node := self.registry.Node(message.NodeId)
	if node == nil {
		glog.Warningf("[client]signal for unknown node %s\n", message.NodeId)
		return
	}
	replicator := node.owner.(*ClientReplicator)

	var callbacks []func(args []any)
	self.stateLock.Lock()
	if callbackList, ok := replicator.signalCallbacks[message.Endpoint]; ok {
		callbacks = callbackList.Get()
	}
	self.stateLock.Unlock()
	for _, signalCallback := range callbacks {
		signalCallback(message.Args)
	}
}

func (self *Client) handleResponse(payload []byte) {
	message, err := decodeMessage[ResponseMessage](payload)
	if err != nil {
		glog.Warningf("[client]bad response = %s\n", err)
		return
	}
	self.stateLock.Lock()
	future, ok := self.pendingCalls[message.CallId]
	delete(self.pendingCalls, message.CallId)
	self.stateLock.Unlock()
	if !ok {
		glog.Warningf("[client]response for unknown call %d\n", message.CallId)
		return
	}
	if message.Err != "" {
		future.fail(RemoteError(message.Err))
		return
	}
	future.complete(message.Result)
}

// a mutation message referencing a node the client was never sent is a
// server/client desync and must not degrade silently
func (self *Client) mustNode(nodeId NodeId) *Node {
	node := self.registry.Node(nodeId)
	if node == nil {
		glog.Errorf("[client]message for unknown node %s\n", nodeId)
		panic(fmt.Errorf("message for unknown node %s", nodeId))
	}
	return node
}

func sortedNodeIds(entries map[NodeId]CreationEntry) []NodeId {
	nodeIds := maps.Keys(entries)
	slices.Sort(nodeIds)
	return nodeIds
}

type RemoteError string

func (self RemoteError) Error() string {
	return string(self)
}

// a read-only mirror of one server node
type ClientReplicator struct {
	client *Client
	node   *Node

	signalCallbacks map[string]*CallbackList[func(args []any)]
}

func (self *ClientReplicator) Node() *Node {
	return self.node
}

func (self *ClientReplicator) Id() NodeId {
	return self.node.id
}

func (self *ClientReplicator) Store() *Store {
	return self.node.store
}

func (self *ClientReplicator) IsDestroyed() bool {
	return self.node.destroyed
}

// fire-and-forget inbound from the server
func (self *ClientReplicator) ConnectSignal(endpoint string, signalCallback func(args []any)) func() {
	self.client.stateLock.Lock()
	callbackList, ok := self.signalCallbacks[endpoint]
	if !ok {
		callbackList = NewCallbackList[func(args []any)]()
		self.signalCallbacks[endpoint] = callbackList
	}
	self.client.stateLock.Unlock()
	callbackId := callbackList.Add(signalCallback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

// fire-and-forget outbound to the server
func (self *ClientReplicator) FireSignal(endpoint string, args ...any) {
	self.client.transport.Fire(self.client.settings.Namespace, EndpointSignal, encodeMessage(&SignalMessage{
		NodeId:   self.node.id,
		Endpoint: endpoint,
		Args:     args,
	}))
}

// request/response to the server. the future completes with the decoded
// result, or with a RemoteError value when the server handler failed
func (self *ClientReplicator) Call(endpoint string, args ...any) *Future[any] {
	client := self.client
	future := newFuture[any]()

	client.stateLock.Lock()
	callId := client.nextCallId
	client.nextCallId += 1
	client.pendingCalls[callId] = future
	client.stateLock.Unlock()

	future.setDetach(func() {
		client.stateLock.Lock()
		delete(client.pendingCalls, callId)
		client.stateLock.Unlock()
	})

	client.transport.Fire(client.settings.Namespace, EndpointCall, encodeMessage(&CallMessage{
		NodeId:   self.node.id,
		Endpoint: endpoint,
		CallId:   callId,
		Args:     args,
	}))
	return future
}
