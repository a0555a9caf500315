package replica

import (
	"sync"

	"github.com/golang/glog"
)

// Transport is the injected wire capability on the authoritative side.
// Implementations must provide best-effort reliable delivery with per-target
// FIFO ordering: FireFor and FireAll order per target exactly as sequential
// Fire calls would. The core never opens a socket itself

type HandlerFunction func(source Target, payload []byte)

// connected=true when a target session becomes ready, false on disconnect
type TargetFunction func(target Target, connected bool)

type Transport interface {
	// best-effort delivery to one target. returns false when the target is
	// unknown or not connected (delivery dropped, never queued)
	Fire(target Target, namespace string, endpoint string, payload []byte) bool

	FireFor(targets []Target, namespace string, endpoint string, payload []byte)

	FireAll(namespace string, endpoint string, payload []byte)

	// registers an inbound handler for (namespace, endpoint). returns an
	// unsubscribe function
	Connect(namespace string, endpoint string, handler HandlerFunction) func()

	// lifecycle events. the callback is replayed immediately for targets
	// already connected
	AddTargetCallback(targetCallback TargetFunction) func()

	// currently connected targets
	Targets() []Target
}

// the target-facing side of a transport: one remote peer, no target ids
type ClientTransport interface {
	Fire(namespace string, endpoint string, payload []byte) bool

	Connect(namespace string, endpoint string, handler func(payload []byte)) func()

	Close()
}

// LoopbackTransport is an in-memory transport hub for in-process use and
// tests. Delivery is synchronous and per-target FIFO by construction.
// `OpenTarget`/`CloseTarget` simulate the session lifecycle; `TargetSide`
// exposes the client-facing end for one target
type LoopbackTransport struct {
	mutex sync.Mutex

	handlers map[string]*CallbackList[HandlerFunction]
	targets  map[Target]*LoopbackTargetTransport

	targetCallbacks *CallbackList[TargetFunction]
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		handlers:        map[string]*CallbackList[HandlerFunction]{},
		targets:         map[Target]*LoopbackTargetTransport{},
		targetCallbacks: NewCallbackList[TargetFunction](),
	}
}

func endpointKey(namespace string, endpoint string) string {
	return namespace + ":" + endpoint
}

func (self *LoopbackTransport) OpenTarget(target Target) *LoopbackTargetTransport {
	self.mutex.Lock()
	targetTransport, ok := self.targets[target]
	if ok {
		self.mutex.Unlock()
		glog.Warningf("[loopback]target %s already open\n", target)
		return targetTransport
	}
	targetTransport = &LoopbackTargetTransport{
		transport: self,
		target:    target,
		handlers:  map[string]*CallbackList[func(payload []byte)]{},
	}
	self.targets[target] = targetTransport
	self.mutex.Unlock()

	for _, targetCallback := range self.targetCallbacks.Get() {
		targetCallback(target, true)
	}
	return targetTransport
}

func (self *LoopbackTransport) CloseTarget(target Target) {
	self.mutex.Lock()
	targetTransport, ok := self.targets[target]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.targets, target)
	self.mutex.Unlock()

	targetTransport.closed = true
	for _, targetCallback := range self.targetCallbacks.Get() {
		targetCallback(target, false)
	}
}

func (self *LoopbackTransport) TargetSide(target Target) *LoopbackTargetTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.targets[target]
}

func (self *LoopbackTransport) Fire(target Target, namespace string, endpoint string, payload []byte) bool {
	self.mutex.Lock()
	targetTransport, ok := self.targets[target]
	var handlers []func(payload []byte)
	if ok {
		if callbackList, hasEndpoint := targetTransport.handlers[endpointKey(namespace, endpoint)]; hasEndpoint {
			handlers = callbackList.Get()
		}
	}
	self.mutex.Unlock()

	if !ok {
		return false
	}
	for _, handler := range handlers {
		handler(payload)
	}
	return true
}

func (self *LoopbackTransport) FireFor(targets []Target, namespace string, endpoint string, payload []byte) {
	for _, target := range targets {
		self.Fire(target, namespace, endpoint, payload)
	}
}

func (self *LoopbackTransport) FireAll(namespace string, endpoint string, payload []byte) {
	self.FireFor(self.Targets(), namespace, endpoint, payload)
}

func (self *LoopbackTransport) Connect(namespace string, endpoint string, handler HandlerFunction) func() {
	self.mutex.Lock()
	key := endpointKey(namespace, endpoint)
	callbackList, ok := self.handlers[key]
	if !ok {
		callbackList = NewCallbackList[HandlerFunction]()
		self.handlers[key] = callbackList
	}
	callbackId := callbackList.Add(handler)
	self.mutex.Unlock()

	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *LoopbackTransport) AddTargetCallback(targetCallback TargetFunction) func() {
	callbackId := self.targetCallbacks.Add(targetCallback)
	for _, target := range self.Targets() {
		targetCallback(target, true)
	}
	return func() {
		self.targetCallbacks.Remove(callbackId)
	}
}

func (self *LoopbackTransport) Targets() []Target {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	targets := make([]Target, 0, len(self.targets))
	for target := range self.targets {
		targets = append(targets, target)
	}
	return targets
}

// one target's client-facing end
type LoopbackTargetTransport struct {
	transport *LoopbackTransport
	target    Target

	handlers map[string]*CallbackList[func(payload []byte)]

	closed bool
}

func (self *LoopbackTargetTransport) Fire(namespace string, endpoint string, payload []byte) bool {
	if self.closed {
		return false
	}
	self.transport.mutex.Lock()
	var handlers []HandlerFunction
	if callbackList, ok := self.transport.handlers[endpointKey(namespace, endpoint)]; ok {
		handlers = callbackList.Get()
	}
	self.transport.mutex.Unlock()

	for _, handler := range handlers {
		handler(self.target, payload)
	}
	return true
}

func (self *LoopbackTargetTransport) Connect(namespace string, endpoint string, handler func(payload []byte)) func() {
	self.transport.mutex.Lock()
	key := endpointKey(namespace, endpoint)
	callbackList, ok := self.handlers[key]
	if !ok {
		callbackList = NewCallbackList[func(payload []byte)]()
		self.handlers[key] = callbackList
	}
	callbackId := callbackList.Add(handler)
	self.transport.mutex.Unlock()

	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *LoopbackTargetTransport) Close() {
	self.transport.CloseTarget(self.target)
}
