package replica

import (
	"fmt"

	"golang.org/x/exp/maps"
)

type EventKind string

const (
	EventValueChanged EventKind = "ValueChanged"
	EventArraySet     EventKind = "ArraySet"
	EventArrayInsert  EventKind = "ArrayInsert"
	EventArrayRemove  EventKind = "ArrayRemove"
	EventKeyChanged   EventKind = "KeyChanged"
	EventKeyAdded     EventKind = "KeyAdded"
	EventKeyRemoved   EventKind = "KeyRemoved"
)

// where the mutation happened relative to the listener's path
type Direction string

const (
	// the mutation was at the listener's exact path
	DirectionSelf Direction = "Self"
	// the mutation was below the listener's path
	DirectionChild Direction = "Child"
	// the mutation was above the listener's path and replaced its subtree
	DirectionParent Direction = "Parent"
)

// attached to every fired change event
type ChangeMetadata struct {
	Event      EventKind
	Direction  Direction
	SourcePath Path
	NewValue   any
	OldValue   any
}

type ChangeFunction func(change *ChangeMetadata)

type ArraySetFunction func(index int, newValue any)

type ArrayInsertFunction func(index int, value any)

type ArrayRemoveFunction func(index int, value any)

type KeyChangeFunction func(key string, newValue any, oldValue any)

// an explicit arena of listener containers addressed by integer handle,
// mirroring the data tree's path structure. Containers are created lazily on
// listen and pruned when they hold no listeners and no children. The parent
// entry owns its child handles
type listenerHandle int32

const noHandle = listenerHandle(0)

type listenerEntry struct {
	handle   listenerHandle
	parent   listenerHandle
	key      Key
	children map[Key]listenerHandle

	valueChange *CallbackList[ChangeFunction]
	arraySet    *CallbackList[ArraySetFunction]
	arrayInsert *CallbackList[ArrayInsertFunction]
	arrayRemove *CallbackList[ArrayRemoveFunction]
	keyChange   *CallbackList[KeyChangeFunction]
	keyAdd      *CallbackList[KeyChangeFunction]
	keyRemove   *CallbackList[KeyChangeFunction]
}

func (self *listenerEntry) empty() bool {
	if 0 < len(self.children) {
		return false
	}
	if self.valueChange != nil && 0 < self.valueChange.Len() {
		return false
	}
	if self.arraySet != nil && 0 < self.arraySet.Len() {
		return false
	}
	if self.arrayInsert != nil && 0 < self.arrayInsert.Len() {
		return false
	}
	if self.arrayRemove != nil && 0 < self.arrayRemove.Len() {
		return false
	}
	if self.keyChange != nil && 0 < self.keyChange.Len() {
		return false
	}
	if self.keyAdd != nil && 0 < self.keyAdd.Len() {
		return false
	}
	if self.keyRemove != nil && 0 < self.keyRemove.Len() {
		return false
	}
	return true
}

func (self *listenerEntry) hasKeyListeners() bool {
	for _, callbackList := range []*CallbackList[KeyChangeFunction]{
		self.keyChange,
		self.keyAdd,
		self.keyRemove,
	} {
		if callbackList != nil && 0 < callbackList.Len() {
			return true
		}
	}
	return false
}

type listenerArena struct {
	entries    map[listenerHandle]*listenerEntry
	nextHandle listenerHandle
	root       listenerHandle
}

func newListenerArena() *listenerArena {
	arena := &listenerArena{
		entries:    map[listenerHandle]*listenerEntry{},
		nextHandle: 1,
	}
	arena.root = arena.alloc(noHandle, Key{})
	return arena
}

func (self *listenerArena) alloc(parent listenerHandle, key Key) listenerHandle {
	handle := self.nextHandle
	self.nextHandle += 1
	self.entries[handle] = &listenerEntry{
		handle:   handle,
		parent:   parent,
		key:      key,
		children: map[Key]listenerHandle{},
	}
	return handle
}

func (self *listenerArena) entry(handle listenerHandle) *listenerEntry {
	entry, ok := self.entries[handle]
	if !ok {
		// container lookup must never fail during dispatch
		panic(fmt.Errorf("listener container %d missing", handle))
	}
	return entry
}

// descend from root along path, creating missing containers if create is set.
// returns noHandle when the chain does not exist and create is not set
func (self *listenerArena) at(path Path, create bool) listenerHandle {
	handle := self.root
	for _, key := range path.Keys() {
		entry := self.entry(handle)
		childHandle, ok := entry.children[key]
		if !ok {
			if !create {
				return noHandle
			}
			childHandle = self.alloc(handle, key)
			entry.children[key] = childHandle
		}
		handle = childHandle
	}
	return handle
}

// walk root toward path, visiting each existing container with its depth.
// the container at path itself is included when present
func (self *listenerArena) walkToward(path Path, visit func(depth int, entry *listenerEntry)) {
	handle := self.root
	visit(0, self.entry(handle))
	for depth, key := range path.Keys() {
		entry := self.entry(handle)
		childHandle, ok := entry.children[key]
		if !ok {
			return
		}
		handle = childHandle
		visit(depth+1, self.entry(handle))
	}
}

// remove the entry if it holds nothing, then repeat up the parent chain.
// the root entry is never pruned
func (self *listenerArena) prune(handle listenerHandle) {
	for handle != noHandle && handle != self.root {
		entry := self.entry(handle)
		if !entry.empty() {
			return
		}
		parentHandle := entry.parent
		parent := self.entry(parentHandle)
		delete(parent.children, entry.key)
		delete(self.entries, handle)
		handle = parentHandle
	}
}

func (self *listenerArena) size() int {
	return len(self.entries)
}

func (self *listenerArena) childKeys(entry *listenerEntry) []Key {
	return maps.Keys(entry.children)
}
