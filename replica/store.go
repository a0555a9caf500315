package replica

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/golang/glog"
)

// Store owns one nested data tree (maps keyed by string, arrays of any) and
// fires typed change events with directional metadata for every mutation.
// Listener containers mirror the data's path structure and are created lazily
// on listen (see listenerArena).
//
// Every mutation dispatches in this order:
//  1. ancestors root->path with Direction=Child and each ancestor's current
//     value
//  2. the exact-path listener for the specific operation, Direction=Self
//     (array operations additionally fire the exact-path value-change
//     listener, since the array value itself changed)
//  3. every descendant's value-change listener with the new sub-value,
//     Direction=Parent
// Key add/remove/change events follow, derived from a shallow before/after
// diff of direct children at each listening container on the mutated chain.
//
// Mutation sink callbacks fire before listener dispatch so that re-entrant
// mutations made inside listeners observe sink order equal to mutation call
// order.

type MutationOp string

const (
	MutationSet         MutationOp = "set"
	MutationArraySet    MutationOp = "array_set"
	MutationArrayInsert MutationOp = "array_insert"
	MutationArrayRemove MutationOp = "array_remove"
)

// (op, path, index, value). index is -1 for `set`. value is nil for
// `array_remove`
type MutationFunction func(op MutationOp, path Path, index int, value any)

type Store struct {
	mutex sync.Mutex

	resolver *PathResolver
	root     map[string]any
	arena    *listenerArena

	mutationCallbacks *CallbackList[MutationFunction]

	destroyed bool
}

func NewStore(raw map[string]any) *Store {
	return NewStoreWithResolver(raw, NewPathResolver())
}

func NewStoreWithResolver(raw map[string]any, resolver *PathResolver) *Store {
	if raw == nil {
		raw = map[string]any{}
	}
	return &Store{
		resolver:          resolver,
		root:              raw,
		arena:             newListenerArena(),
		mutationCallbacks: NewCallbackList[MutationFunction](),
	}
}

// registers a callback that sees every raw mutation in call order. used by
// the replication layer for fan-out
func (self *Store) AddMutationCallback(mutationCallback MutationFunction) func() {
	callbackId := self.mutationCallbacks.Add(mutationCallback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

func (self *Store) IsDestroyed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.destroyed
}

// detaches every listener. any later mutation panics
func (self *Store) Destroy() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.destroyed {
		return
	}
	self.destroyed = true
	self.arena = newListenerArena()
	self.mutationCallbacks = NewCallbackList[MutationFunction]()
}

// deep copy of the current tree, safe to hand to a serializer
func (self *Store) Snapshot() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return copyRawData(self.root).(map[string]any)
}

func (self *Store) checkUsable() {
	if self.destroyed {
		panic(fmt.Errorf("store destroyed"))
	}
}

func (self *Store) resolve(pathStr string) Path {
	path, err := self.resolver.Resolve(pathStr)
	if err != nil {
		panic(err)
	}
	return path
}

// value lookup

// returns nil when the path is unreachable. never panics on a missing path
func (self *Store) Get(pathStr string) any {
	return self.GetPath(self.resolve(pathStr))
}

func (self *Store) GetPath(path Path) any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, _ := lookupValue(self.root, path.Keys())
	return value
}

func (self *Store) GetIndex(pathStr string, index int) any {
	return self.GetIndexPath(self.resolve(pathStr), index)
}

func (self *Store) GetIndexPath(path Path, index int) any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, _ := lookupValue(self.root, path.Keys())
	if arr, ok := value.([]any); ok && 0 <= index && index < len(arr) {
		return arr[index]
	}
	return nil
}

func lookupValue(base any, keys []Key) (any, bool) {
	value := base
	for _, key := range keys {
		switch container := value.(type) {
		case map[string]any:
			if key.IsIndex() {
				return nil, false
			}
			childValue, ok := container[key.Name()]
			if !ok {
				return nil, false
			}
			value = childValue
		case []any:
			if !key.IsIndex() || key.Index() < 0 || len(container) <= key.Index() {
				return nil, false
			}
			value = container[key.Index()]
		default:
			return nil, false
		}
	}
	return value, true
}

// scalar mutators

// returns whether the value changed. primitive values compare by equality,
// table values always count as changed. setting nil removes a map key.
// intermediate containers are created as needed
func (self *Store) SetValue(pathStr string, value any) bool {
	return self.SetValuePath(self.resolve(pathStr), value)
}

func (self *Store) SetValuePath(path Path, value any) bool {
	if path.IsRoot() {
		panic(fmt.Errorf("cannot set the root value"))
	}

	self.mutex.Lock()
	self.checkUsable()

	oldValue, reachable := lookupValue(self.root, path.Keys())
	if !reachable && value == nil {
		// removing a value that is not there
		self.mutex.Unlock()
		return false
	}
	if !valueChanged(oldValue, value) {
		self.mutex.Unlock()
		return false
	}

	keySnapshots := self.snapshotKeyListeners(path)
	self.applySet(path, value)
	plan := self.planDispatch(path, func(entry *listenerEntry, fire func(func())) {
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventValueChanged,
			Direction:  DirectionSelf,
			SourcePath: path,
			NewValue:   value,
			OldValue:   oldValue,
		})
	}, keySnapshots)
	self.mutex.Unlock()

	self.fireMutation(MutationSet, path, -1, value)
	runPlan(plan)
	return true
}

// batches multiple sibling sets into one bulk notification at the parent path
// plus per-key notifications. nil values are not supported here (use SetValue
// with nil, or RemoveKey, for removal)
func (self *Store) SetManyValues(pathStr string, values map[string]any) {
	self.SetManyValuesPath(self.resolve(pathStr), values)
}

func (self *Store) SetManyValuesPath(path Path, values map[string]any) {
	self.mutex.Lock()
	self.checkUsable()

	keySnapshots := self.snapshotKeyListeners(path)

	type keySet struct {
		key      string
		keyPath  Path
		newValue any
		oldValue any
	}
	changedKeys := []keySet{}
	keys := sortedKeys(values)
	for _, key := range keys {
		value := values[key]
		if value == nil {
			glog.Warningf("[store]SetManyValues does not support nil values, skipping %s.%s\n", path, key)
			continue
		}
		keyPath := path.Append(NameKey(key))
		oldValue, _ := lookupValue(self.root, keyPath.Keys())
		if !valueChanged(oldValue, value) {
			continue
		}
		self.applySet(keyPath, value)
		changedKeys = append(changedKeys, keySet{
			key:      key,
			keyPath:  keyPath,
			newValue: value,
			oldValue: oldValue,
		})
	}
	if len(changedKeys) == 0 {
		self.mutex.Unlock()
		return
	}

	parentValue, _ := lookupValue(self.root, path.Keys())
	plan := []func(){}
	fire := func(f func()) {
		plan = append(plan, f)
	}
	// one bulk notification: ancestors then the parent container itself
	self.planAncestors(path, fire)
	if entry := self.entryAt(path); entry != nil {
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventValueChanged,
			Direction:  DirectionSelf,
			SourcePath: path,
			NewValue:   parentValue,
			OldValue:   nil,
		})
	}
	// per-key notifications
	for _, set := range changedKeys {
		if entry := self.entryAt(set.keyPath); entry != nil {
			self.planValueChange(entry, fire, &ChangeMetadata{
				Event:      EventValueChanged,
				Direction:  DirectionSelf,
				SourcePath: set.keyPath,
				NewValue:   set.newValue,
				OldValue:   set.oldValue,
			})
			self.planDescendants(entry, set.keyPath, set.newValue, fire)
		}
	}
	self.planKeyEvents(keySnapshots, fire)
	self.mutex.Unlock()

	for _, set := range changedKeys {
		self.fireMutation(MutationSet, set.keyPath, -1, set.newValue)
	}
	runPlan(plan)
}

// removes key from the map at path. equivalent to SetValue(path.key, nil)
func (self *Store) RemoveKey(pathStr string, key string) bool {
	return self.SetValuePath(self.resolve(pathStr).Append(NameKey(key)), nil)
}

// read-modify-write on a numeric value. a missing value counts as zero
func (self *Store) Increment(pathStr string, amount float64) float64 {
	path := self.resolve(pathStr)
	current := self.GetPath(path)
	var next float64
	switch v := current.(type) {
	case nil:
		next = amount
	case int:
		next = float64(v) + amount
	case int64:
		next = float64(v) + amount
	case float64:
		next = v + amount
	default:
		panic(fmt.Errorf("cannot increment non-numeric value at %s: %T", path, current))
	}
	// preserve int typing when both sides are integral
	if _, isInt := current.(int); (isInt || current == nil) && next == float64(int(next)) && amount == float64(int(amount)) {
		self.SetValuePath(path, int(next))
	} else {
		self.SetValuePath(path, next)
	}
	return next
}

// read-modify-write with an arbitrary function
func (self *Store) Mutate(pathStr string, mutate func(value any) any) bool {
	path := self.resolve(pathStr)
	return self.SetValuePath(path, mutate(self.GetPath(path)))
}

// array mutators

// sets one index. an index at or beyond the current length logs a warning and
// grows the array with nils (non-fatal)
func (self *Store) ArraySet(pathStr string, index int, value any) {
	self.ArraySetManyPath(self.resolve(pathStr), []int{index}, value)
}

func (self *Store) ArraySetPath(path Path, index int, value any) {
	self.ArraySetManyPath(path, []int{index}, value)
}

// sets every existing index to value
func (self *Store) ArraySetAll(pathStr string, value any) {
	path := self.resolve(pathStr)
	arr, _ := self.GetPath(path).([]any)
	indices := make([]int, len(arr))
	for i := range arr {
		indices[i] = i
	}
	if len(indices) == 0 {
		return
	}
	self.ArraySetManyPath(path, indices, value)
}

func (self *Store) ArraySetMany(pathStr string, indices []int, value any) {
	self.ArraySetManyPath(self.resolve(pathStr), indices, value)
}

func (self *Store) ArraySetManyPath(path Path, indices []int, value any) {
	if len(indices) == 0 {
		return
	}
	self.mutex.Lock()
	self.checkUsable()

	maxIndex := 0
	for _, index := range indices {
		if index < 0 {
			self.mutex.Unlock()
			panic(fmt.Errorf("negative array index %d at %s", index, path))
		}
		if maxIndex < index {
			maxIndex = index
		}
	}

	keySnapshots := self.snapshotKeyListeners(path)
	arr := self.arrayAt(path, true)
	if len(arr) <= maxIndex {
		glog.Warningf("[store]array set beyond bounds at %s: %d (len %d)\n", path, maxIndex, len(arr))
		arr = growArray(arr, maxIndex+1)
	}
	for _, index := range indices {
		arr[index] = value
	}
	self.storeArray(path, arr)

	plan := self.planDispatch(path, func(entry *listenerEntry, fire func(func())) {
		if entry.arraySet != nil {
			for _, index := range indices {
				index := index
				for _, callback := range entry.arraySet.Get() {
					callback := callback
					fire(func() {
						callback(index, value)
					})
				}
			}
		}
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventArraySet,
			Direction:  DirectionSelf,
			SourcePath: path,
			NewValue:   arr,
			OldValue:   nil,
		})
	}, keySnapshots)
	self.mutex.Unlock()

	for _, index := range indices {
		self.fireMutation(MutationArraySet, path, index, value)
	}
	runPlan(plan)
}

// appends and returns the new index
func (self *Store) ArrayInsert(pathStr string, value any) int {
	path := self.resolve(pathStr)
	return self.arrayInsert(path, -1, value)
}

// inserts at index, shifting subsequent elements
func (self *Store) ArrayInsertAt(pathStr string, index int, value any) int {
	if index < 0 {
		panic(fmt.Errorf("negative array index %d at %s", index, pathStr))
	}
	return self.arrayInsert(self.resolve(pathStr), index, value)
}

func (self *Store) ArrayInsertPath(path Path, index int, value any) int {
	return self.arrayInsert(path, index, value)
}

// index -1 means append
func (self *Store) arrayInsert(path Path, index int, value any) int {
	self.mutex.Lock()
	self.checkUsable()

	keySnapshots := self.snapshotKeyListeners(path)
	arr := self.arrayAt(path, true)
	if index < 0 {
		index = len(arr)
	} else if len(arr) < index {
		glog.Warningf("[store]array insert beyond bounds at %s: %d (len %d), appending\n", path, index, len(arr))
		index = len(arr)
	}
	arr = append(arr, nil)
	copy(arr[index+1:], arr[index:])
	arr[index] = value
	self.storeArray(path, arr)

	plan := self.planDispatch(path, func(entry *listenerEntry, fire func(func())) {
		if entry.arrayInsert != nil {
			for _, callback := range entry.arrayInsert.Get() {
				callback := callback
				fire(func() {
					callback(index, value)
				})
			}
		}
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventArrayInsert,
			Direction:  DirectionSelf,
			SourcePath: path,
			NewValue:   arr,
			OldValue:   nil,
		})
	}, keySnapshots)
	self.mutex.Unlock()

	self.fireMutation(MutationArrayInsert, path, index, value)
	runPlan(plan)
	return index
}

// removes and returns the last element
func (self *Store) ArrayRemove(pathStr string) any {
	return self.arrayRemove(self.resolve(pathStr), -1)
}

func (self *Store) ArrayRemoveAt(pathStr string, index int) any {
	return self.arrayRemove(self.resolve(pathStr), index)
}

func (self *Store) ArrayRemovePath(path Path, index int) any {
	return self.arrayRemove(path, index)
}

// linear scan. returns the removed index, or -1 when the value was not found
func (self *Store) ArrayRemoveFirstValue(pathStr string, value any) int {
	path := self.resolve(pathStr)
	arr, _ := self.GetPath(path).([]any)
	for i, existing := range arr {
		if sameValue(existing, value) {
			self.arrayRemove(path, i)
			return i
		}
	}
	return -1
}

// index -1 means the last element
func (self *Store) arrayRemove(path Path, index int) any {
	self.mutex.Lock()
	self.checkUsable()

	arr := self.arrayAt(path, false)
	if len(arr) == 0 {
		self.mutex.Unlock()
		glog.Warningf("[store]array remove from empty array at %s\n", path)
		return nil
	}
	if index < 0 {
		index = len(arr) - 1
	} else if len(arr) <= index {
		self.mutex.Unlock()
		glog.Warningf("[store]array remove beyond bounds at %s: %d (len %d)\n", path, index, len(arr))
		return nil
	}

	keySnapshots := self.snapshotKeyListeners(path)
	removed := arr[index]
	arr = append(arr[0:index], arr[index+1:]...)
	self.storeArray(path, arr)

	plan := self.planDispatch(path, func(entry *listenerEntry, fire func(func())) {
		if entry.arrayRemove != nil {
			for _, callback := range entry.arrayRemove.Get() {
				callback := callback
				fire(func() {
					callback(index, removed)
				})
			}
		}
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventArrayRemove,
			Direction:  DirectionSelf,
			SourcePath: path,
			NewValue:   arr,
			OldValue:   removed,
		})
	}, keySnapshots)
	self.mutex.Unlock()

	self.fireMutation(MutationArrayRemove, path, index, nil)
	runPlan(plan)
	return removed
}

// listeners

// invokes observeCallback immediately with the current value (skipped if nil
// unless runOnNil), then on every later change that reaches this path from
// any direction. table values always re-invoke even when structurally
// unchanged; unchanged primitives are suppressed. returns an unsubscribe
// function
func (self *Store) Observe(pathStr string, observeCallback func(value any), runOnNil bool) func() {
	path := self.resolve(pathStr)

	self.mutex.Lock()
	self.checkUsable()
	lastValue, _ := lookupValue(self.root, path.Keys())

	// the tracker advances even when the callback is suppressed, so a later
	// equal primitive stays suppressed and a table always re-fires
	changeCallback := func(change *ChangeMetadata) {
		newValue := change.NewValue
		changed := valueChanged(lastValue, newValue)
		lastValue = newValue
		if !changed {
			return
		}
		if newValue == nil && !runOnNil {
			return
		}
		observeCallback(newValue)
	}

	handle := self.arena.at(path, true)
	entry := self.arena.entry(handle)
	if entry.valueChange == nil {
		entry.valueChange = NewCallbackList[ChangeFunction]()
	}
	callbackId := entry.valueChange.Add(changeCallback)
	self.mutex.Unlock()

	if lastValue != nil || runOnNil {
		observeCallback(lastValue)
	}

	return func() {
		self.removeListener(handle, func(entry *listenerEntry) {
			if entry.valueChange != nil {
				entry.valueChange.Remove(callbackId)
			}
		})
	}
}

// resolves when the value at path is or becomes non-nil. Cancel detaches the
// underlying listener with no further callback invocation
func (self *Store) PromiseNonNilValue(pathStr string) *Future[any] {
	future := newFuture[any]()
	unsub := self.Observe(pathStr, func(value any) {
		future.complete(value)
	}, false)
	future.setDetach(unsub)
	if _, _, settled := future.TryGet(); settled {
		// completed during the immediate invocation, before the detach was
		// attached
		unsub()
	}
	return future
}

// fires only for value sets at exactly this path
func (self *Store) ListenToValueChange(pathStr string, changeCallback ChangeFunction) func() {
	filtered := func(change *ChangeMetadata) {
		if change.Direction == DirectionSelf && change.Event == EventValueChanged {
			changeCallback(change)
		}
	}
	return self.listenValueChange(self.resolve(pathStr), filtered)
}

// fires for every change event that reaches this path, including ancestor and
// descendant cascades
func (self *Store) ListenToAnyChange(pathStr string, changeCallback ChangeFunction) func() {
	return self.listenValueChange(self.resolve(pathStr), changeCallback)
}

func (self *Store) listenValueChange(path Path, changeCallback ChangeFunction) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.checkUsable()

	handle := self.arena.at(path, true)
	entry := self.arena.entry(handle)
	if entry.valueChange == nil {
		entry.valueChange = NewCallbackList[ChangeFunction]()
	}
	callbackId := entry.valueChange.Add(changeCallback)
	return func() {
		self.removeListener(handle, func(entry *listenerEntry) {
			if entry.valueChange != nil {
				entry.valueChange.Remove(callbackId)
			}
		})
	}
}

func (self *Store) ListenToArraySet(pathStr string, callback ArraySetFunction) func() {
	return self.listenArray(pathStr, func(entry *listenerEntry) (func() int, func(int)) {
		if entry.arraySet == nil {
			entry.arraySet = NewCallbackList[ArraySetFunction]()
		}
		return func() int {
				return entry.arraySet.Add(callback)
			}, func(callbackId int) {
				entry.arraySet.Remove(callbackId)
			}
	})
}

func (self *Store) ListenToArrayInsert(pathStr string, callback ArrayInsertFunction) func() {
	return self.listenArray(pathStr, func(entry *listenerEntry) (func() int, func(int)) {
		if entry.arrayInsert == nil {
			entry.arrayInsert = NewCallbackList[ArrayInsertFunction]()
		}
		return func() int {
				return entry.arrayInsert.Add(callback)
			}, func(callbackId int) {
				entry.arrayInsert.Remove(callbackId)
			}
	})
}

func (self *Store) ListenToArrayRemove(pathStr string, callback ArrayRemoveFunction) func() {
	return self.listenArray(pathStr, func(entry *listenerEntry) (func() int, func(int)) {
		if entry.arrayRemove == nil {
			entry.arrayRemove = NewCallbackList[ArrayRemoveFunction]()
		}
		return func() int {
				return entry.arrayRemove.Add(callback)
			}, func(callbackId int) {
				entry.arrayRemove.Remove(callbackId)
			}
	})
}

func (self *Store) listenArray(pathStr string, attach func(entry *listenerEntry) (func() int, func(int))) func() {
	path := self.resolve(pathStr)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.checkUsable()

	handle := self.arena.at(path, true)
	entry := self.arena.entry(handle)
	add, remove := attach(entry)
	callbackId := add()
	return func() {
		self.removeListener(handle, func(entry *listenerEntry) {
			remove(callbackId)
		})
	}
}

// fires once per added, removed or changed direct child key of the map at
// parentPath, for any change at or under parentPath
func (self *Store) ListenToKeyChange(parentPathStr string, callback KeyChangeFunction) func() {
	return self.listenKey(parentPathStr, func(entry *listenerEntry) **CallbackList[KeyChangeFunction] {
		return &entry.keyChange
	}, callback)
}

func (self *Store) ListenToKeyAdd(parentPathStr string, callback KeyChangeFunction) func() {
	return self.listenKey(parentPathStr, func(entry *listenerEntry) **CallbackList[KeyChangeFunction] {
		return &entry.keyAdd
	}, callback)
}

func (self *Store) ListenToKeyRemove(parentPathStr string, callback KeyChangeFunction) func() {
	return self.listenKey(parentPathStr, func(entry *listenerEntry) **CallbackList[KeyChangeFunction] {
		return &entry.keyRemove
	}, callback)
}

func (self *Store) listenKey(parentPathStr string, slot func(entry *listenerEntry) **CallbackList[KeyChangeFunction], callback KeyChangeFunction) func() {
	path := self.resolve(parentPathStr)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.checkUsable()

	handle := self.arena.at(path, true)
	entry := self.arena.entry(handle)
	callbackList := slot(entry)
	if *callbackList == nil {
		*callbackList = NewCallbackList[KeyChangeFunction]()
	}
	callbackId := (*callbackList).Add(callback)
	return func() {
		self.removeListener(handle, func(entry *listenerEntry) {
			if list := *slot(entry); list != nil {
				list.Remove(callbackId)
			}
		})
	}
}

func (self *Store) removeListener(handle listenerHandle, remove func(entry *listenerEntry)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.arena.entries[handle]
	if !ok {
		// already pruned
		return
	}
	remove(entry)
	self.arena.prune(handle)
}

// dispatch plumbing

func runPlan(plan []func()) {
	for _, fire := range plan {
		fire()
	}
}

func (self *Store) fireMutation(op MutationOp, path Path, index int, value any) {
	for _, mutationCallback := range self.mutationCallbacks.Get() {
		mutationCallback(op, path, index, value)
	}
}

func (self *Store) entryAt(path Path) *listenerEntry {
	handle := self.arena.at(path, false)
	if handle == noHandle {
		return nil
	}
	return self.arena.entry(handle)
}

// builds the full ordered dispatch plan for one mutation at path:
// ancestors, then the exact-path op events via exact, then descendants,
// then key diff events
func (self *Store) planDispatch(path Path, exact func(entry *listenerEntry, fire func(func())), keySnapshots []keySnapshot) []func() {
	plan := []func(){}
	fire := func(f func()) {
		plan = append(plan, f)
	}
	self.planAncestors(path, fire)
	if entry := self.entryAt(path); entry != nil {
		exact(entry, fire)
		newValue, _ := lookupValue(self.root, path.Keys())
		self.planDescendants(entry, path, newValue, fire)
	}
	self.planKeyEvents(keySnapshots, fire)
	return plan
}

func (self *Store) planAncestors(path Path, fire func(func())) {
	self.arena.walkToward(path, func(depth int, entry *listenerEntry) {
		if path.Len() <= depth {
			// the exact container is handled separately
			return
		}
		if entry.valueChange == nil || entry.valueChange.Len() == 0 {
			return
		}
		ancestorPath := NewPath(path.Keys()[0:depth]...)
		ancestorValue, _ := lookupValue(self.root, ancestorPath.Keys())
		self.planValueChange(entry, fire, &ChangeMetadata{
			Event:      EventValueChanged,
			Direction:  DirectionChild,
			SourcePath: path,
			NewValue:   ancestorValue,
			OldValue:   nil,
		})
	})
}

func (self *Store) planValueChange(entry *listenerEntry, fire func(func()), change *ChangeMetadata) {
	if entry.valueChange == nil {
		return
	}
	for _, callback := range entry.valueChange.Get() {
		callback := callback
		fire(func() {
			callback(change)
		})
	}
}

// depth-first over the container subtree below path, firing each
// descendant's value-change listener with the new sub-value looked up via the
// descendant's relative key chain
func (self *Store) planDescendants(entry *listenerEntry, sourcePath Path, newValue any, fire func(func())) {
	keys := self.arena.childKeys(entry)
	sort.Slice(keys, func(i int, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	for _, key := range keys {
		childEntry := self.arena.entry(entry.children[key])
		childValue, _ := lookupValue(newValue, []Key{key})
		self.planValueChange(childEntry, fire, &ChangeMetadata{
			Event:      EventValueChanged,
			Direction:  DirectionParent,
			SourcePath: sourcePath,
			NewValue:   childValue,
			OldValue:   nil,
		})
		self.planDescendants(childEntry, sourcePath, childValue, fire)
	}
}

type keySnapshot struct {
	entry  *listenerEntry
	path   Path
	before map[string]any
}

// shallow snapshots of direct children at each container with key listeners
// on the mutated chain, taken before the mutation applies
func (self *Store) snapshotKeyListeners(path Path) []keySnapshot {
	snapshots := []keySnapshot{}
	self.arena.walkToward(path, func(depth int, entry *listenerEntry) {
		if !entry.hasKeyListeners() {
			return
		}
		containerPath := NewPath(path.Keys()[0:depth]...)
		value, _ := lookupValue(self.root, containerPath.Keys())
		snapshots = append(snapshots, keySnapshot{
			entry:  entry,
			path:   containerPath,
			before: snapshotChildren(value),
		})
	})
	return snapshots
}

func snapshotChildren(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for key, childValue := range m {
			out[key] = childValue
		}
		return out
	}
	return map[string]any{}
}

func (self *Store) planKeyEvents(snapshots []keySnapshot, fire func(func())) {
	for _, snapshot := range snapshots {
		value, _ := lookupValue(self.root, snapshot.path.Keys())
		after := snapshotChildren(value)

		keySet := map[string]bool{}
		for key := range snapshot.before {
			keySet[key] = true
		}
		for key := range after {
			keySet[key] = true
		}
		keys := sortedKeys(keySet)

		for _, key := range keys {
			key := key
			oldValue, hadOld := snapshot.before[key]
			newValue, hasNew := after[key]
			switch {
			case !hadOld && hasNew:
				planKeyCallbacks(snapshot.entry.keyAdd, fire, key, newValue, nil)
				planKeyCallbacks(snapshot.entry.keyChange, fire, key, newValue, nil)
			case hadOld && !hasNew:
				planKeyCallbacks(snapshot.entry.keyRemove, fire, key, nil, oldValue)
				planKeyCallbacks(snapshot.entry.keyChange, fire, key, nil, oldValue)
			case !sameValue(oldValue, newValue):
				// identity comparison: a nested mutation does not replace
				// the direct child reference and does not fire
				planKeyCallbacks(snapshot.entry.keyChange, fire, key, newValue, oldValue)
			}
		}
	}
}

func planKeyCallbacks(callbackList *CallbackList[KeyChangeFunction], fire func(func()), key string, newValue any, oldValue any) {
	if callbackList == nil {
		return
	}
	for _, callback := range callbackList.Get() {
		callback := callback
		fire(func() {
			callback(key, newValue, oldValue)
		})
	}
}

// data tree plumbing

// sets or removes (value nil, map container) the value at path, creating
// intermediate containers. name keys vivify maps, index keys vivify arrays
func (self *Store) applySet(path Path, value any) {
	keys := path.Keys()
	container := self.vivifyParent(keys)
	last := keys[len(keys)-1]
	switch c := container.(type) {
	case map[string]any:
		if last.IsIndex() {
			panic(fmt.Errorf("index key into map at %s", path))
		}
		if value == nil {
			delete(c, last.Name())
		} else {
			c[last.Name()] = value
		}
	case []any:
		if !last.IsIndex() {
			panic(fmt.Errorf("name key into array at %s", path))
		}
		if len(c) <= last.Index() {
			grown := growArray(c, last.Index()+1)
			grown[last.Index()] = value
			self.storeArray(path.Parent(), grown)
		} else {
			c[last.Index()] = value
		}
	default:
		panic(fmt.Errorf("cannot set into %T at %s", container, path))
	}
}

// returns the container holding the last key of keys, creating missing
// intermediate containers as maps (name keys) or arrays (index keys)
func (self *Store) vivifyParent(keys []Key) any {
	var container any = self.root
	for i := 0; i < len(keys)-1; i += 1 {
		key := keys[i]
		next := keys[i+1]
		switch c := container.(type) {
		case map[string]any:
			if key.IsIndex() {
				panic(fmt.Errorf("index key into map at %s", NewPath(keys[0:i+1]...)))
			}
			childValue, ok := c[key.Name()]
			if !ok || childValue == nil {
				childValue = emptyContainerFor(next)
				c[key.Name()] = childValue
			}
			container = childValue
		case []any:
			if !key.IsIndex() {
				panic(fmt.Errorf("name key into array at %s", NewPath(keys[0:i+1]...)))
			}
			if len(c) <= key.Index() {
				c = growArray(c, key.Index()+1)
				self.storeArrayKeys(keys[0:i], c)
			}
			if c[key.Index()] == nil {
				c[key.Index()] = emptyContainerFor(next)
			}
			container = c[key.Index()]
		default:
			panic(fmt.Errorf("cannot descend into %T at %s", container, NewPath(keys[0:i+1]...)))
		}
	}
	return container
}

func emptyContainerFor(key Key) any {
	if key.IsIndex() {
		return []any{}
	}
	return map[string]any{}
}

// returns the array at path. when create is set a missing value vivifies an
// empty array. a non-array value is a validation error
func (self *Store) arrayAt(path Path, create bool) []any {
	value, ok := lookupValue(self.root, path.Keys())
	if !ok || value == nil {
		if !create {
			return nil
		}
		arr := []any{}
		self.applySet(path, arr)
		return arr
	}
	arr, isArr := value.([]any)
	if !isArr {
		panic(fmt.Errorf("value at %s is %T, not an array", path, value))
	}
	return arr
}

// write the (possibly reallocated) array back into its parent container
func (self *Store) storeArray(path Path, arr []any) {
	self.storeArrayKeys(path.Keys(), arr)
}

func (self *Store) storeArrayKeys(keys []Key, arr []any) {
	if len(keys) == 0 {
		panic(fmt.Errorf("the root container must be a map"))
	}
	container := self.vivifyParent(keys)
	last := keys[len(keys)-1]
	switch c := container.(type) {
	case map[string]any:
		c[last.Name()] = arr
	case []any:
		c[last.Index()] = arr
	default:
		panic(fmt.Errorf("cannot store array into %T at %s", container, NewPath(keys...)))
	}
}

func growArray(arr []any, size int) []any {
	for len(arr) < size {
		arr = append(arr, nil)
	}
	return arr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// identity comparison. tables compare by reference, primitives by equality
func sameValue(a any, b any) bool {
	if isTable(a) || isTable(b) {
		if !isTable(a) || !isTable(b) {
			return false
		}
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return a == b
}
