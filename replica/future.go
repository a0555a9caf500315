package replica

import (
	"context"
	"errors"
	"sync"
)

var ErrFutureCanceled = errors.New("future canceled")

// single-completion future. The producer side calls `complete` at most once;
// `Cancel` detaches the underlying listener so that no completion can be
// observed afterward. Both are idempotent and safe to race
type Future[T any] struct {
	mutex    sync.Mutex
	done     chan struct{}
	value    T
	err      error
	settled  bool
	detach   func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// set after construction, before the future is handed out
func (self *Future[T]) setDetach(detach func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.detach = detach
}

func (self *Future[T]) complete(value T) bool {
	self.mutex.Lock()
	if self.settled {
		self.mutex.Unlock()
		return false
	}
	self.settled = true
	self.value = value
	detach := self.detach
	self.detach = nil
	close(self.done)
	self.mutex.Unlock()

	if detach != nil {
		detach()
	}
	return true
}

func (self *Future[T]) fail(err error) bool {
	self.mutex.Lock()
	if self.settled {
		self.mutex.Unlock()
		return false
	}
	self.settled = true
	self.err = err
	detach := self.detach
	self.detach = nil
	close(self.done)
	self.mutex.Unlock()

	if detach != nil {
		detach()
	}
	return true
}

func (self *Future[T]) Cancel() {
	self.mutex.Lock()
	if self.settled {
		self.mutex.Unlock()
		return
	}
	self.settled = true
	self.err = ErrFutureCanceled
	detach := self.detach
	self.detach = nil
	close(self.done)
	self.mutex.Unlock()

	if detach != nil {
		detach()
	}
}

func (self *Future[T]) Done() <-chan struct{} {
	return self.done
}

func (self *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-self.done:
		self.mutex.Lock()
		defer self.mutex.Unlock()
		return self.value, self.err
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}

func (self *Future[T]) TryGet() (T, error, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.settled {
		var empty T
		return empty, nil, false
	}
	return self.value, self.err, true
}
