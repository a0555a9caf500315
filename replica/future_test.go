package replica

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFutureComplete(t *testing.T) {
	future := newFuture[int]()
	_, _, done := future.TryGet()
	assert.Equal(t, done, false)

	assert.Equal(t, future.complete(7), true)
	value, err, done := future.TryGet()
	assert.Equal(t, done, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, 7)

	// first settle wins
	assert.Equal(t, future.complete(8), false)
	value, _ = future.Await(context.Background())
	assert.Equal(t, value, 7)

	select {
	case <-future.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestFutureCancel(t *testing.T) {
	detached := 0
	future := newFuture[int]()
	future.setDetach(func() {
		detached += 1
	})

	future.Cancel()
	future.Cancel()
	_, err, done := future.TryGet()
	assert.Equal(t, done, true)
	assert.Equal(t, err, ErrFutureCanceled)
	assert.Equal(t, detached, 1)

	// settling after cancel is a no-op
	assert.Equal(t, future.complete(1), false)
	_, err = future.Await(context.Background())
	assert.Equal(t, err, ErrFutureCanceled)
}

func TestFutureDetachOnComplete(t *testing.T) {
	detached := 0
	future := newFuture[int]()
	future.setDetach(func() {
		detached += 1
	})
	future.complete(1)
	assert.Equal(t, detached, 1)
	future.Cancel()
	assert.Equal(t, detached, 1)
}

func TestFutureAwaitContext(t *testing.T) {
	future := newFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := future.Await(ctx)
	assert.Equal(t, err, context.DeadlineExceeded)

	// a later settle still resolves subsequent awaits
	future.complete(3)
	value, err := future.Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, 3)
}

func TestFutureAwaitBlocksUntilSettle(t *testing.T) {
	future := newFuture[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		future.complete("ok")
	}()
	value, err := future.Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "ok")
}
