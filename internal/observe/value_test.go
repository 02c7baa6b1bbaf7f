package observe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribeReplaysCurrent(t *testing.T) {
	v := NewValue(1)
	v.Store(2)
	sub := v.Subscribe()
	defer sub.Close()
	assert.Equal(t, 2, recv(t, sub))
}

func TestSubscriberSeesOnlyLatest(t *testing.T) {
	v := NewValue("a")
	sub := v.Subscribe()
	defer sub.Close()
	v.Store("b")
	v.Store("c")
	v.Store("d")
	assert.Equal(t, "d", recv(t, sub))
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected extra value %q", extra)
	default:
	}
	assert.Equal(t, uint64(3), v.Seq())
}

func TestUpdateSkipsUnchanged(t *testing.T) {
	v := NewValue(5)
	sub := v.Subscribe()
	defer sub.Close()
	recv(t, sub)

	got, changed := v.Update(func(cur int) (int, bool) { return cur, false })
	assert.False(t, changed)
	assert.Equal(t, 5, got)
	select {
	case <-sub.C():
		t.Fatalf("unchanged update must not publish")
	default:
	}

	got, changed = v.Update(func(cur int) (int, bool) { return cur + 1, true })
	assert.True(t, changed)
	assert.Equal(t, 6, got)
	assert.Equal(t, 6, recv(t, sub))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe()
	recv(t, sub)
	v.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()

	late := v.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)

	v.Store(9)
	assert.Equal(t, 0, v.Load())
}

func TestConcurrentStoresConverge(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe()
	defer sub.Close()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v.Update(func(cur int) (int, bool) { return cur + n, true })
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1275, v.Load())
	assert.Equal(t, 1275, recv(t, sub))
}
