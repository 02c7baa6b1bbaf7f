// Package observe provides a latest-value holder that many readers can
// watch. Subscribers see the current value immediately and afterwards only
// the most recent value; intermediate values may be skipped.
package observe

import "sync"

type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	seq    uint64
	subs   map[*Subscription[T]]struct{}
	closed bool
}

type Subscription[T any] struct {
	ch        chan T
	owner     *Value[T]
	closeOnce sync.Once
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[*Subscription[T]]struct{}),
	}
}

// Load returns the current value.
func (v *Value[T]) Load() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Seq returns the number of stores performed so far.
func (v *Value[T]) Seq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seq
}

func (v *Value[T]) Store(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.storeLocked(val)
}

// Update applies fn to the current value under the lock. The result is
// stored and published only when fn reports a change.
func (v *Value[T]) Update(fn func(T) (T, bool)) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, changed := fn(v.cur)
	if !changed {
		return v.cur, false
	}
	v.storeLocked(next)
	return next, true
}

func (v *Value[T]) storeLocked(val T) {
	if v.closed {
		return
	}
	v.cur = val
	v.seq++
	for sub := range v.subs {
		sub.offer(val)
	}
}

// Subscribe registers a reader. The current value is queued right away.
func (v *Value[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, 1), owner: v}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- v.cur
	v.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription. Later stores are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for sub := range v.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	v.subs = make(map[*Subscription[T]]struct{})
}

func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Close() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ch) })
}

// offer replaces any unread value. Callers hold the owner lock, so there is
// a single sender and the send below never blocks.
func (s *Subscription[T]) offer(val T) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- val
}
