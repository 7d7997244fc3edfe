package bus

import "sync"

// Value holds the latest value of T and lets observers follow it.
// Each subscriber gets the current value on subscribe, then every change.
// A slow subscriber only ever sees the newest value (older unread values are
// replaced), so Set never blocks.
type Value[T comparable] struct {
	mu   sync.Mutex
	cur  T
	subs map[int]chan T
	next int
}

// NewValue creates a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and notifies subscribers. Returns false if x equals the
// current value, in which case nobody is notified.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if x == v.cur {
		return false
	}
	v.cur = x
	for _, ch := range v.subs {
		offer(ch, x)
	}
	return true
}

// Update applies fn to the current value under the lock and stores the result.
func (v *Value[T]) Update(fn func(T) T) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	x := fn(v.cur)
	if x == v.cur {
		return x, false
	}
	v.cur = x
	for _, ch := range v.subs {
		offer(ch, x)
	}
	return x, true
}

// Subscribe returns a channel primed with the current value and an
// unsubscribe function. The channel is closed on unsubscribe.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	ch <- v.cur
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			close(ch)
			v.mu.Unlock()
		})
	}
}

// offer replaces any unread value in ch with x. Must be called with v.mu held.
func offer[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}
