// Package observe provides a snapshot-plus-notifications value and a
// fan-out hub for streams with several consumers.
package observe

import "sync"

// Value holds the latest value of T. Load never blocks; subscribers get
// each change on a buffered channel and miss intermediate values when
// they fall behind.
type Value[T comparable] struct {
	mu   sync.RWMutex
	cur  T
	subs map[int]chan T
	next int
}

// NewValue creates a Value holding initial
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]chan T)}
}

// Load returns the current value
func (v *Value[T]) Load() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Store sets the value and notifies subscribers. It reports whether the
// value changed; an unchanged value notifies nobody.
func (v *Value[T]) Store(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.storeLocked(x)
}

// CompareAndStore sets the value to x only if it currently equals old
func (v *Value[T]) CompareAndStore(old, x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cur != old {
		return false
	}
	v.storeLocked(x)
	return true
}

func (v *Value[T]) storeLocked(x T) bool {
	if v.cur == x {
		return false
	}
	v.cur = x
	for _, ch := range v.subs {
		select {
		case ch <- x:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving future changes and a cancel func
// that closes it.
func (v *Value[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}

// Hub fans every published item out to all current subscribers. A
// subscriber whose buffer is full loses the item. Close ends every
// subscription by closing its channel.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

// NewHub creates an open hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new consumer. On a closed hub the returned
// channel is already closed.
func (h *Hub[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers x to every subscriber and returns how many dropped it
func (h *Hub[T]) Publish(x T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- x:
		default:
			dropped++
		}
	}
	return dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Closed reports whether Close was called
func (h *Hub[T]) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Len returns the number of active subscribers
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
