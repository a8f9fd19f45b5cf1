// Package ringbuf provides a bounded FIFO history ring. When full, Push
// overwrites the oldest element. It is not goroutine-safe; callers guard it
// with their own lock.
package ringbuf

// Ring keeps the most recent Cap() values pushed into it.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int

	evicted uint64
}

// New creates a ring holding at most capacity values. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. If the ring is full the oldest value is evicted and
// returned with ok=true.
func (r *Ring[T]) Push(v T) (old T, ok bool) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return old, false
	}
	old = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
	return old, true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns the most recently pushed value.
func (r *Ring[T]) Last() (v T, ok bool) {
	if r.size == 0 {
		return v, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

// Len returns the current number of items in the ring.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Evicted returns the total number of values overwritten so far.
func (r *Ring[T]) Evicted() uint64 {
	return r.evicted
}
