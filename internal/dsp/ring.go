package dsp

// Ring is a fixed-capacity FIFO. Appending to a full ring evicts the oldest
// element. Iteration order is insertion order.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
	full bool
}

// NewRing returns an empty ring holding at most capacity elements. It panics
// if capacity is not positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("dsp: ring capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds v, evicting the oldest element when the ring is at capacity.
func (r *Ring[T]) Append(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		if r.n == len(r.buf) {
			r.full = true
		}
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of elements held.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// IsFull reports whether the ring has reached capacity at least once since
// it was created or last Reset.
func (r *Ring[T]) IsFull() bool { return r.full }

// Snapshot returns a copy of the contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.n)
	k := copy(out, r.buf[r.head:min(r.head+r.n, len(r.buf))])
	copy(out[k:], r.buf[:r.n-k])
	return out
}

// Last returns the most recently appended element.
func (r *Ring[T]) Last() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.head, r.n, r.full = 0, 0, false
}
