// Package ring implements a small fixed-capacity FIFO of timestamps, used by
// both the vsync tracker's sample history and the layer history's present-time
// history. Both need "keep the last N, oldest falls off the front" semantics
// without the allocation churn of a slice that gets re-sliced on every push.
package ring

// Buffer is a fixed-capacity ring of mclock-style nanosecond timestamps.
// It is not safe for concurrent use; callers serialize access with their own
// mutex, matching every other small value holder in this module.
type Buffer struct {
	data []int64
	head int // index of the oldest element
	n    int // number of valid elements
}

// New returns a Buffer with the given capacity. Capacity must be positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: non-positive capacity")
	}
	return &Buffer{data: make([]int64, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
func (b *Buffer) Push(v int64) {
	cap := len(b.data)
	if b.n < cap {
		b.data[(b.head+b.n)%cap] = v
		b.n++
		return
	}
	b.data[b.head] = v
	b.head = (b.head + 1) % cap
}

// Len returns the number of elements currently stored.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// At returns the i'th oldest element still in the buffer (0 is the oldest).
func (b *Buffer) At(i int) int64 {
	if i < 0 || i >= b.n {
		panic("ring: index out of range")
	}
	return b.data[(b.head+i)%len(b.data)]
}

// Newest returns the most recently pushed element and true, or 0 and false if
// the buffer is empty.
func (b *Buffer) Newest() (int64, bool) {
	if b.n == 0 {
		return 0, false
	}
	return b.At(b.n - 1), true
}

// Slice returns the buffer contents oldest-first as a freshly allocated
// slice. Used by callers (the tracker's fit, the layer history's interval
// scan) that want to operate on a contiguous, already-ordered view.
func (b *Buffer) Slice() []int64 {
	out := make([]int64, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.At(i)
	}
	return out
}

// Clear discards all elements without changing capacity.
func (b *Buffer) Clear() {
	b.head = 0
	b.n = 0
}
