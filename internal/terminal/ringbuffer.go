package terminal

import (
	"strings"
	"sync"
)

// DefaultBufferChunks is the number of output chunks a session retains.
const DefaultBufferChunks = 100

// RingBuffer is a fixed-capacity FIFO of output chunks. Pushing beyond
// capacity evicts the oldest chunk. Chunks are kept whole so replaying the
// buffer never splits an escape sequence that arrived in one read.
//
// All methods are safe for concurrent use.
type RingBuffer struct {
	mu     sync.Mutex
	chunks []string
	start  int // index of the oldest chunk
	size   int
}

// NewRingBuffer creates a ring buffer holding at most capacity chunks.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferChunks
	}
	return &RingBuffer{chunks: make([]string, capacity)}
}

// Push appends a chunk, evicting the oldest one when full.
func (rb *RingBuffer) Push(chunk string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.chunks)
	if rb.size < capacity {
		rb.chunks[(rb.start+rb.size)%capacity] = chunk
		rb.size++
		return
	}
	rb.chunks[rb.start] = chunk
	rb.start = (rb.start + 1) % capacity
}

// Items returns the retained chunks, oldest first.
func (rb *RingBuffer) Items() []string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]string, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.chunks[(rb.start+i)%len(rb.chunks)]
	}
	return out
}

// String joins the retained chunks.
func (rb *RingBuffer) String() string {
	return strings.Join(rb.Items(), "")
}

// Len returns the number of retained chunks.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the capacity in chunks.
func (rb *RingBuffer) Cap() int {
	return len(rb.chunks)
}
