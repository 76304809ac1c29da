// Package history keeps the most recent received frames in memory, bounded
// by total payload bytes, so a viewer can save the tail of a stream when it
// exits.
package history

import "sync"

// DefaultMaxBytes bounds retained PNG payloads when no budget is given.
const DefaultMaxBytes = 64 * 1024 * 1024

// Frame is one retained frame. Seq is assigned by the caller and must
// increase monotonically.
type Frame struct {
	Seq         uint64
	TimestampNs uint64
	Width       uint32
	Height      uint32
	PNG         []byte
}

// Ring is a fixed-slot ring of frames with a soft byte budget. When a store
// would exceed the budget the oldest frames are evicted first.
//
// Ring is safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	slots    []Frame
	size     int // payload bytes held
	maxSize  int
	head     int // next write position
	count    int
	capacity int
}

// New creates a ring holding at most maxBytes of PNG payload.
func New(maxBytes int) *Ring {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	// Compressed frames are tens of KB; one slot per 64KB, clamped.
	slots := max(16, min(maxBytes/(64*1024), 4096))
	return &Ring{
		slots:    make([]Frame, slots),
		maxSize:  maxBytes,
		capacity: slots,
	}
}

// Store retains a copy of f, evicting old frames as needed. A frame larger
// than the whole budget is still kept, alone.
func (r *Ring) Store(f Frame) {
	p := make([]byte, len(f.PNG))
	copy(p, f.PNG)
	f.PNG = p

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count > 0 && r.size+len(p) > r.maxSize {
		r.evictOldest()
	}
	if r.count >= r.capacity {
		r.evictOldest()
	}

	r.slots[r.head] = f
	r.head = (r.head + 1) % r.capacity
	r.count++
	r.size += len(p)
}

// tail is the oldest slot. Caller holds mu and count > 0.
func (r *Ring) tail() int {
	return (r.head - r.count + r.capacity) % r.capacity
}

func (r *Ring) evictOldest() {
	t := r.tail()
	r.size -= len(r.slots[t].PNG)
	r.slots[t] = Frame{}
	r.count--
}

// Since returns the retained frames with Seq > after, oldest first, or nil.
func (r *Ring) Since(after uint64) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Frame
	t := r.tail()
	for i := 0; i < r.count; i++ {
		f := r.slots[(t+i)%r.capacity]
		if f.Seq > after {
			out = append(out, f)
		}
	}
	return out
}

// OldestSeq returns the oldest retained sequence number, or 0 when empty.
func (r *Ring) OldestSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return r.slots[r.tail()].Seq
}

// NewestSeq returns the newest retained sequence number, or 0 when empty.
func (r *Ring) NewestSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return r.slots[(r.head-1+r.capacity)%r.capacity].Seq
}

// Len returns the number of retained frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Bytes returns the retained payload size.
func (r *Ring) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
