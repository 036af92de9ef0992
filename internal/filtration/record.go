package filtration

import (
	"time"

	"github.com/holmberd/go-nfstrace"
)

// InlineSize is the number of bytes a Record stores without extra allocation.
const InlineSize = 4000

// Direction of a record relative to the server of its session.
type Direction uint8

const (
	DirUnknown Direction = iota
	// DirForward is from client to server.
	DirForward
	// DirReverse is from server to client.
	DirReverse
)

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// Record is one filtered protocol message travelling from a filtrator to the
// analysis goroutine through the transfer queue.
//
// Up to InlineSize bytes live in the record itself. Larger messages take an
// overflow chunk from the record's allocator, or a heap buffer if the
// allocator cannot serve the size. Reset returns the overflow chunk.
type Record struct {
	Session   *Session
	Timestamp time.Time
	Direction Direction
	MsgLen    int // Length of the whole message on the wire.

	alloc    nfstrace.Allocator
	overflow nfstrace.Chunk
	heap     []byte
	off      int // Leading bytes skipped by SkipFirst.
	n        int // Bytes written.
	inline   [InlineSize]byte
}

func (r *Record) buffer() []byte {
	switch {
	case !r.overflow.IsZero():
		return r.overflow.Bytes()
	case r.heap != nil:
		return r.heap
	default:
		return r.inline[:]
	}
}

// Bytes returns the message bytes. The slice is valid until the record is released.
func (r *Record) Bytes() []byte {
	return r.buffer()[r.off:r.n]
}

// Len returns the number of message bytes.
func (r *Record) Len() int {
	return r.n - r.off
}

// Capacity returns the number of bytes the record can hold without resizing.
func (r *Record) Capacity() int {
	return len(r.buffer())
}

// Overflowed reports whether the record holds an overflow chunk.
func (r *Record) Overflowed() bool {
	return !r.overflow.IsZero()
}

// Append copies p to the end of the record, resizing it if needed.
func (r *Record) Append(p []byte) {
	if r.n+len(p) > r.Capacity() {
		r.Resize(r.n + len(p))
	}
	r.n += copy(r.buffer()[r.n:], p)
}

// SkipFirst drops the first n message bytes. It is used to strip transport
// framing after a message is complete.
func (r *Record) SkipFirst(n int) {
	r.off = min(r.off+n, r.n)
}

// Resize grows the record to hold at least size bytes, keeping its content.
// It never shrinks the record.
func (r *Record) Resize(size int) {
	if size <= r.Capacity() {
		return
	}
	old, oldChunk := r.buffer()[:r.n], r.overflow

	var buf []byte
	r.overflow, r.heap = nfstrace.Chunk{}, nil
	if r.alloc != nil {
		if c, err := r.alloc.Allocate(size); err == nil {
			r.overflow = c
			buf = c.Bytes()
		}
	}
	if buf == nil {
		r.heap = make([]byte, size)
		buf = r.heap
	}
	copy(buf, old)

	if !oldChunk.IsZero() {
		r.alloc.Deallocate(oldChunk)
	}
}

// Reset releases overflow storage and clears the record for reuse.
func (r *Record) Reset() {
	if !r.overflow.IsZero() {
		r.alloc.Deallocate(r.overflow)
	}
	r.Session = nil
	r.Timestamp = time.Time{}
	r.Direction = DirUnknown
	r.MsgLen = 0
	r.alloc = nil
	r.overflow = nfstrace.Chunk{}
	r.heap = nil
	r.off, r.n = 0, 0
}
