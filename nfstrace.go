// Package nfstrace implements the zero-copy transfer core of the NFS/CIFS
// tracer: fixed-chunk block pools, a size-bucketed pool router, and a bounded
// handoff queue that moves filtered records from the capture goroutines to
// the analysis goroutine without copying payload bytes.
//
// Pool exhaustion is reported through [ErrPoolExhausted] and is expected
// under overload; callers drop the record and count the loss. Misuse of the
// pools (double free, foreign chunks, stale queue handles, double
// initialization) is a programmer error and panics.
package nfstrace

import "errors"

const (
	KiB = 1024
	MiB = KiB * KiB
)

var (
	// ErrPoolExhausted is returned when the soft limit is reached and the free list is empty.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrOutOfMemory is returned when a new block cannot be obtained from the system.
	ErrOutOfMemory        = errors.New("out of memory")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrQueueClosed        = errors.New("queue is closed")
	ErrUnsupportedSize    = errors.New("unsupported chunk size")
	ErrAlreadyInitialized = errors.New("pool is already initialized")
	ErrNotInitialized     = errors.New("pool is not initialized")
	ErrDoubleFree         = errors.New("chunk is already free")
	ErrForeignChunk       = errors.New("chunk does not belong to this pool")
	ErrStaleRef           = errors.New("queue reference is no longer owned by the caller")
)

// Allocator hands out chunks of at least the requested size.
type Allocator interface {
	Allocate(size int) (Chunk, error) // Allocate returns a chunk with len(Bytes()) == size.
	Deallocate(c Chunk)               // Deallocate returns a chunk obtained from Allocate.
}
