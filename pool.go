package nfstrace

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/holmberd/go-nfstrace/internal/spinlock"
)

// blockStorage provides the memory backing a pool's blocks.
type blockStorage[T any] interface {
	alloc(n int) ([]T, error) // Returns a block of n chunks.
	release(block []T) error  // Releases a block returned by alloc.
}

// heapStorage allocates blocks on the Go heap.
type heapStorage[T any] struct{}

func (heapStorage[T]) alloc(n int) ([]T, error) { return make([]T, n), nil }
func (heapStorage[T]) release([]T) error        { return nil }

// Slot is a handle to one chunk of a Pool.
// The zero value is an invalid slot.
type Slot[T any] struct {
	pool *Pool[T]
	idx  uint32
	ptr  *T
}

// Get returns a pointer to the chunk. The pointer stays valid until the slot
// is deallocated; blocks never move.
func (s Slot[T]) Get() *T {
	return s.ptr
}

// Index returns the pool-wide index of the chunk.
func (s Slot[T]) Index() int {
	return int(s.idx)
}

// IsZero reports whether s is the zero Slot.
func (s Slot[T]) IsZero() bool {
	return s.pool == nil
}

// Pool is a thread-safe block allocator of fixed-size chunks of type T.
//
// Chunks are carved out of blocks of ChunksPerBlock chunks. Blocks are
// allocated lazily up to the soft limit and are only released by Close, so a
// pointer obtained from a Slot is never moved or invalidated by growth.
// Free chunks are tracked as a LIFO stack of chunk indices kept apart from
// the chunk memory.
type Pool[T any] struct {
	lock spinlock.Spinlock

	initialized    bool
	closed         bool
	chunkSize      int // Size of a chunk in bytes.
	chunksPerBlock int
	softLimit      int
	blocks         [][]T    // Block table; len(blocks) == softLimit, nil beyond allocated.
	allocated      int      // Number of allocated blocks.
	free           []uint32 // Free chunk indices; the top of the stack is the last element.
	inUse          []uint64 // Bitmap of chunks owned by callers.
	storage        blockStorage[T]

	freeCount  atomic.Int64
	inUseCount atomic.Int64
}

// NewPool creates a pool of chunksPerBlock chunks per block and at most
// softLimit blocks. The first block is allocated immediately.
func NewPool[T any](chunksPerBlock, softLimit int) (*Pool[T], error) {
	p := &Pool[T]{}
	if err := p.Init(chunksPerBlock, softLimit); err != nil {
		return nil, err
	}
	return p, nil
}

// Init configures a zero Pool and allocates its first block.
// It panics if the pool is already initialized.
func (p *Pool[T]) Init(chunksPerBlock, softLimit int) error {
	var zero T
	return p.setup(chunksPerBlock, softLimit, int(unsafe.Sizeof(zero)), heapStorage[T]{})
}

func (p *Pool[T]) setup(chunksPerBlock, softLimit, chunkSize int, storage blockStorage[T]) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.initialized {
		panic(ErrAlreadyInitialized)
	}
	if err := validatePoolLimits(chunksPerBlock, softLimit); err != nil {
		return err
	}
	p.chunkSize = chunkSize
	p.chunksPerBlock = chunksPerBlock
	p.softLimit = softLimit
	p.blocks = make([][]T, softLimit)
	p.free = make([]uint32, 0, chunksPerBlock)
	p.storage = storage
	if err := p.grow(); err != nil {
		return err
	}
	p.initialized = true
	return nil
}

func validatePoolLimits(chunksPerBlock, softLimit int) error {
	var errs []error
	if chunksPerBlock <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: chunks per block %d must be positive", chunksPerBlock))
	}
	if softLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: soft limit %d must be positive", softLimit))
	}
	if chunksPerBlock > 0 && softLimit > 0 && uint64(chunksPerBlock)*uint64(softLimit) > math.MaxUint32 {
		errs = append(errs, fmt.Errorf(
			"invalid config: %d chunks per block x %d blocks exceeds %d chunks",
			chunksPerBlock, softLimit, uint64(math.MaxUint32),
		))
	}
	return errors.Join(errs...)
}

// Allocate pops a free chunk, growing the pool by one block if the free list
// is empty and the soft limit allows it.
//
// It returns [ErrPoolExhausted] if the soft limit is reached and no chunk is
// free, and an error wrapping [ErrOutOfMemory] if a new block cannot be
// allocated. In both cases the pool is left unchanged.
func (p *Pool[T]) Allocate() (Slot[T], error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.initialized {
		panic(ErrNotInitialized)
	}
	if p.closed {
		return Slot[T]{}, ErrPoolClosed
	}
	if len(p.free) == 0 {
		if p.allocated >= p.softLimit {
			return Slot[T]{}, ErrPoolExhausted
		}
		if err := p.grow(); err != nil {
			return Slot[T]{}, err
		}
	}

	n := len(p.free) - 1
	idx := p.free[n]
	p.free = p.free[:n]
	p.inUse[idx/64] |= 1 << (idx % 64)
	p.freeCount.Add(-1)
	p.inUseCount.Add(1)
	return Slot[T]{pool: p, idx: idx, ptr: p.at(idx)}, nil
}

// Deallocate pushes a chunk back onto the free list.
//
// It panics if the slot belongs to another pool or is already free.
// Deallocating into a closed pool is a no-op.
func (p *Pool[T]) Deallocate(s Slot[T]) {
	if s.pool != p {
		panic(fmt.Errorf("%w: slot %d", ErrForeignChunk, s.idx))
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return
	}
	word, bit := s.idx/64, uint64(1)<<(s.idx%64)
	if p.inUse[word]&bit == 0 {
		panic(fmt.Errorf("%w: slot %d", ErrDoubleFree, s.idx))
	}
	p.inUse[word] &^= bit
	p.free = append(p.free, s.idx)
	p.freeCount.Add(1)
	p.inUseCount.Add(-1)
}

// Reserve pre-allocates blocks until at least n chunks are free or the soft
// limit is reached. It is useful for warming a pool before capture starts.
func (p *Pool[T]) Reserve(n int) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	for len(p.free) < n && p.allocated < p.softLimit {
		if err := p.grow(); err != nil {
			return err
		}
	}
	return nil
}

// GrowSoftLimit doubles the maximum number of blocks and returns the new limit.
// Only the block table is reallocated; issued chunks are not moved.
func (p *Pool[T]) GrowSoftLimit() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	limit := p.softLimit * 2
	if uint64(limit)*uint64(p.chunksPerBlock) > math.MaxUint32 {
		return p.softLimit
	}
	table := make([][]T, limit)
	copy(table, p.blocks)
	p.blocks = table
	p.softLimit = limit
	return limit
}

// Close releases every block. Chunks handed out earlier must not be used
// after Close.
func (p *Pool[T]) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for i := range p.allocated {
		if err := p.storage.release(p.blocks[i]); err != nil {
			errs = append(errs, err)
		}
		p.blocks[i] = nil
	}
	p.free = nil
	p.inUse = nil
	p.freeCount.Store(0)
	p.inUseCount.Store(0)
	return errors.Join(errs...)
}

// MaxChunks returns the number of chunks the pool can hold at its current soft limit.
func (p *Pool[T]) MaxChunks() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.chunksPerBlock * p.softLimit
}

// MaxMemory returns the number of chunk bytes the pool can hold at its current soft limit.
func (p *Pool[T]) MaxMemory() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.chunksPerBlock * p.softLimit * p.chunkSize
}

// MaxBlocks returns the current soft limit.
func (p *Pool[T]) MaxBlocks() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.softLimit
}

// AllocatedBlocks returns the number of blocks allocated so far.
func (p *Pool[T]) AllocatedBlocks() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.allocated
}

// FreeChunks returns the number of chunks on the free list.
// It does not take the lock and is intended for diagnostics.
func (p *Pool[T]) FreeChunks() int {
	return int(p.freeCount.Load())
}

// InUse returns the number of chunks owned by callers.
// It does not take the lock and is intended for diagnostics.
func (p *Pool[T]) InUse() int {
	return int(p.inUseCount.Load())
}

// ChunkSize returns the size of a chunk in bytes.
func (p *Pool[T]) ChunkSize() int {
	return p.chunkSize
}

// grow allocates a new block and pushes its chunks onto the free list.
// It assumes the caller holds the lock. The pool is unchanged on error.
func (p *Pool[T]) grow() error {
	block, err := p.storage.alloc(p.chunksPerBlock)
	if err != nil {
		return fmt.Errorf("%w: block %d of %d chunks: %w", ErrOutOfMemory, p.allocated, p.chunksPerBlock, err)
	}

	base := uint32(p.allocated * p.chunksPerBlock)
	p.blocks[p.allocated] = block
	p.allocated++

	words := (p.allocated*p.chunksPerBlock + 63) / 64
	for len(p.inUse) < words {
		p.inUse = append(p.inUse, 0)
	}
	// Push in reverse so the lowest index of the block is handed out first.
	for i := p.chunksPerBlock - 1; i >= 0; i-- {
		p.free = append(p.free, base+uint32(i))
	}
	p.freeCount.Add(int64(p.chunksPerBlock))
	return nil
}

func (p *Pool[T]) at(idx uint32) *T {
	b := int(idx) / p.chunksPerBlock
	return &p.blocks[b][int(idx)%p.chunksPerBlock]
}
