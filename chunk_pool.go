package nfstrace

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Chunk is a handle to a chunk of bytes obtained from a ChunkPool or a PoolRouter.
// The zero value is an invalid chunk.
type Chunk struct {
	slot   Slot[[]byte]
	bucket int // Index of the router bucket, 0 for plain chunk pools.
	n      int // Usable length of the chunk.
}

// Bytes returns the chunk memory, sliced to the requested size.
// The capacity is the full chunk size.
func (c Chunk) Bytes() []byte {
	return (*c.slot.Get())[:c.n]
}

// Len returns the usable length of the chunk.
func (c Chunk) Len() int {
	return c.n
}

// Size returns the full size of the chunk in bytes.
func (c Chunk) Size() int {
	return cap(*c.slot.Get())
}

// IsZero reports whether c is the zero Chunk.
func (c Chunk) IsZero() bool {
	return c.slot.IsZero()
}

// ChunkPool is a thread-safe pool of fixed-size byte chunks backed by
// off-heap memory.
//
// Every block is a single anonymous mapping of ChunksPerBlock*ChunkSize bytes
// so chunk memory is never scanned by the GC. Chunks are not zeroed on reuse.
type ChunkPool struct {
	pool    Pool[[]byte]
	storage *mmapStorage
}

// NewChunkPool creates a chunk pool and maps its first block.
func NewChunkPool(config ChunkPoolConfig, logger *slog.Logger) (*ChunkPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &ChunkPool{
		storage: &mmapStorage{
			chunkSize: config.ChunkSize,
			regions:   make(map[*byte][]byte),
			logger:    logger,
		},
	}
	if err := p.pool.setup(config.ChunksPerBlock, config.SoftLimit, config.ChunkSize, p.storage); err != nil {
		return nil, err
	}
	return p, nil
}

// Allocate retrieves a free chunk.
// It returns [ErrPoolExhausted] when the soft limit is reached and no chunk is free.
func (p *ChunkPool) Allocate() (Chunk, error) {
	s, err := p.pool.Allocate()
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{slot: s, n: p.pool.ChunkSize()}, nil
}

// Deallocate returns a chunk to the pool.
// It panics if the chunk was not allocated from this pool or is already free.
func (p *ChunkPool) Deallocate(c Chunk) {
	p.pool.Deallocate(c.slot)
}

// Reserve pre-allocates blocks until at least n chunks are free or the soft limit is reached.
func (p *ChunkPool) Reserve(n int) error { return p.pool.Reserve(n) }

// GrowSoftLimit doubles the maximum number of blocks and returns the new limit.
func (p *ChunkPool) GrowSoftLimit() int { return p.pool.GrowSoftLimit() }

func (p *ChunkPool) ChunkSize() int       { return p.pool.ChunkSize() }
func (p *ChunkPool) MaxChunks() int       { return p.pool.MaxChunks() }
func (p *ChunkPool) MaxMemory() int       { return p.pool.MaxMemory() }
func (p *ChunkPool) MaxBlocks() int       { return p.pool.MaxBlocks() }
func (p *ChunkPool) AllocatedBlocks() int { return p.pool.AllocatedBlocks() }
func (p *ChunkPool) FreeChunks() int      { return p.pool.FreeChunks() }
func (p *ChunkPool) InUse() int           { return p.pool.InUse() }

// Close unmaps every block.
func (p *ChunkPool) Close() error {
	return p.pool.Close()
}

// mmapStorage maps blocks of chunks outside of the Go heap.
type mmapStorage struct {
	chunkSize int
	logger    *slog.Logger

	mu      sync.Mutex
	regions map[*byte][]byte // First byte of a block → its mapping.
}

func (s *mmapStorage) alloc(n int) ([][]byte, error) {
	size := s.chunkSize * n

	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap for chunk size %d: %w", size, s.chunkSize, err)
	}

	block := make([][]byte, n)
	for i := range block {
		off := i * s.chunkSize
		block[i] = data[off : off+s.chunkSize : off+s.chunkSize]
	}

	s.mu.Lock()
	s.regions[&data[0]] = data
	s.mu.Unlock()
	return block, nil
}

func (s *mmapStorage) release(block [][]byte) error {
	if len(block) == 0 {
		return nil
	}
	key := &block[0][0]

	s.mu.Lock()
	data, ok := s.regions[key]
	delete(s.regions, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		s.logger.Error("failed to unmap block", "size", len(data), "error", err)
		return err
	}
	return nil
}
