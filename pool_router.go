package nfstrace

import (
	"errors"
	"fmt"
	"log/slog"
)

// PoolRouter serves variable-size requests from a set of size-bucketed chunk
// pools. Bucket i holds chunks of MinSize + i*Step bytes; every bucket has
// its own lock and free list.
type PoolRouter struct {
	minSize int
	step    int
	buckets []*ChunkPool
}

// BucketStats is a snapshot of one router bucket.
type BucketStats struct {
	ChunkSize  int
	FreeChunks int
	InUse      int
	MaxChunks  int
}

// NewPoolRouter creates a router and maps the first block of every bucket.
func NewPoolRouter(config RouterConfig, logger *slog.Logger) (*PoolRouter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	r := &PoolRouter{
		minSize: config.MinSize,
		step:    config.Step,
		buckets: make([]*ChunkPool, 0, config.Buckets),
	}
	for i := range config.Buckets {
		p, err := NewChunkPool(ChunkPoolConfig{
			ChunkSize:      config.MinSize + i*config.Step,
			ChunksPerBlock: config.ChunksPerBlock,
			SoftLimit:      config.SoftLimit,
		}, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("cannot create bucket %d: %w", i, err), r.Close())
		}
		r.buckets = append(r.buckets, p)
	}
	return r, nil
}

// bucketIndex maps a requested size to a bucket index.
func (r *PoolRouter) bucketIndex(size int) int {
	if size <= r.minSize {
		return 0
	}
	return (size-r.minSize)/r.step + 1
}

// Supports reports whether a request of size bytes can be served by a bucket.
func (r *PoolRouter) Supports(size int) bool {
	return size >= 0 && r.bucketIndex(size) < len(r.buckets)
}

// MaxSize returns the largest request size served by the router.
func (r *PoolRouter) MaxSize() int {
	if len(r.buckets) == 1 {
		return r.minSize
	}
	return r.minSize + (len(r.buckets)-1)*r.step - 1
}

// Allocate returns a chunk with at least size bytes.
//
// It returns [ErrUnsupportedSize] if no bucket serves the size and
// [ErrPoolExhausted] if the bucket has reached its soft limit.
func (r *PoolRouter) Allocate(size int) (Chunk, error) {
	if !r.Supports(size) {
		return Chunk{}, fmt.Errorf("%w: %d bytes (max %d)", ErrUnsupportedSize, size, r.MaxSize())
	}
	i := r.bucketIndex(size)
	c, err := r.buckets[i].Allocate()
	if err != nil {
		return Chunk{}, err
	}
	c.bucket = i
	c.n = size
	return c, nil
}

// Deallocate returns a chunk to the bucket it was allocated from.
// It panics if the chunk was not allocated by this router.
func (r *PoolRouter) Deallocate(c Chunk) {
	if c.bucket < 0 || c.bucket >= len(r.buckets) {
		panic(fmt.Errorf("%w: bucket %d", ErrForeignChunk, c.bucket))
	}
	r.buckets[c.bucket].Deallocate(c)
}

// Stats returns a snapshot of every bucket.
func (r *PoolRouter) Stats() []BucketStats {
	stats := make([]BucketStats, len(r.buckets))
	for i, b := range r.buckets {
		stats[i] = BucketStats{
			ChunkSize:  b.ChunkSize(),
			FreeChunks: b.FreeChunks(),
			InUse:      b.InUse(),
			MaxChunks:  b.MaxChunks(),
		}
	}
	return stats
}

// Close unmaps the memory of every bucket.
func (r *PoolRouter) Close() error {
	var errs []error
	for _, b := range r.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
