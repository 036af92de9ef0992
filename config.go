package nfstrace

import (
	"errors"
	"fmt"
)

const (
	// DefaultQueueCapacity is the default number of records the transfer queue can hold.
	DefaultQueueCapacity = 4096

	queueBlockSize = 64 // Chunks per block of a queue sized by capacity.
)

// QueueConfig configures the pool behind a transfer queue.
type QueueConfig struct {
	ChunksPerBlock int // Number of elements allocated together.
	SoftLimit      int // Maximum number of blocks.
}

func (c QueueConfig) Validate() error {
	return validatePoolLimits(c.ChunksPerBlock, c.SoftLimit)
}

// Capacity returns the maximum number of elements of the queue.
func (c QueueConfig) Capacity() int {
	return c.ChunksPerBlock * c.SoftLimit
}

// QueueConfigForCapacity returns a config holding at least capacity elements,
// split into blocks of 64 elements so memory is committed gradually.
// Capacities above 64 are rounded up to a whole number of blocks.
func QueueConfigForCapacity(capacity int) QueueConfig {
	if capacity <= queueBlockSize {
		return QueueConfig{ChunksPerBlock: capacity, SoftLimit: 1}
	}
	return QueueConfig{ChunksPerBlock: queueBlockSize, SoftLimit: (capacity + queueBlockSize - 1) / queueBlockSize}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfigForCapacity(DefaultQueueCapacity)
}

// ChunkPoolConfig configures a ChunkPool.
type ChunkPoolConfig struct {
	ChunkSize      int // Size of a chunk in bytes.
	ChunksPerBlock int // Number of chunks mapped together.
	SoftLimit      int // Maximum number of blocks.
}

func (c ChunkPoolConfig) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: chunk size %d must be positive", c.ChunkSize))
	}
	if err := validatePoolLimits(c.ChunksPerBlock, c.SoftLimit); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RouterConfig configures a PoolRouter.
type RouterConfig struct {
	MinSize        int // Chunk size of the first bucket.
	Step           int // Chunk size increment between buckets.
	Buckets        int // Number of buckets.
	ChunksPerBlock int // Chunks per block of every bucket.
	SoftLimit      int // Maximum number of blocks of every bucket.
}

func (c RouterConfig) Validate() error {
	var errs []error
	if c.MinSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: min size %d must be positive", c.MinSize))
	}
	if c.Step <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: step %d must be positive", c.Step))
	}
	if c.Buckets <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: buckets %d must be positive", c.Buckets))
	}
	if err := validatePoolLimits(c.ChunksPerBlock, c.SoftLimit); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultRouterConfig serves records from 8KiB up to 64KiB in 8KiB steps.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MinSize:        8 * KiB,
		Step:           8 * KiB,
		Buckets:        8,
		ChunksPerBlock: 16, // 128KiB..1MiB per block.
		SoftLimit:      8,
	}
}
