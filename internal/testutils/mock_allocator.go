package testutils

import (
	"sync/atomic"
	"testing"

	"github.com/holmberd/go-nfstrace"
)

// MockAllocatorConfig is a small router config for tests: buckets of
// 4KiB, 8KiB, 12KiB and 16KiB with two chunks each.
var MockAllocatorConfig = nfstrace.RouterConfig{
	MinSize:        4 * nfstrace.KiB,
	Step:           4 * nfstrace.KiB,
	Buckets:        4,
	ChunksPerBlock: 2,
	SoftLimit:      1,
}

// MockAllocator is an nfstrace.Allocator that counts calls and delegates to
// a real PoolRouter. Setting Err makes every Allocate fail with it.
type MockAllocator struct {
	Router *nfstrace.PoolRouter
	Err    error

	allocateCalls   atomic.Int64
	deallocateCalls atomic.Int64
}

// NewMockAllocator creates a MockAllocator closed by t.Cleanup.
func NewMockAllocator(t testing.TB) *MockAllocator {
	t.Helper()
	r, err := nfstrace.NewPoolRouter(MockAllocatorConfig, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return &MockAllocator{Router: r}
}

func (a *MockAllocator) Allocate(size int) (nfstrace.Chunk, error) {
	a.allocateCalls.Add(1)
	if a.Err != nil {
		return nfstrace.Chunk{}, a.Err
	}
	return a.Router.Allocate(size)
}

func (a *MockAllocator) Deallocate(c nfstrace.Chunk) {
	a.deallocateCalls.Add(1)
	a.Router.Deallocate(c)
}

func (a *MockAllocator) AllocateCalls() int64 {
	return a.allocateCalls.Load()
}

func (a *MockAllocator) DeallocateCalls() int64 {
	return a.deallocateCalls.Load()
}

// ChunksInUse returns the number of chunks handed out and not yet returned.
func (a *MockAllocator) ChunksInUse() int {
	n := 0
	for _, s := range a.Router.Stats() {
		n += s.InUse
	}
	return n
}

func (a *MockAllocator) Reset() {
	a.allocateCalls.Store(0)
	a.deallocateCalls.Store(0)
}
