package nfstrace

import (
	"errors"
	"fmt"
	"testing"
)

// expectPanic runs fn and fails the test unless it panics with an error matching target.
func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic with %v, got none", target)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("expected panic with %v, got %v", target, r)
		}
	}()
	fn()
}

type testBlockStorage[T any] struct {
	fail     bool
	allocs   int
	releases int
}

func (s *testBlockStorage[T]) alloc(n int) ([]T, error) {
	if s.fail {
		return nil, errors.New("no memory")
	}
	s.allocs++
	return make([]T, n), nil
}

func (s *testBlockStorage[T]) release([]T) error {
	s.releases++
	return nil
}

func TestPoolCapacity(t *testing.T) {
	const (
		chunksPerBlock = 4
		softLimit      = 3
	)
	p, err := NewPool[uint64](chunksPerBlock, softLimit)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if got := p.AllocatedBlocks(); got != 1 {
		t.Fatalf("expected first block to be allocated eagerly, got %d blocks", got)
	}
	if got := p.FreeChunks(); got != chunksPerBlock {
		t.Fatalf("expected %d free chunks after init, got %d", chunksPerBlock, got)
	}

	seen := make(map[*uint64]bool)
	for i := range chunksPerBlock * softLimit {
		s, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[s.Get()] {
			t.Fatalf("allocation %d returned a chunk that is already owned", i)
		}
		seen[s.Get()] = true
	}

	if _, err := p.Allocate(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected %v after %d allocations, got %v", ErrPoolExhausted, chunksPerBlock*softLimit, err)
	}
	if got := p.FreeChunks(); got != 0 {
		t.Errorf("expected 0 free chunks, got %d", got)
	}
	if got := p.AllocatedBlocks(); got != softLimit {
		t.Errorf("expected %d blocks, got %d", softLimit, got)
	}
	if got := p.InUse(); got != chunksPerBlock*softLimit {
		t.Errorf("expected %d chunks in use, got %d", chunksPerBlock*softLimit, got)
	}
}

func TestPoolLimits(t *testing.T) {
	p, err := NewPool[[16]byte](8, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if got := p.MaxChunks(); got != 16 {
		t.Errorf("expected max chunks 16, got %d", got)
	}
	if got := p.MaxBlocks(); got != 2 {
		t.Errorf("expected max blocks 2, got %d", got)
	}
	if got := p.MaxMemory(); got != 16*16 {
		t.Errorf("expected max memory %d, got %d", 16*16, got)
	}
}

func TestPoolReuse(t *testing.T) {
	p, err := NewPool[uint64](4, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	s1, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if s1.Get() == s2.Get() {
		t.Fatal("expected distinct chunks for two live owners")
	}

	p.Deallocate(s1)
	s3, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if s3.Get() != s1.Get() || s3.Index() != s1.Index() {
		t.Errorf("expected LIFO reuse of chunk %d, got %d", s1.Index(), s3.Index())
	}
}

func TestPoolMisuse(t *testing.T) {
	t.Run("Double free panics", func(t *testing.T) {
		p, err := NewPool[uint64](2, 1)
		if err != nil {
			t.Fatal(err)
		}
		s, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		p.Deallocate(s)
		expectPanic(t, ErrDoubleFree, func() { p.Deallocate(s) })
		if got := p.FreeChunks(); got != 2 {
			t.Errorf("expected free list to be untouched by double free, got %d free", got)
		}
	})

	t.Run("Foreign chunk panics", func(t *testing.T) {
		p1, _ := NewPool[uint64](2, 1)
		p2, _ := NewPool[uint64](2, 1)
		s, err := p1.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		expectPanic(t, ErrForeignChunk, func() { p2.Deallocate(s) })
		expectPanic(t, ErrForeignChunk, func() { p2.Deallocate(Slot[uint64]{}) })
	})

	t.Run("Double init panics", func(t *testing.T) {
		var p Pool[uint64]
		if err := p.Init(2, 1); err != nil {
			t.Fatal(err)
		}
		expectPanic(t, ErrAlreadyInitialized, func() { p.Init(2, 1) })
	})

	t.Run("Allocate on zero pool panics", func(t *testing.T) {
		var p Pool[uint64]
		expectPanic(t, ErrNotInitialized, func() { p.Allocate() })
	})

	t.Run("Invalid limits", func(t *testing.T) {
		for _, tc := range [][2]int{{0, 1}, {1, 0}, {-1, -1}, {1 << 20, 1 << 20}} {
			t.Run(fmt.Sprintf("%d x %d", tc[0], tc[1]), func(t *testing.T) {
				if _, err := NewPool[uint64](tc[0], tc[1]); err == nil {
					t.Fatal("expected an error for invalid limits, but got nil")
				}
			})
		}
	})
}

func TestPoolOutOfMemory(t *testing.T) {
	storage := &testBlockStorage[uint64]{}
	p := &Pool[uint64]{}
	if err := p.setup(2, 4, 8, storage); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := p.Allocate(); err != nil {
			t.Fatal(err)
		}
	}

	storage.fail = true
	if _, err := p.Allocate(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected %v, got %v", ErrOutOfMemory, err)
	}
	if got := p.AllocatedBlocks(); got != 1 {
		t.Errorf("expected failed growth to leave 1 block, got %d", got)
	}
	if got := p.FreeChunks(); got != 0 {
		t.Errorf("expected failed growth to leave the free list empty, got %d", got)
	}

	storage.fail = false
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("expected allocation to recover after failed growth, got %v", err)
	}
	if got := p.AllocatedBlocks(); got != 2 {
		t.Errorf("expected 2 blocks, got %d", got)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if storage.releases != storage.allocs {
		t.Errorf("expected %d blocks released on close, got %d", storage.allocs, storage.releases)
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected %v after close, got %v", ErrPoolClosed, err)
	}
}

func TestPoolGrowSoftLimit(t *testing.T) {
	const chunksPerBlock = 4
	p, err := NewPool[uint64](chunksPerBlock, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	retained := make([]*uint64, 0, chunksPerBlock)
	for i := range chunksPerBlock {
		s, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		*s.Get() = uint64(i)
		retained = append(retained, s.Get())
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected %v before growth, got %v", ErrPoolExhausted, err)
	}

	if got := p.GrowSoftLimit(); got != 2 {
		t.Fatalf("expected soft limit 2 after growth, got %d", got)
	}
	for range chunksPerBlock {
		s, err := p.Allocate()
		if err != nil {
			t.Fatalf("expected allocation after growth to succeed, got %v", err)
		}
		*s.Get() = 0xdead
	}

	for i, ptr := range retained {
		*ptr += 100
		if got := *p.at(uint32(i)); got != uint64(i)+100 {
			t.Errorf("chunk %d: expected write through retained pointer to land in pool memory, got %d", i, got)
		}
	}
}

func TestPoolReserve(t *testing.T) {
	p, err := NewPool[uint64](4, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Reserve(9); err != nil {
		t.Fatal(err)
	}
	if got := p.AllocatedBlocks(); got != 3 {
		t.Errorf("expected 3 blocks after reserving 9 chunks, got %d", got)
	}
	if err := p.Reserve(100); err != nil {
		t.Fatal(err)
	}
	if got := p.FreeChunks(); got != 12 {
		t.Errorf("expected reserve to stop at the soft limit with 12 free chunks, got %d", got)
	}
}

func BenchmarkPoolAllocateDeallocate(b *testing.B) {
	p, err := NewPool[[64]byte](1024, 1)
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s, err := p.Allocate()
			if err != nil {
				continue
			}
			p.Deallocate(s)
		}
	})
}
