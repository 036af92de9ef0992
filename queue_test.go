package nfstrace

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type testRecord struct {
	Producer int
	Seq      int
	resets   *int
}

func (r *testRecord) Reset() {
	if r.resets != nil {
		*r.resets++
	}
	r.Producer, r.Seq = 0, 0
}

func newTestQueue[T any](t testing.TB, config QueueConfig) *Queue[T] {
	t.Helper()
	q, err := NewQueue[T](config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func pushValue(t *testing.T, q *Queue[int], v int) {
	t.Helper()
	r, err := q.Allocate()
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	*r.Data() = v
	if err := q.Push(r); err != nil {
		t.Fatalf("failed to push: %v", err)
	}
}

func TestQueueDrainOrder(t *testing.T) {
	const n = 100
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 16, SoftLimit: 8})
	for i := range n {
		pushValue(t, q, i)
	}
	if got := q.Pending(); got != n {
		t.Fatalf("expected %d pending elements, got %d", n, got)
	}

	list := q.Drain()
	defer list.Close()
	if got := list.Len(); got != n {
		t.Fatalf("expected list of %d elements, got %d", n, got)
	}
	for want := 0; list.HasMore(); want++ {
		if got := *list.Current(); got != want {
			t.Fatalf("expected element %d in enqueue order, got %d", want, got)
		}
		list.Advance()
	}
	if q.InUse() != 0 {
		t.Errorf("expected every element to be released, got %d in use", q.InUse())
	}
}

func TestQueueDrainEmptiesQueue(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	pushValue(t, q, 1)
	pushValue(t, q, 2)

	first := q.Drain()
	defer first.Close()
	second := q.Drain()
	if second.HasMore() || second.Len() != 0 {
		t.Fatalf("expected second drain to be empty, got %d elements", second.Len())
	}
	if q.Pending() != 0 {
		t.Errorf("expected no pending elements, got %d", q.Pending())
	}
	if first.Len() != 2 {
		t.Errorf("expected first drain to hold 2 elements, got %d", first.Len())
	}
}

func TestQueueListAutoRelease(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 8, SoftLimit: 1})
	before := q.FreeChunks()
	for i := range 3 {
		pushValue(t, q, i)
	}

	func() {
		list := q.Drain()
		defer list.Close()
		if got := *list.Current(); got != 0 {
			t.Fatalf("expected first element 0, got %d", got)
		}
		// Scope exits without releasing any element.
	}()

	if got := q.FreeChunks(); got != before {
		t.Errorf("expected %d free chunks after list scope exit, got %d", before, got)
	}
}

func TestQueueListAutoReleaseOnPanic(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 8, SoftLimit: 1})
	before := q.FreeChunks()
	for i := range 3 {
		pushValue(t, q, i)
	}

	func() {
		defer func() { recover() }()
		list := q.Drain()
		defer list.Close()
		list.Advance()
		panic("analyzer failed")
	}()

	if got := q.FreeChunks(); got != before {
		t.Errorf("expected %d free chunks after panic mid-batch, got %d", before, got)
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 2})
	for i := range 4 {
		pushValue(t, q, i)
	}
	if _, err := q.Allocate(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected %v on a full queue, got %v", ErrPoolExhausted, err)
	}
	if got := q.Capacity(); got != 4 {
		t.Errorf("expected capacity 4, got %d", got)
	}

	list := q.Drain()
	list.Close()
	if _, err := q.Allocate(); err != nil {
		t.Fatalf("expected allocation after drain to succeed, got %v", err)
	}
}

func TestQueueAbort(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
	r, err := q.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	*r.Data() = 7
	q.Deallocate(r)

	if q.InUse() != 0 || q.FreeChunks() != 2 {
		t.Errorf("expected aborted element to be free, got in use=%d, free=%d", q.InUse(), q.FreeChunks())
	}
	list := q.Drain()
	if list.HasMore() {
		t.Error("expected aborted element to never be published")
	}
}

func TestQueueTake(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	pushValue(t, q, 1)
	pushValue(t, q, 2)

	list := q.Drain()
	r := list.Take()
	list.Close()
	if q.InUse() != 1 {
		t.Fatalf("expected taken element to stay in use, got %d", q.InUse())
	}
	if got := *r.Data(); got != 1 {
		t.Errorf("expected taken element 1, got %d", got)
	}
	r.Release()
	if q.InUse() != 0 {
		t.Errorf("expected taken element to be released, got %d in use", q.InUse())
	}
	expectPanic(t, ErrStaleRef, func() { q.Push(r) })
}

func TestQueueListCloseTwice(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	for i := range 3 {
		pushValue(t, q, i)
	}

	list := q.Drain()
	other := list
	list.Advance()
	list.Close()
	other.Close()
	list.Close()

	if q.InUse() != 0 || q.FreeChunks() != 4 {
		t.Errorf("expected every element free once, got in use=%d, free=%d", q.InUse(), q.FreeChunks())
	}
	if other.HasMore() || other.Len() != 0 {
		t.Errorf("expected shared list to be exhausted, got len %d", other.Len())
	}
}

func TestQueueStaleRef(t *testing.T) {
	t.Run("Data after push panics", func(t *testing.T) {
		q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
		r, err := q.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Push(); err != nil {
			t.Fatal(err)
		}
		expectPanic(t, ErrStaleRef, func() { r.Data() })
		expectPanic(t, ErrStaleRef, func() { q.Push(r) })
		expectPanic(t, ErrStaleRef, func() { q.Deallocate(r) })
	})

	t.Run("Double deallocate panics", func(t *testing.T) {
		q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
		r, err := q.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		r.Release()
		expectPanic(t, ErrStaleRef, func() { r.Release() })

		// The slot is reused by a new owner; the old handle must stay dead.
		r2, err := q.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		expectPanic(t, ErrStaleRef, func() { r.Data() })
		*r2.Data() = 1
		r2.Release()
	})

	t.Run("Foreign ref panics", func(t *testing.T) {
		q1 := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
		q2 := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
		r, err := q1.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		expectPanic(t, ErrStaleRef, func() { q2.Push(r) })
		expectPanic(t, ErrStaleRef, func() { q2.Push(Ref[int]{}) })
	})
}

func TestQueueResetsPayload(t *testing.T) {
	var resets int
	q := newTestQueue[testRecord](t, QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	for i := range 3 {
		r, err := q.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		*r.Data() = testRecord{Seq: i, resets: &resets}
		if err := r.Push(); err != nil {
			t.Fatal(err)
		}
	}
	list := q.Drain()
	list.Close()
	if resets != 3 {
		t.Errorf("expected 3 payload resets, got %d", resets)
	}
}

func TestQueueClose(t *testing.T) {
	q, err := NewQueue[int](QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	pushValue(t, q, 1)
	r, err := q.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if q.Pending() != 0 {
		t.Errorf("expected close to discard pending elements, got %d", q.Pending())
	}
	if err := q.Push(r); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected %v on push after close, got %v", ErrQueueClosed, err)
	}
	if _, err := q.Allocate(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected %v on allocate after close, got %v", ErrQueueClosed, err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
}

func TestQueueNotify(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 4, SoftLimit: 1})
	select {
	case <-q.Notify():
		t.Fatal("expected no notification on an empty queue")
	default:
	}
	pushValue(t, q, 1)
	pushValue(t, q, 2)
	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected a notification after push")
	}
}

func TestQueueGrowth(t *testing.T) {
	q := newTestQueue[int](t, QueueConfig{ChunksPerBlock: 2, SoftLimit: 1})
	r1, _ := q.Allocate()
	r2, _ := q.Allocate()
	*r1.Data(), *r2.Data() = 1, 2
	p1 := r1.Data()

	if got := q.GrowSoftLimit(); got != 2 {
		t.Fatalf("expected soft limit 2, got %d", got)
	}
	r3, err := q.Allocate()
	if err != nil {
		t.Fatalf("expected allocation after growth, got %v", err)
	}
	*r3.Data() = 3
	*p1 = 10
	if got := *r1.Data(); got != 10 {
		t.Errorf("expected write through retained pointer to land in the element, got %d", got)
	}
	for _, r := range []Ref[int]{r1, r2, r3} {
		if err := r.Push(); err != nil {
			t.Fatal(err)
		}
	}
	list := q.Drain()
	defer list.Close()
	for _, want := range []int{10, 2, 3} {
		if got := *list.Current(); got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
		list.Advance()
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perProd   = 2000
		runs      = 5
	)
	for run := range runs {
		q := newTestQueue[testRecord](t, QueueConfig{ChunksPerBlock: 64, SoftLimit: 4})

		var wg sync.WaitGroup
		wg.Add(producers)
		for p := range producers {
			go func() {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(run*producers + p)))
				for seq := 0; seq < perProd; {
					r, err := q.Allocate()
					if errors.Is(err, ErrPoolExhausted) {
						time.Sleep(time.Duration(rng.Intn(50)) * time.Microsecond)
						continue // Retry until the consumer frees an element.
					}
					if err != nil {
						t.Errorf("producer %d: failed to allocate: %v", p, err)
						return
					}
					*r.Data() = testRecord{Producer: p, Seq: seq}
					if err := q.Push(r); err != nil {
						t.Errorf("producer %d: failed to push: %v", p, err)
						return
					}
					seq++
					if rng.Intn(16) == 0 {
						time.Sleep(time.Duration(rng.Intn(20)) * time.Microsecond)
					}
				}
			}()
		}

		seen := make(map[[2]int]bool, producers*perProd)
		next := make([]int, producers)
		deadline := time.After(30 * time.Second)
		for len(seen) < producers*perProd {
			list := q.Drain()
			for ; list.HasMore(); list.Advance() {
				rec := *list.Current()
				key := [2]int{rec.Producer, rec.Seq}
				if seen[key] {
					t.Fatalf("run %d: duplicate element %v", run, key)
				}
				seen[key] = true
				if rec.Seq != next[rec.Producer] {
					t.Fatalf("run %d: producer %d: expected seq %d, got %d", run, rec.Producer, next[rec.Producer], rec.Seq)
				}
				next[rec.Producer]++
			}
			list.Close()

			select {
			case <-deadline:
				t.Fatalf("run %d: timed out with %d of %d elements", run, len(seen), producers*perProd)
			case <-q.Notify():
			case <-time.After(time.Millisecond):
			}
		}
		wg.Wait()

		if list := q.Drain(); list.HasMore() {
			t.Fatalf("run %d: expected no elements after all were seen, got %d", run, list.Len())
		}
		if q.InUse() != 0 {
			t.Errorf("run %d: expected every element released, got %d in use", run, q.InUse())
		}
	}
}

func BenchmarkQueuePushDrain(b *testing.B) {
	q := newTestQueue[[256]byte](b, QueueConfig{ChunksPerBlock: 1024, SoftLimit: 4})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			list := q.Drain()
			list.Close()
			select {
			case <-stop:
				return
			case <-q.Notify():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r, err := q.Allocate()
			if err != nil {
				continue // Dropped under backpressure.
			}
			r.Data()[0] = 1
			r.Push()
		}
	})
	b.StopTimer()
	close(stop)
	<-done
}
