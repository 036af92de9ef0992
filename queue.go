package nfstrace

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/holmberd/go-nfstrace/internal/spinlock"
)

type elementState uint8

const (
	stateFree      elementState = iota // On the pool's free list.
	stateAllocated                     // Owned by a producer.
	statePublished                     // Linked into the pending list.
	stateDraining                      // Owned by a consumer through a List or Ref.
)

func (s elementState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateAllocated:
		return "allocated"
	case statePublished:
		return "published"
	case stateDraining:
		return "draining"
	default:
		return fmt.Sprintf("elementState(%d)", s)
	}
}

// Resetter is implemented by payloads that hold resources which must be
// released when their element returns to the pool.
type Resetter interface {
	Reset()
}

// element is the unit allocated from the queue's pool.
type element[T any] struct {
	next  *element[T] // Next newer element while published.
	slot  Slot[element[T]]
	gen   uint32 // Incremented every time the element is freed.
	state elementState
	data  T
}

// Ref is an owned handle to a queue element.
//
// A Ref obtained from Allocate or List.Take is owned exclusively by its
// holder until it is pushed or released; any use after that panics with
// [ErrStaleRef]. Pointers returned by Data must not be retained past that point.
type Ref[T any] struct {
	q   *Queue[T]
	e   *element[T]
	gen uint32
}

// Data returns the payload of the element.
func (r Ref[T]) Data() *T {
	return &r.q.own(r, stateAllocated, stateDraining).data
}

// Push publishes the element. See [Queue.Push].
func (r Ref[T]) Push() error {
	return r.q.Push(r)
}

// Release returns the element to the pool without publishing it.
func (r Ref[T]) Release() {
	r.q.Deallocate(r)
}

// IsZero reports whether r is the zero Ref.
func (r Ref[T]) IsZero() bool {
	return r.e == nil
}

// Queue is a bounded, multi-producer handoff queue.
//
// Producers Allocate an element, fill its payload in place and Push it.
// A consumer Drains every published element at once and iterates the
// returned List without holding the queue's lock. Elements come from a fixed
// pool, so the queue never grows past its configured capacity; Allocate
// fails fast with [ErrPoolExhausted] instead.
type Queue[T any] struct {
	pool Pool[element[T]]

	lock   spinlock.Spinlock
	head   *element[T] // Oldest published element.
	tail   *element[T] // Newest published element.
	closed bool

	pending atomic.Int64
	notify  chan struct{}
}

// NewQueue creates a queue whose pool holds config.ChunksPerBlock elements
// per block and at most config.SoftLimit blocks.
func NewQueue[T any](config QueueConfig) (*Queue[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	q := &Queue[T]{notify: make(chan struct{}, 1)}
	if err := q.pool.Init(config.ChunksPerBlock, config.SoftLimit); err != nil {
		return nil, err
	}
	return q, nil
}

// Allocate obtains an element for the caller to fill.
//
// It returns [ErrPoolExhausted] if every element is in use; callers treat
// this as backpressure and drop the record. After Close it returns
// [ErrQueueClosed].
func (q *Queue[T]) Allocate() (Ref[T], error) {
	s, err := q.pool.Allocate()
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return Ref[T]{}, ErrQueueClosed
		}
		return Ref[T]{}, err
	}
	e := s.Get()
	e.slot = s
	e.next = nil
	e.state = stateAllocated
	return Ref[T]{q: q, e: e, gen: e.gen}, nil
}

// Push appends the element to the tail of the pending list in O(1).
// The payload is not copied. Ownership passes to the queue even when Push
// fails because the queue is closed, in which case the element is released.
func (q *Queue[T]) Push(r Ref[T]) error {
	e := q.own(r, stateAllocated)
	e.state = statePublished
	e.next = nil

	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		q.release(e)
		return ErrQueueClosed
	}
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.pending.Add(1)
	q.lock.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Deallocate returns an element the caller owns to the pool. It is the abort
// path for a producer that allocated but will not push, and the release path
// for a Ref taken from a List.
func (q *Queue[T]) Deallocate(r Ref[T]) {
	q.release(q.own(r, stateAllocated, stateDraining))
}

// Drain atomically detaches every published element and returns them as a
// List ordered oldest first. The lock is held only to swap the list head.
//
// The List owns the elements; callers must Close it, typically with defer,
// so that elements not consumed are returned to the pool. Copies of the
// returned pointer share one cursor, so a repeated Close is a no-op.
func (q *Queue[T]) Drain() *List[T] {
	if q.pending.Load() == 0 {
		return &List[T]{q: q}
	}

	q.lock.Lock()
	head := q.head
	q.head, q.tail = nil, nil
	n := q.pending.Swap(0)
	q.lock.Unlock()

	for e := head; e != nil; e = e.next {
		e.state = stateDraining
	}
	return &List[T]{q: q, cur: head, n: int(n)}
}

// Notify returns a channel that receives a value after elements are pushed.
// At most one notification is buffered.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Pending returns the number of published elements not yet drained.
func (q *Queue[T]) Pending() int {
	return int(q.pending.Load())
}

// Capacity returns the maximum number of elements.
func (q *Queue[T]) Capacity() int {
	return q.pool.MaxChunks()
}

// FreeChunks returns the number of elements on the pool's free list.
func (q *Queue[T]) FreeChunks() int {
	return q.pool.FreeChunks()
}

// InUse returns the number of elements allocated, published or draining.
func (q *Queue[T]) InUse() int {
	return q.pool.InUse()
}

// GrowSoftLimit doubles the maximum number of pool blocks and returns the new limit.
func (q *Queue[T]) GrowSoftLimit() int {
	return q.pool.GrowSoftLimit()
}

// Close rejects further pushes, releases every pending element and frees the
// pool. Refs and Lists still held by callers must not be used afterwards.
func (q *Queue[T]) Close() error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return nil
	}
	q.closed = true
	head := q.head
	q.head, q.tail = nil, nil
	q.pending.Store(0)
	q.lock.Unlock()

	for e := head; e != nil; {
		next := e.next
		q.release(e)
		e = next
	}
	return q.pool.Close()
}

// own verifies that r is a live handle of q in one of the given states and
// returns its element. It panics otherwise.
func (q *Queue[T]) own(r Ref[T], states ...elementState) *element[T] {
	if r.e == nil || r.q != q {
		panic(fmt.Errorf("%w: foreign or zero reference", ErrStaleRef))
	}
	e := r.e
	if e.gen != r.gen {
		panic(fmt.Errorf("%w: element was released", ErrStaleRef))
	}
	for _, s := range states {
		if e.state == s {
			return e
		}
	}
	panic(fmt.Errorf("%w: element is %v", ErrStaleRef, e.state))
}

// release resets the payload and returns the element to the pool.
func (q *Queue[T]) release(e *element[T]) {
	if r, ok := any(&e.data).(Resetter); ok {
		r.Reset()
	}
	e.next = nil
	e.state = stateFree
	e.gen++
	q.pool.Deallocate(e.slot)
}

// List is a batch of drained elements, iterated oldest first.
//
// A List is owned by the goroutine that drained it and is not safe for
// concurrent use. The zero List is empty. Lists are handed out by pointer;
// a copied List value would release the same elements twice.
type List[T any] struct {
	_   noCopy
	q   *Queue[T]
	cur *element[T]
	n   int
}

// HasMore reports whether the list has a current element.
func (l *List[T]) HasMore() bool {
	return l.cur != nil
}

// Len returns the number of elements not yet released or taken.
func (l *List[T]) Len() int {
	return l.n
}

// Current returns the payload of the current element. The payload is
// read-only and valid until Advance or Close.
func (l *List[T]) Current() *T {
	if l.cur == nil {
		panic(errors.New("nfstrace: Current called on an exhausted list"))
	}
	return &l.cur.data
}

// Advance releases the current element and moves to the next one.
func (l *List[T]) Advance() {
	if l.cur == nil {
		return
	}
	e := l.cur
	l.cur = e.next
	l.n--
	l.q.release(e)
}

// Take detaches the current element as an owned Ref and moves to the next
// one. The caller must release the Ref.
func (l *List[T]) Take() Ref[T] {
	if l.cur == nil {
		panic(errors.New("nfstrace: Take called on an exhausted list"))
	}
	e := l.cur
	l.cur = e.next
	l.n--
	e.next = nil
	return Ref[T]{q: l.q, e: e, gen: e.gen}
}

// noCopy lets go vet's copylocks check flag List values that are copied.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Close releases every element still in the list.
func (l *List[T]) Close() {
	for l.cur != nil {
		l.Advance()
	}
}
