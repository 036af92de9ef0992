package analysis

import (
	"github.com/eapache/queue"
	lru "github.com/hashicorp/golang-lru"
)

// sessionPending holds the requests of one session waiting for their
// response. order keeps IDs in request order so the oldest request is evicted
// first; it may hold IDs already matched, which are skipped lazily.
type sessionPending[K comparable, V any] struct {
	pending map[K]V
	order   *queue.Queue
}

func (s *sessionPending[K, V]) add(id K, v V, maxPending int) (evicted int) {
	if _, ok := s.pending[id]; !ok {
		for len(s.pending) >= maxPending {
			old := s.order.Remove().(K)
			if _, ok := s.pending[old]; ok {
				delete(s.pending, old)
				evicted++
			}
		}
	}
	s.pending[id] = v
	s.order.Add(id)
	s.compact(maxPending)
	return evicted
}

func (s *sessionPending[K, V]) match(id K) (V, bool) {
	v, ok := s.pending[id]
	if !ok {
		return v, false
	}
	delete(s.pending, id)
	s.compact(0)
	return v, true
}

// compact drops matched IDs from the front of order, and rebuilds order
// when matched IDs behind an old unanswered request grow past limit.
func (s *sessionPending[K, V]) compact(limit int) {
	for s.order.Length() > 0 {
		if _, ok := s.pending[s.order.Peek().(K)]; ok {
			break
		}
		s.order.Remove()
	}
	if limit == 0 || s.order.Length() <= 2*limit {
		return
	}
	order := queue.New()
	for i := range s.order.Length() {
		id := s.order.Get(i).(K)
		if _, ok := s.pending[id]; ok {
			order.Add(id)
		}
	}
	s.order = order
}

// pendingTable matches responses to requests per session: RPC replies to
// calls by XID and SMB responses to requests by message ID. Both the number
// of sessions and the requests pending per session are bounded.
type pendingTable[K comparable, V any] struct {
	sessions   *lru.Cache
	maxPending int
}

func newPendingTable[K comparable, V any](maxSessions, maxPending int) (*pendingTable[K, V], error) {
	sessions, err := lru.New(maxSessions)
	if err != nil {
		return nil, err
	}
	return &pendingTable[K, V]{sessions: sessions, maxPending: maxPending}, nil
}

// add records a request. It returns the number of older requests evicted.
func (t *pendingTable[K, V]) add(sessionKey uint64, id K, v V) int {
	s, ok := t.sessions.Get(sessionKey)
	if !ok {
		s = &sessionPending[K, V]{pending: make(map[K]V), order: queue.New()}
		t.sessions.Add(sessionKey, s)
	}
	return s.(*sessionPending[K, V]).add(id, v, t.maxPending)
}

// match removes and returns the request a response answers.
func (t *pendingTable[K, V]) match(sessionKey uint64, id K) (V, bool) {
	s, ok := t.sessions.Get(sessionKey)
	if !ok {
		var zero V
		return zero, false
	}
	return s.(*sessionPending[K, V]).match(id)
}

// pending returns the number of requests waiting for a response.
func (t *pendingTable[K, V]) pending() int {
	n := 0
	for _, key := range t.sessions.Keys() {
		if s, ok := t.sessions.Peek(key); ok {
			n += len(s.(*sessionPending[K, V]).pending)
		}
	}
	return n
}
