package filtration

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket"
	lru "github.com/hashicorp/golang-lru"
)

// Transport protocol of a session.
type Transport uint8

const (
	TCP Transport = iota + 1
	UDP
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("Transport(%d)", t)
	}
}

// Protocol carried by a session.
type Protocol uint8

const (
	// ProtoRPC is Sun RPC carrying NFSv3 or NFSv4.
	ProtoRPC Protocol = iota + 1
	// ProtoCIFS is SMB1 or SMB2 over the NetBIOS session service.
	ProtoCIFS
)

func (p Protocol) String() string {
	switch p {
	case ProtoRPC:
		return "rpc"
	case ProtoCIFS:
		return "cifs"
	default:
		return fmt.Sprintf("Protocol(%d)", p)
	}
}

// Session identifies a conversation between a client and a server. Net and
// Flow hold the endpoints oriented from client to server, whichever side sent
// the first packet. A Session is immutable once created and may be shared by
// any number of records.
type Session struct {
	Key       uint64 // Direction-independent hash of the endpoints.
	Transport Transport
	Protocol  Protocol
	Net       gopacket.Flow
	Flow      gopacket.Flow
}

func (s *Session) String() string {
	return fmt.Sprintf("%v %v:%v -> %v:%v",
		s.Transport, s.Net.Src(), s.Flow.Src(), s.Net.Dst(), s.Flow.Dst())
}

// canonical reports whether a flow already has its endpoints in the order
// used to hash session keys.
func canonical(netFlow, flow gopacket.Flow) bool {
	ns, nd := netFlow.Endpoints()
	fs, fd := flow.Endpoints()
	c := bytes.Compare(ns.Raw(), nd.Raw())
	return c < 0 || (c == 0 && bytes.Compare(fs.Raw(), fd.Raw()) <= 0)
}

// sessionKey hashes the endpoints of a flow so that both directions map to
// the same key.
func sessionKey(t Transport, netFlow, flow gopacket.Flow) uint64 {
	if !canonical(netFlow, flow) {
		netFlow, flow = netFlow.Reverse(), flow.Reverse()
	}
	ns, nd := netFlow.Endpoints()
	fs, fd := flow.Endpoints()

	h := xxhash.New()
	h.Write([]byte{byte(t)})
	for _, p := range [][]byte{ns.Raw(), fs.Raw(), nd.Raw(), fd.Raw()} {
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum64()
}

// sessionState is the per-session state shared by both directions.
type sessionState struct {
	session *Session
	framer  framer
	udp     [2]*filtrator // Datagram filtrators by direction.
	streams int           // Open TCP streams; guarded by the table lock.
}

// sessionTable is a bounded table of sessions. The least recently used
// session is evicted when the table is full. A session with open TCP streams
// is pinned on eviction and returns to the table on its next lookup, so both
// directions of a connection keep sharing one state.
type sessionTable struct {
	mu        sync.Mutex
	cache     *lru.Cache
	pinned    map[uint64]*sessionState
	newFramer func(*Session) framer
}

func newSessionTable(size int, newFramer func(*Session) framer) (*sessionTable, error) {
	t := &sessionTable{
		pinned:    make(map[uint64]*sessionState),
		newFramer: newFramer,
	}
	cache, err := lru.NewWithEvict(size, t.evicted)
	if err != nil {
		return nil, err
	}
	t.cache = cache
	return t, nil
}

// evicted runs under the table lock from within cache.Add.
func (t *sessionTable) evicted(key, value any) {
	st := value.(*sessionState)
	if st.streams > 0 {
		t.pinned[key.(uint64)] = st
	}
}

// lookup returns the state of the session a packet belongs to, creating it
// if needed. dir is the direction of the packet relative to the server; a new
// session is oriented from client to server.
func (t *sessionTable) lookup(transport Transport, proto Protocol, netFlow, flow gopacket.Flow, dir Direction) *sessionState {
	key := sessionKey(transport, netFlow, flow)

	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache.Get(key); ok {
		return v.(*sessionState)
	}
	if st, ok := t.pinned[key]; ok {
		delete(t.pinned, key)
		t.cache.Add(key, st)
		return st
	}
	if dir == DirReverse {
		netFlow, flow = netFlow.Reverse(), flow.Reverse()
	}
	s := &Session{
		Key:       key,
		Transport: transport,
		Protocol:  proto,
		Net:       netFlow,
		Flow:      flow,
	}
	st := &sessionState{session: s, framer: t.newFramer(s)}
	t.cache.Add(key, st)
	return st
}

// acquire records an open TCP stream on st.
func (t *sessionTable) acquire(st *sessionState) {
	t.mu.Lock()
	st.streams++
	t.mu.Unlock()
}

// release records that a TCP stream on st has completed. A pinned session
// without streams is forgotten.
func (t *sessionTable) release(st *sessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.streams--
	if st.streams <= 0 && t.pinned[st.session.Key] == st {
		delete(t.pinned, st.session.Key)
	}
}

// Len returns the number of sessions, pinned ones included.
func (t *sessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len() + len(t.pinned)
}
