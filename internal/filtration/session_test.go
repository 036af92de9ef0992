package filtration

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlows(t *testing.T, src, dst string, srcPort, dstPort layers.TCPPort) (gopacket.Flow, gopacket.Flow) {
	t.Helper()
	netFlow, err := gopacket.FlowFromEndpoints(
		layers.NewIPEndpoint(net.ParseIP(src)),
		layers.NewIPEndpoint(net.ParseIP(dst)),
	)
	require.NoError(t, err)
	flow, err := gopacket.FlowFromEndpoints(
		layers.NewTCPPortEndpoint(srcPort),
		layers.NewTCPPortEndpoint(dstPort),
	)
	require.NoError(t, err)
	return netFlow, flow
}

func TestSessionKey(t *testing.T) {
	netFlow, flow := testFlows(t, "10.0.0.1", "10.0.0.2", 50123, 2049)

	key := sessionKey(TCP, netFlow, flow)
	assert.Equal(t, key, sessionKey(TCP, netFlow.Reverse(), flow.Reverse()), "both directions share a key")
	assert.NotEqual(t, key, sessionKey(UDP, netFlow, flow))

	otherNet, otherFlow := testFlows(t, "10.0.0.1", "10.0.0.2", 50124, 2049)
	assert.NotEqual(t, key, sessionKey(TCP, otherNet, otherFlow))

	// Same hosts, ports swapped between them.
	swappedNet, swappedFlow := testFlows(t, "10.0.0.1", "10.0.0.2", 2049, 50123)
	assert.NotEqual(t, key, sessionKey(TCP, swappedNet, swappedFlow))
}

func TestSessionTableLookup(t *testing.T) {
	framers := 0
	table, err := newSessionTable(2, func(*Session) framer {
		framers++
		return &cifsFramer{}
	})
	require.NoError(t, err)

	netFlow, flow := testFlows(t, "10.0.0.1", "10.0.0.2", 50123, 445)
	st := table.lookup(TCP, ProtoCIFS, netFlow, flow, DirForward)
	assert.Equal(t, ProtoCIFS, st.session.Protocol)
	assert.Equal(t, netFlow, st.session.Net)

	reply := table.lookup(TCP, ProtoCIFS, netFlow.Reverse(), flow.Reverse(), DirReverse)
	assert.Same(t, st, reply, "both directions share the session state")
	assert.Equal(t, 1, framers)
	assert.Equal(t, "tcp 10.0.0.1:50123 -> 10.0.0.2:445", st.session.String())
}

func TestSessionTableOrientsToServer(t *testing.T) {
	table, err := newSessionTable(2, func(*Session) framer { return &cifsFramer{} })
	require.NoError(t, err)

	// The server answers first, e.g. when a capture starts mid-connection.
	netFlow, flow := testFlows(t, "10.0.0.2", "10.0.0.1", 445, 50123)
	st := table.lookup(TCP, ProtoCIFS, netFlow, flow, DirReverse)
	assert.Equal(t, netFlow.Reverse(), st.session.Net)
	assert.Equal(t, flow.Reverse(), st.session.Flow)
	assert.Equal(t, "tcp 10.0.0.1:50123 -> 10.0.0.2:445", st.session.String())
}

func TestSessionTableIsBounded(t *testing.T) {
	table, err := newSessionTable(2, func(*Session) framer { return &cifsFramer{} })
	require.NoError(t, err)

	for port := range layers.TCPPort(3) {
		netFlow, flow := testFlows(t, "10.0.0.1", "10.0.0.2", 40000+port, 445)
		table.lookup(TCP, ProtoCIFS, netFlow, flow, DirForward)
	}
	assert.Equal(t, 2, table.Len())
}

func TestSessionTableKeepsOpenStreams(t *testing.T) {
	table, err := newSessionTable(1, func(*Session) framer { return &cifsFramer{} })
	require.NoError(t, err)

	abNet, abFlow := testFlows(t, "10.0.0.1", "10.0.0.2", 50123, 445)
	cdNet, cdFlow := testFlows(t, "10.0.0.3", "10.0.0.4", 50124, 445)

	ab := table.lookup(TCP, ProtoCIFS, abNet, abFlow, DirForward)
	table.acquire(ab)
	cd := table.lookup(TCP, ProtoCIFS, cdNet, cdFlow, DirForward)
	assert.Equal(t, 2, table.Len(), "session with an open stream is pinned")

	ba := table.lookup(TCP, ProtoCIFS, abNet.Reverse(), abFlow.Reverse(), DirReverse)
	assert.Same(t, ab, ba, "reverse direction finds the evicted session")
	assert.Same(t, ab.framer, ba.framer)
	assert.Equal(t, 1, table.Len(), "cd has no streams and is dropped")

	assert.NotSame(t, cd, table.lookup(TCP, ProtoCIFS, cdNet, cdFlow, DirForward))
	assert.Equal(t, 2, table.Len())
	table.release(ab)
	assert.Equal(t, 1, table.Len(), "released session is no longer pinned")
}

func TestSessionTableEvictsIdleSessions(t *testing.T) {
	table, err := newSessionTable(1, func(*Session) framer { return &cifsFramer{} })
	require.NoError(t, err)

	abNet, abFlow := testFlows(t, "10.0.0.1", "10.0.0.2", 50123, 445)
	cdNet, cdFlow := testFlows(t, "10.0.0.3", "10.0.0.4", 50124, 445)

	ab := table.lookup(TCP, ProtoCIFS, abNet, abFlow, DirForward)
	table.lookup(TCP, ProtoCIFS, cdNet, cdFlow, DirForward)
	assert.Equal(t, 1, table.Len())

	ba := table.lookup(TCP, ProtoCIFS, abNet.Reverse(), abFlow.Reverse(), DirReverse)
	assert.NotSame(t, ab, ba)
	assert.Equal(t, ab.session.String(), ba.session.String(), "a recreated session keeps its orientation")
}
