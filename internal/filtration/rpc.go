package filtration

import (
	"encoding/binary"
)

// Sun RPC constants (RFC 5531).
const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	replyDenied   = 1

	recordMarkLen  = 4
	callHeaderLen  = 24 // xid, type, rpcvers, prog, vers, proc.
	replyHeaderLen = 12 // xid, type, reply_stat.

	nfsProgram = 100003
	nfs3Commit = 21
	nfs3Read   = 6
	nfs3Write  = 7
	nfs4Max    = 1 // COMPOUND.

	// maxReadCalls bounds the NFSv3 READ calls awaiting their reply per session.
	maxReadCalls = 4096
)

// rpcFramer recognizes Sun RPC messages of one session. Over TCP every
// message is preceded by a record mark; over UDP a datagram is one message.
//
// NFSv3 WRITE calls and the replies to NFSv3 READ calls are truncated to the
// header limit, other NFS messages are published whole and calls of other
// programs are skipped. Both directions of a session share the framer so
// READ replies can be matched to their calls by XID.
type rpcFramer struct {
	marked bool
	limit  int
	reads  map[uint32]struct{}
}

func newRPCFramer(transport Transport, limit int) *rpcFramer {
	return &rpcFramer{
		marked: transport == TCP,
		limit:  limit,
		reads:  make(map[uint32]struct{}),
	}
}

func (f *rpcFramer) frame(hdr []byte, m *message) (int, bool) {
	o := 0
	if f.marked {
		o = recordMarkLen
	}
	if len(hdr) < o+8 {
		return o + 8, false
	}
	*m = message{copy: copyAll, skip: o}
	if f.marked {
		frag := binary.BigEndian.Uint32(hdr) & 0x7fffffff
		if frag < replyHeaderLen {
			return 0, false
		}
		m.len = int(frag) + o
	}
	body := hdr[o:]
	xid := binary.BigEndian.Uint32(body)

	switch binary.BigEndian.Uint32(body[4:]) {
	case msgCall:
		if len(hdr) < o+callHeaderLen {
			return o + callHeaderLen, false
		}
		if binary.BigEndian.Uint32(body[8:]) != rpcVersion {
			return 0, false
		}
		prog := binary.BigEndian.Uint32(body[12:])
		vers := binary.BigEndian.Uint32(body[16:])
		proc := binary.BigEndian.Uint32(body[20:])
		switch {
		case prog == nfsProgram && vers == 3 && proc <= nfs3Commit:
			switch proc {
			case nfs3Write:
				m.copy = f.limit
			case nfs3Read:
				f.expectRead(xid)
			}
		case prog == nfsProgram && vers == 4 && proc <= nfs4Max:
		default:
			// Skip calls of other programs.
			m.copy = 0
		}
		return 0, true

	case msgReply:
		if len(hdr) < o+replyHeaderLen {
			return o + replyHeaderLen, false
		}
		switch binary.BigEndian.Uint32(body[8:]) {
		case replyAccepted, replyDenied:
		default:
			return 0, false
		}
		// A reply seen before its call is published whole.
		if _, ok := f.reads[xid]; ok {
			delete(f.reads, xid)
			m.copy = f.limit
		}
		return 0, true

	default:
		return 0, false
	}
}

func (f *rpcFramer) expectRead(xid uint32) {
	if len(f.reads) >= maxReadCalls {
		// Replies were lost; forget every outstanding call.
		clear(f.reads)
	}
	f.reads[xid] = struct{}{}
}
