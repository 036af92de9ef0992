package filtration

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/holmberd/go-nfstrace"
	"github.com/holmberd/go-nfstrace/internal/testutils"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type published struct {
	Data       []byte
	MsgLen     int
	Direction  Direction
	Session    *Session
	Overflowed bool
}

func newTestWriter(t *testing.T, capacity int) (*Writer, *nfstrace.Queue[Record], *testutils.MockAllocator) {
	t.Helper()
	alloc := testutils.NewMockAllocator(t)
	q, err := nfstrace.NewQueue[Record](nfstrace.QueueConfigForCapacity(capacity))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return NewWriter(q, alloc, discardLogger), q, alloc
}

func newTestFiltrator(w *Writer, fr framer, proto Protocol) *filtrator {
	s := &Session{Key: 1, Transport: TCP, Protocol: proto}
	return newFiltrator(fr, w.NewCollector(s), DirForward, proto)
}

// drainRecords copies out every published record and releases it.
func drainRecords(q *nfstrace.Queue[Record]) []published {
	list := q.Drain()
	defer list.Close()
	var out []published
	for ; list.HasMore(); list.Advance() {
		r := list.Current()
		out = append(out, published{
			Data:       bytes.Clone(r.Bytes()),
			MsgLen:     r.MsgLen,
			Direction:  r.Direction,
			Session:    r.Session,
			Overflowed: r.Overflowed(),
		})
	}
	return out
}

func appendUint32(b []byte, vs ...uint32) []byte {
	for _, v := range vs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// rpcCall builds a call with AUTH_NULL credentials and a body of bodyLen bytes.
func rpcCall(xid, prog, vers, proc uint32, bodyLen int) []byte {
	b := appendUint32(nil, xid, msgCall, rpcVersion, prog, vers, proc, 0, 0, 0, 0)
	return append(b, pattern(bodyLen)...)
}

// rpcReply builds an accepted, successful reply with a body of bodyLen bytes.
func rpcReply(xid uint32, bodyLen int) []byte {
	b := appendUint32(nil, xid, msgReply, replyAccepted, 0, 0, 0)
	return append(b, pattern(bodyLen)...)
}

// marked prefixes msg with a last-fragment record mark.
func marked(msg []byte) []byte {
	return append(appendUint32(nil, 0x80000000|uint32(len(msg))), msg...)
}

func concat(msgs ...[]byte) []byte {
	return bytes.Join(msgs, nil)
}

// netbios wraps an SMB message into a NetBIOS session message.
func netbios(msg []byte) []byte {
	n := len(msg)
	return append([]byte{netbiosSession, byte(n >> 16), byte(n >> 8), byte(n)}, msg...)
}

func smb1(cmd byte, bodyLen int) []byte {
	hdr := make([]byte, smb1HeaderLen)
	copy(hdr, smb1Magic)
	hdr[4] = cmd
	return append(hdr, pattern(bodyLen)...)
}

func smb2(cmd uint16, next uint32, bodyLen int) []byte {
	hdr := make([]byte, smb2HeaderLen)
	copy(hdr, smb2Magic)
	binary.LittleEndian.PutUint16(hdr[4:], smb2HeaderLen)
	binary.LittleEndian.PutUint16(hdr[12:], cmd)
	binary.LittleEndian.PutUint32(hdr[20:], next)
	return append(hdr, pattern(bodyLen)...)
}
