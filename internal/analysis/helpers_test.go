package analysis

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holmberd/go-nfstrace"
	"github.com/holmberd/go-nfstrace/internal/filtration"
	"github.com/holmberd/go-nfstrace/internal/testutils"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func appendUint32(b []byte, vs ...uint32) []byte {
	for _, v := range vs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// rpcCall builds a call with AUTH_NULL credentials followed by body.
func rpcCall(xid, prog, vers, proc uint32, body ...byte) []byte {
	b := appendUint32(nil, xid, uint32(MsgCall), rpcVersion, prog, vers, proc, 0, 0, 0, 0)
	return append(b, body...)
}

// rpcReply builds an accepted reply with accept_stat stat followed by body.
func rpcReply(xid, stat uint32, body ...byte) []byte {
	b := appendUint32(nil, xid, uint32(MsgReply), uint32(MsgAccepted), 0, 0, stat)
	return append(b, body...)
}

// smb1Message builds an SMB1 header without its NetBIOS header.
func smb1Message(cmd, flags uint8, pid uint32, mid uint16) []byte {
	b := []byte{0xff, 'S', 'M', 'B', cmd, 0, 0, 0, 0, flags, 0, 0}
	b = binary.LittleEndian.AppendUint16(b, uint16(pid>>16))
	b = append(b, make([]byte, 8+2+2)...) // Security, reserved and TID.
	b = binary.LittleEndian.AppendUint16(b, uint16(pid))
	b = binary.LittleEndian.AppendUint16(b, 100) // UID
	return binary.LittleEndian.AppendUint16(b, mid)
}

// smb2Message builds an SMB2 header without its NetBIOS header.
func smb2Message(cmd uint16, flags, status uint32, msgID uint64, next uint32) []byte {
	b := []byte{0xfe, 'S', 'M', 'B'}
	b = binary.LittleEndian.AppendUint16(b, smb2HeaderLen)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint32(b, status)
	b = binary.LittleEndian.AppendUint16(b, cmd)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint32(b, next)
	b = binary.LittleEndian.AppendUint64(b, msgID)
	return append(b, make([]byte, 4+4+8+16)...)
}

func newTestQueue(t *testing.T) (*filtration.Writer, *nfstrace.Queue[filtration.Record]) {
	t.Helper()
	alloc := testutils.NewMockAllocator(t)
	q, err := nfstrace.NewQueue[filtration.Record](nfstrace.QueueConfigForCapacity(64))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return filtration.NewWriter(q, alloc, discardLogger), q
}

// publish pushes one record of session s holding data.
func publish(t *testing.T, w *filtration.Writer, s *filtration.Session, ts time.Time, data []byte) {
	t.Helper()
	c := w.NewCollector(s)
	require.True(t, c.Allocate())
	c.Append(data)
	c.SetMsgLen(len(data))
	c.Complete(ts, filtration.DirForward)
}

func testSession(key uint64) *filtration.Session {
	return &filtration.Session{Key: key, Transport: filtration.TCP, Protocol: filtration.ProtoRPC}
}

func testCIFSSession(key uint64) *filtration.Session {
	return &filtration.Session{Key: key, Transport: filtration.TCP, Protocol: filtration.ProtoCIFS}
}

type event struct {
	XID     uint32
	Proc    uint32
	Args    []byte
	Reply   bool
	Latency time.Duration
	Command string // SMB command name.
	ID      uint64 // SMB message ID.
}

// recorder is an Analyzer that remembers what it saw.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) OnCall(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{XID: c.XID, Proc: c.Procedure, Args: append([]byte(nil), c.Args...)})
}

func (r *recorder) OnReply(c *Call, rep *Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{XID: rep.XID, Proc: c.Procedure, Reply: true, Latency: rep.Latency(c)})
}

func (r *recorder) OnSMBRequest(c *SMBCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Command: c.CommandName(), ID: c.ID})
}

func (r *recorder) OnSMBResponse(c *SMBCommand, rep *SMBResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Command: c.CommandName(), ID: rep.ID, Reply: true, Latency: rep.Latency(c)})
}

func (r *recorder) Flush(w io.Writer) error {
	_, err := io.WriteString(w, "recorder\n")
	return err
}

func (r *recorder) Events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}
