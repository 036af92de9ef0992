package analysis

import (
	"io"
	"time"

	"github.com/holmberd/go-nfstrace/internal/filtration"
)

// Call is an RPC call seen on an NFS session.
type Call struct {
	Session   *filtration.Session
	Timestamp time.Time
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	MsgLen    int    // Length of the call on the wire.
	Args      []byte // Procedure arguments, possibly truncated. Valid only during OnCall.
}

// ProcedureName returns the name of the called procedure.
func (c *Call) ProcedureName() string {
	return ProcedureName(c.Program, c.Version, c.Procedure)
}

// Reply is an RPC reply matched to its call.
type Reply struct {
	Timestamp  time.Time
	XID        uint32
	Stat       ReplyStat
	AcceptStat uint32
	MsgLen     int
}

// Latency returns the time between a call and its reply.
func (r *Reply) Latency(c *Call) time.Duration {
	return r.Timestamp.Sub(c.Timestamp)
}

// SMBCommand is an SMB request seen on a CIFS session.
type SMBCommand struct {
	Session   *filtration.Session
	Timestamp time.Time
	Version   uint8 // 1 or 2.
	Command   uint16
	ID        uint64
	MsgLen    int // Length of the carrying NetBIOS message on the wire.
}

// CommandName returns the name of the requested command.
func (c *SMBCommand) CommandName() string {
	return SMBCommandName(c.Version, c.Command)
}

// SMBResponse is an SMB response matched to its request.
type SMBResponse struct {
	Timestamp time.Time
	ID        uint64
	Status    uint32 // NTSTATUS, or the DOS error class and code of SMB1.
	MsgLen    int
}

// Latency returns the time between a request and its response.
func (r *SMBResponse) Latency(c *SMBCommand) time.Duration {
	return r.Timestamp.Sub(c.Timestamp)
}

// Analyzer consumes decoded RPC and SMB traffic. Methods are called from the
// dispatcher goroutine only, except Flush which is called after the
// dispatcher stopped.
type Analyzer interface {
	OnCall(c *Call)
	OnReply(c *Call, r *Reply)
	OnSMBRequest(c *SMBCommand)
	OnSMBResponse(c *SMBCommand, r *SMBResponse)
	Flush(w io.Writer) error
}
