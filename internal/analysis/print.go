package analysis

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// Print logs every call, reply and SMB command at debug level.
type Print struct {
	logger  *slog.Logger
	calls   atomic.Uint64
	replies atomic.Uint64
}

func NewPrint(logger *slog.Logger) *Print {
	if logger == nil {
		logger = slog.Default()
	}
	return &Print{logger: logger}
}

func (p *Print) OnCall(c *Call) {
	p.calls.Add(1)
	p.logger.Debug("rpc call",
		"session", c.Session.String(),
		"xid", c.XID,
		"program", ProgramName(c.Program),
		"version", c.Version,
		"procedure", c.ProcedureName(),
		"len", c.MsgLen,
	)
}

func (p *Print) OnReply(c *Call, r *Reply) {
	p.replies.Add(1)
	p.logger.Debug("rpc reply",
		"session", c.Session.String(),
		"xid", r.XID,
		"procedure", c.ProcedureName(),
		"stat", r.Stat,
		"accept_stat", r.AcceptStat,
		"latency", r.Latency(c),
		"len", r.MsgLen,
	)
}

func (p *Print) OnSMBRequest(c *SMBCommand) {
	p.calls.Add(1)
	p.logger.Debug("smb request",
		"session", c.Session.String(),
		"id", c.ID,
		"version", c.Version,
		"command", c.CommandName(),
		"len", c.MsgLen,
	)
}

func (p *Print) OnSMBResponse(c *SMBCommand, r *SMBResponse) {
	p.replies.Add(1)
	p.logger.Debug("smb response",
		"session", c.Session.String(),
		"id", r.ID,
		"command", c.CommandName(),
		"status", fmt.Sprintf("%#08x", r.Status),
		"latency", r.Latency(c),
		"len", r.MsgLen,
	)
}

func (p *Print) Flush(w io.Writer) error {
	_, err := fmt.Fprintf(w, "printed %d calls and %d replies\n", p.calls.Load(), p.replies.Load())
	return err
}
