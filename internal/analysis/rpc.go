package analysis

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// MsgType is the type of a Sun RPC message.
type MsgType uint32

const (
	MsgCall  MsgType = 0
	MsgReply MsgType = 1
)

func (t MsgType) String() string {
	switch t {
	case MsgCall:
		return "call"
	case MsgReply:
		return "reply"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// ReplyStat tells whether a call was accepted.
type ReplyStat uint32

const (
	MsgAccepted ReplyStat = 0
	MsgDenied   ReplyStat = 1
)

func (s ReplyStat) String() string {
	switch s {
	case MsgAccepted:
		return "accepted"
	case MsgDenied:
		return "denied"
	default:
		return fmt.Sprintf("ReplyStat(%d)", uint32(s))
	}
}

const (
	rpcVersion = 2

	// maxAuthLen is the largest opaque_auth body allowed by RFC 5531.
	maxAuthLen = 400
)

var (
	ErrShortMessage   = errors.New("rpc message is too short")
	ErrBadRPCVersion  = errors.New("unsupported rpc version")
	ErrUnknownMsgType = errors.New("unknown rpc message type")
	ErrBadReplyStat   = errors.New("unknown rpc reply status")
)

type messageHeader struct {
	XID  uint32
	Type uint32
}

type callHeader struct {
	RPCVers uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32
}

type opaqueAuth struct {
	Flavor uint32
	Length uint32
}

type replyHeader struct {
	Stat uint32
}

// RPCMessage is a decoded Sun RPC call or reply header. Body holds the
// procedure arguments of a call or the results of an accepted reply and
// aliases the decoded buffer.
type RPCMessage struct {
	XID  uint32
	Type MsgType

	// Call fields.
	Program    uint32
	Version    uint32
	Procedure  uint32
	AuthFlavor uint32

	// Reply fields.
	Stat       ReplyStat
	AcceptStat uint32 // accept_stat of an accepted reply, reject_stat of a denied one.

	Body []byte
}

// DecodeRPC decodes the header of an RPC message without its record mark.
func DecodeRPC(data []byte) (*RPCMessage, error) {
	r := bytes.NewReader(data)
	var hdr messageHeader
	if err := unpack(r, &hdr); err != nil {
		return nil, err
	}
	msg := &RPCMessage{XID: hdr.XID, Type: MsgType(hdr.Type)}

	switch msg.Type {
	case MsgCall:
		var call callHeader
		if err := unpack(r, &call); err != nil {
			return nil, err
		}
		if call.RPCVers != rpcVersion {
			return nil, errors.Wrapf(ErrBadRPCVersion, "version %d", call.RPCVers)
		}
		msg.Program, msg.Version, msg.Procedure = call.Prog, call.Vers, call.Proc

		cred, err := skipAuth(r)
		if err != nil {
			return nil, errors.Wrap(err, "credentials")
		}
		msg.AuthFlavor = cred.Flavor
		if _, err := skipAuth(r); err != nil {
			return nil, errors.Wrap(err, "verifier")
		}

	case MsgReply:
		var reply replyHeader
		if err := unpack(r, &reply); err != nil {
			return nil, err
		}
		msg.Stat = ReplyStat(reply.Stat)
		switch msg.Stat {
		case MsgAccepted:
			if _, err := skipAuth(r); err != nil {
				return nil, errors.Wrap(err, "verifier")
			}
		case MsgDenied:
		default:
			return nil, errors.Wrapf(ErrBadReplyStat, "status %d", reply.Stat)
		}
		var stat struct{ Value uint32 }
		if err := unpack(r, &stat); err != nil {
			return nil, err
		}
		msg.AcceptStat = stat.Value

	default:
		return nil, errors.Wrapf(ErrUnknownMsgType, "type %d", hdr.Type)
	}

	msg.Body = data[len(data)-r.Len():]
	return msg, nil
}

func unpack(r io.Reader, v any) error {
	if err := struc.Unpack(r, v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortMessage
		}
		return errors.Wrap(err, "cannot unpack rpc header")
	}
	return nil
}

// skipAuth reads an opaque_auth and skips its padded body.
func skipAuth(r *bytes.Reader) (opaqueAuth, error) {
	var auth opaqueAuth
	if err := unpack(r, &auth); err != nil {
		return auth, err
	}
	if auth.Length > maxAuthLen {
		return auth, errors.Errorf("auth body of %d bytes exceeds %d", auth.Length, maxAuthLen)
	}
	n := int64(auth.Length+3) &^ 3
	if n > int64(r.Len()) {
		return auth, ErrShortMessage
	}
	_, err := r.Seek(n, io.SeekCurrent)
	return auth, err
}
