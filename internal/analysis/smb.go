package analysis

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	smb1HeaderLen = 32
	smb2HeaderLen = 64

	smb1FlagReply    = 0x80
	smb2FlagResponse = 0x00000001

	// statusPending marks an interim SMB2 response; the final one follows.
	statusPending = 0x00000103
)

var (
	ErrNotSMB          = errors.New("not an smb message")
	ErrBadSMBCompound  = errors.New("invalid smb2 compound offset")
	smbOptions         = &struc.Options{Order: binary.LittleEndian}
	smb1Protocol       = [4]byte{0xff, 'S', 'M', 'B'}
	smb2Protocol       = [4]byte{0xfe, 'S', 'M', 'B'}
	errShortSMBMessage = errors.Wrap(ErrShortMessage, "smb")
)

type smb1Header struct {
	Protocol [4]byte
	Command  uint8
	Status   uint32
	Flags    uint8
	Flags2   uint16
	PIDHigh  uint16
	Security [8]byte
	Reserved uint16
	TID      uint16
	PIDLow   uint16
	UID      uint16
	MID      uint16
}

type smb2Header struct {
	Protocol      [4]byte
	StructureSize uint16
	CreditCharge  uint16
	Status        uint32
	Command       uint16
	Credits       uint16
	Flags         uint32
	NextCommand   uint32
	MessageID     uint64
	Reserved      uint32
	TreeID        uint32
	SessionID     uint64
	Signature     [16]byte
}

// SMBMessage is a decoded SMB1 or SMB2 header.
type SMBMessage struct {
	Version  uint8 // 1 or 2.
	Command  uint16
	Status   uint32
	Response bool
	// ID pairs a request with its response: the MessageId of SMB2, the
	// process and multiplex IDs of SMB1.
	ID uint64
	// Next is the offset of the following header of an SMB2 compound, or 0.
	Next uint32
}

// Interim reports whether m is an SMB2 interim response announcing that the
// final response is pending.
func (m *SMBMessage) Interim() bool {
	return m.Version == 2 && m.Response && m.Status == statusPending
}

// DecodeSMB decodes the header of an SMB message without its NetBIOS header.
func DecodeSMB(data []byte) (*SMBMessage, error) {
	if len(data) < 4 {
		return nil, errShortSMBMessage
	}
	r := bytes.NewReader(data)
	switch [4]byte(data[:4]) {
	case smb1Protocol:
		var hdr smb1Header
		if err := unpackSMB(r, &hdr); err != nil {
			return nil, err
		}
		return &SMBMessage{
			Version:  1,
			Command:  uint16(hdr.Command),
			Status:   hdr.Status,
			Response: hdr.Flags&smb1FlagReply != 0,
			ID:       uint64(hdr.PIDHigh)<<32 | uint64(hdr.PIDLow)<<16 | uint64(hdr.MID),
		}, nil

	case smb2Protocol:
		var hdr smb2Header
		if err := unpackSMB(r, &hdr); err != nil {
			return nil, err
		}
		if hdr.NextCommand != 0 && (hdr.NextCommand < smb2HeaderLen || int64(hdr.NextCommand) > int64(len(data))) {
			return nil, errors.Wrapf(ErrBadSMBCompound, "offset %d", hdr.NextCommand)
		}
		return &SMBMessage{
			Version:  2,
			Command:  hdr.Command,
			Status:   hdr.Status,
			Response: hdr.Flags&smb2FlagResponse != 0,
			ID:       hdr.MessageID,
			Next:     hdr.NextCommand,
		}, nil

	default:
		return nil, errors.Wrapf(ErrNotSMB, "protocol % x", data[:4])
	}
}

func unpackSMB(r io.Reader, v any) error {
	if err := struc.UnpackWithOptions(r, v, smbOptions); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errShortSMBMessage
		}
		return errors.Wrap(err, "cannot unpack smb header")
	}
	return nil
}
