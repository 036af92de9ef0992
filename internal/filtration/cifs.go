package filtration

import (
	"bytes"
	"encoding/binary"
)

const (
	netbiosHeaderLen = 4
	netbiosSession   = 0x00 // Session message.

	smb1HeaderLen = 32
	smb2HeaderLen = 64
)

var (
	smb1Magic = []byte{0xff, 'S', 'M', 'B'}
	smb2Magic = []byte{0xfe, 'S', 'M', 'B'}
)

// SMB commands whose messages are truncated to the header limit.
const (
	smb1Read      = 0x0a
	smb1Write     = 0x0b
	smb1ReadAndX  = 0x2e
	smb1WriteAndX = 0x2f
	smb2Read      = 0x0008
	smb2Write     = 0x0009
)

// cifsFramer recognizes SMB1 and SMB2 messages carried in NetBIOS session
// messages. READ and WRITE messages are truncated to the header limit;
// compounded SMB2 requests are published whole.
type cifsFramer struct {
	limit int
}

func (f *cifsFramer) frame(hdr []byte, m *message) (int, bool) {
	if len(hdr) < netbiosHeaderLen+4 {
		return netbiosHeaderLen + 4, false
	}
	if hdr[0] != netbiosSession {
		return 0, false
	}
	length := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	*m = message{len: length + netbiosHeaderLen, copy: copyAll, skip: netbiosHeaderLen}

	smb := hdr[netbiosHeaderLen:]
	switch {
	case bytes.Equal(smb[:4], smb1Magic):
		if len(hdr) < netbiosHeaderLen+smb1HeaderLen {
			return netbiosHeaderLen + smb1HeaderLen, false
		}
		switch smb[4] {
		case smb1Read, smb1Write, smb1ReadAndX, smb1WriteAndX:
			m.copy = f.limit
		}
		return 0, true

	case bytes.Equal(smb[:4], smb2Magic):
		if len(hdr) < netbiosHeaderLen+smb2HeaderLen {
			return netbiosHeaderLen + smb2HeaderLen, false
		}
		cmd := binary.LittleEndian.Uint16(smb[12:])
		next := binary.LittleEndian.Uint32(smb[20:])
		if (cmd == smb2Read || cmd == smb2Write) && next == 0 {
			m.copy = f.limit
		}
		return 0, true

	default:
		return 0, false
	}
}
