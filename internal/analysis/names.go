package analysis

import "strconv"

const nfsProgram = 100003

var nfs3Procedures = [...]string{
	"NULL", "GETATTR", "SETATTR", "LOOKUP", "ACCESS", "READLINK", "READ",
	"WRITE", "CREATE", "MKDIR", "SYMLINK", "MKNOD", "REMOVE", "RMDIR",
	"RENAME", "LINK", "READDIR", "READDIRPLUS", "FSSTAT", "FSINFO",
	"PATHCONF", "COMMIT",
}

var nfs4Procedures = [...]string{"NULL", "COMPOUND"}

// ProgramName returns a short name of an RPC program.
func ProgramName(prog uint32) string {
	if prog == nfsProgram {
		return "nfs"
	}
	return strconv.FormatUint(uint64(prog), 10)
}

// ProcedureName returns the name of an RPC procedure, or its number if unknown.
func ProcedureName(prog, vers, proc uint32) string {
	if prog == nfsProgram {
		switch {
		case vers == 3 && proc < uint32(len(nfs3Procedures)):
			return nfs3Procedures[proc]
		case vers == 4 && proc < uint32(len(nfs4Procedures)):
			return nfs4Procedures[proc]
		}
	}
	return strconv.FormatUint(uint64(proc), 10)
}

// SMB2 commands.
const (
	smb2Negotiate uint16 = iota
	smb2SessionSetup
	smb2Logoff
	smb2TreeConnect
	smb2TreeDisconnect
	smb2Create
	smb2Close
	smb2Flush
	smb2Read
	smb2Write
	smb2Lock
	smb2Ioctl
	smb2Cancel
	smb2Echo
	smb2QueryDirectory
	smb2ChangeNotify
	smb2QueryInfo
	smb2SetInfo
	smb2OplockBreak
)

var smb2Commands = [...]string{
	smb2Negotiate:      "NEGOTIATE",
	smb2SessionSetup:   "SESSION_SETUP",
	smb2Logoff:         "LOGOFF",
	smb2TreeConnect:    "TREE_CONNECT",
	smb2TreeDisconnect: "TREE_DISCONNECT",
	smb2Create:         "CREATE",
	smb2Close:          "CLOSE",
	smb2Flush:          "FLUSH",
	smb2Read:           "READ",
	smb2Write:          "WRITE",
	smb2Lock:           "LOCK",
	smb2Ioctl:          "IOCTL",
	smb2Cancel:         "CANCEL",
	smb2Echo:           "ECHO",
	smb2QueryDirectory: "QUERY_DIRECTORY",
	smb2ChangeNotify:   "CHANGE_NOTIFY",
	smb2QueryInfo:      "QUERY_INFO",
	smb2SetInfo:        "SET_INFO",
	smb2OplockBreak:    "OPLOCK_BREAK",
}

var smb1Commands = map[uint16]string{
	0x00: "CREATE_DIRECTORY",
	0x01: "DELETE_DIRECTORY",
	0x02: "OPEN",
	0x03: "CREATE",
	0x04: "CLOSE",
	0x05: "FLUSH",
	0x06: "DELETE",
	0x07: "RENAME",
	0x08: "QUERY_INFORMATION",
	0x09: "SET_INFORMATION",
	0x0a: "READ",
	0x0b: "WRITE",
	0x0c: "LOCK_BYTE_RANGE",
	0x0d: "UNLOCK_BYTE_RANGE",
	0x0e: "CREATE_TEMPORARY",
	0x0f: "CREATE_NEW",
	0x10: "CHECK_DIRECTORY",
	0x11: "PROCESS_EXIT",
	0x12: "SEEK",
	0x13: "LOCK_AND_READ",
	0x14: "WRITE_AND_UNLOCK",
	0x1a: "READ_RAW",
	0x1b: "READ_MPX",
	0x1c: "READ_MPX_SECONDARY",
	0x1d: "WRITE_RAW",
	0x1e: "WRITE_MPX",
	0x1f: "WRITE_MPX_SECONDARY",
	0x20: "WRITE_COMPLETE",
	0x21: "QUERY_SERVER",
	0x22: "SET_INFORMATION2",
	0x23: "QUERY_INFORMATION2",
	0x24: "LOCKING_ANDX",
	0x25: "TRANSACTION",
	0x26: "TRANSACTION_SECONDARY",
	0x27: "IOCTL",
	0x28: "IOCTL_SECONDARY",
	0x29: "COPY",
	0x2a: "MOVE",
	0x2b: "ECHO",
	0x2c: "WRITE_AND_CLOSE",
	0x2d: "OPEN_ANDX",
	0x2e: "READ_ANDX",
	0x2f: "WRITE_ANDX",
	0x30: "NEW_FILE_SIZE",
	0x31: "CLOSE_AND_TREE_DISC",
	0x32: "TRANSACTION2",
	0x33: "TRANSACTION2_SECONDARY",
	0x34: "FIND_CLOSE2",
	0x35: "FIND_NOTIFY_CLOSE",
	0x70: "TREE_CONNECT",
	0x71: "TREE_DISCONNECT",
	0x72: "NEGOTIATE",
	0x73: "SESSION_SETUP_ANDX",
	0x74: "LOGOFF_ANDX",
	0x75: "TREE_CONNECT_ANDX",
	0x7e: "SECURITY_PACKAGE_ANDX",
	0x80: "QUERY_INFORMATION_DISK",
	0x81: "SEARCH",
	0x82: "FIND",
	0x83: "FIND_UNIQUE",
	0x84: "FIND_CLOSE",
	0xa0: "NT_TRANSACT",
	0xa1: "NT_TRANSACT_SECONDARY",
	0xa2: "NT_CREATE_ANDX",
	0xa4: "NT_CANCEL",
	0xa5: "NT_RENAME",
	0xc0: "OPEN_PRINT_FILE",
	0xc1: "WRITE_PRINT_FILE",
	0xc2: "CLOSE_PRINT_FILE",
	0xc3: "GET_PRINT_QUEUE",
	0xd8: "READ_BULK",
	0xd9: "WRITE_BULK",
	0xda: "WRITE_BULK_DATA",
}

// SMBCommandName returns the name of an SMB1 or SMB2 command, or its number
// if unknown.
func SMBCommandName(version uint8, cmd uint16) string {
	switch {
	case version == 1:
		if name, ok := smb1Commands[cmd]; ok {
			return name
		}
	case version == 2 && int(cmd) < len(smb2Commands):
		return smb2Commands[cmd]
	}
	return strconv.FormatUint(uint64(cmd), 10)
}
