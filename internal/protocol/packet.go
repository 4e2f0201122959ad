// Package protocol defines the IPMsg wire packet, its command space and the
// auxiliary headers used by file transfer.
package protocol

import "net/netip"

// DefaultPort is shared by presence/messaging UDP and file-transfer TCP.
const DefaultPort = 2425

// Version is the protocol version written as the first packet field.
const Version = "1"

// MaxPacketSize bounds a single UDP datagram or TCP request packet.
const MaxPacketSize = 32 * 1024

// Command codes (low 8 bits of the flags field).
const (
	CmdNoOperation  uint8 = 0x00
	CmdEntry        uint8 = 0x01 // join announce, broadcast
	CmdExit         uint8 = 0x02 // leave
	CmdAnswerEntry  uint8 = 0x03 // answer to an entry/probe
	CmdAbsence      uint8 = 0x04 // status change announce
	CmdSendMsg      uint8 = 0x20
	CmdRecvMsg      uint8 = 0x21 // delivery confirmation
	CmdGetFileData  uint8 = 0x60
	CmdReleaseFiles uint8 = 0x61
	CmdGetDirFiles  uint8 = 0x62
)

// Option flags (bits above the command byte). Only 24 bits are significant.
const (
	OptAbsence    uint32 = 0x00000100 // presence: peer is busy
	OptSendCheck  uint32 = 0x00000100 // message: confirmation requested
	OptBroadcast  uint32 = 0x00000400
	OptMulticast  uint32 = 0x00000800
	OptAutoReturn uint32 = 0x00002000
	OptRetry      uint32 = 0x00004000
	OptFileAttach uint32 = 0x00200000

	optionMask uint32 = 0xFFFFFF00
)

// Packet is one decoded wire packet.
type Packet struct {
	Seq      uint64
	UserName string
	HostName string
	Command  uint8
	Options  uint32
	Data     string

	// PeerAddress is set on receipt; zero for locally built packets.
	PeerAddress netip.Addr
}

// Flags packs the command and options into the wire flags field.
func (p *Packet) Flags() uint32 {
	return uint32(p.Command) | (p.Options & optionMask)
}

// SetFlags unpacks a wire flags field.
func (p *Packet) SetFlags(flags uint32) {
	p.Command = uint8(flags & 0xFF)
	p.Options = flags & optionMask
}

// Has reports whether every bit of opt is set.
func (p *Packet) Has(opt uint32) bool {
	return p.Options&opt == opt
}

// CommandName returns a label for logging.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdNoOperation:
		return "NOOP"
	case CmdEntry:
		return "ENTRY"
	case CmdExit:
		return "EXIT"
	case CmdAnswerEntry:
		return "ANSENTRY"
	case CmdAbsence:
		return "ABSENCE"
	case CmdSendMsg:
		return "SENDMSG"
	case CmdRecvMsg:
		return "RECVMSG"
	case CmdGetFileData:
		return "GETFILEDATA"
	case CmdReleaseFiles:
		return "RELEASEFILES"
	case CmdGetDirFiles:
		return "GETDIRFILES"
	default:
		return "UNKNOWN"
	}
}
