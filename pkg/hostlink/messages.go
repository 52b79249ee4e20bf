// Package hostlink implements the length-prefixed framed serial protocol
// between the adapter and the host PC (spec §4.1, §6).
package hostlink

// Message types, shared namespace between host and firmware (spec §6).
const (
	MsgLog            byte = 0x01
	MsgOpenChannel    byte = 0x02
	MsgCloseChannel   byte = 0x03
	MsgSetChanFilt    byte = 0x04
	MsgRemChanFilt    byte = 0x05
	MsgTxChanData     byte = 0x06
	MsgRxChanData     byte = 0x07
	MsgReadBatt       byte = 0x08
	MsgIoctlSet       byte = 0x09
	MsgIoctlGet       byte = 0x10
	MsgInitLinChannel byte = 0x0B // spec leaves the exact opcode unspecified ("0x??"); chosen to not collide with the rest of the table.
	MsgStatus         byte = 0xAA
	MsgGetFwVersion   byte = 0xAB
)

// STATUS(args[0]) sub-commands.
const (
	StatusGoodbye byte = 0x00
	StatusHello   byte = 0x01
)

// HostMessage is a single fully-received request from the host.
// msg_id == 0 means unsolicited: no correlation is required, and it must
// never update LastID (spec §3).
type HostMessage struct {
	MsgID   byte
	MsgType byte
	Args    []byte
}
