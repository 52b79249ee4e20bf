package can

import "encoding/binary"

// EncodeID serializes a CAN id as 4 big-endian bytes (spec §6: "CAN ids are
// serialized big-endian in 4 bytes, 11-bit ids left-padded with zeros").
func EncodeID(id uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b
}

// DecodeID parses a 4 big-endian byte CAN id.
func DecodeID(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:4])
}
