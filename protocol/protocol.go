// Package protocol implements the host side of the Klipper serial protocol:
// VLQ argument encoding, CRC16 framed message blocks and a transport that
// sends commands and collects responses.
package protocol

// Message block layout
//
//	<len> <seq> <payload ...> <crc hi> <crc lo> <sync>
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin

	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1

	MessageValueSync = 0x7E
	MessageDest      = 0x10
	MessageSeqMask   = 0x0F
)

// Well-known command ids that precede dictionary retrieval
const (
	IdentifyResponseID = 0
	IdentifyID         = 1
)

// Message is a decoded message block
type Message struct {
	Sequence uint8
	Payload  []byte // VLQ encoded command id followed by arguments
}

// NextSequence returns the sequence number following seq
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
