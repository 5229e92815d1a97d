package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrNeedMore means the buffer holds only part of a message block
	ErrNeedMore = errors.New("incomplete message block")

	// ErrBadFrame means the leading bytes are not a valid message block
	ErrBadFrame = errors.New("bad message block")
)

// EncodeFrame wraps payload in a message block with the given sequence
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageLengthMin + len(payload)
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", msgLen, MessageLengthMax)
	}

	frame := make([]byte, 0, msgLen)
	frame = append(frame, uint8(msgLen), seq)
	frame = append(frame, payload...)

	crc := CRC16(frame)
	frame = append(frame, uint8(crc>>8), uint8(crc), MessageValueSync)
	return frame, nil
}

// DecodeFrame parses the message block at the start of data. It returns the
// number of bytes the caller should drop from data: on success the block
// (and any sync bytes before it), on ErrBadFrame everything up to the next
// sync byte, on ErrNeedMore only leading sync bytes.
func DecodeFrame(data []byte) (*Message, int, error) {
	skipped := 0
	for len(data) > 0 && data[0] == MessageValueSync {
		data = data[1:]
		skipped++
	}

	if len(data) < MessageLengthMin {
		return nil, skipped, ErrNeedMore
	}

	msgLen := int(data[MessagePositionLen])
	seq := data[MessagePositionSeq]
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax || seq&^MessageSeqMask != MessageDest {
		return nil, skipped + resync(data), ErrBadFrame
	}

	if len(data) < msgLen {
		return nil, skipped, ErrNeedMore
	}

	if data[msgLen-MessageTrailerSync] != MessageValueSync {
		return nil, skipped + resync(data), ErrBadFrame
	}

	frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return nil, skipped + resync(data), ErrBadFrame
	}

	payload := make([]byte, msgLen-MessageLengthMin)
	copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])

	return &Message{Sequence: seq, Payload: payload}, skipped + msgLen, nil
}

// resync returns the length of data up to and including the next sync byte
func resync(data []byte) int {
	i := bytes.IndexByte(data, MessageValueSync)
	if i < 0 {
		return len(data)
	}
	return i + 1
}

// CommandPayload builds the payload for a command id and its arguments
func CommandPayload(cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	if scratch.Overflow() {
		return nil, fmt.Errorf("command %d: arguments exceed %d byte payload", cmdID, MessagePayloadMax)
	}
	return append([]byte(nil), scratch.Result()...), nil
}
