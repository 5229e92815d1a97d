package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x2A, 0x01, 0x02, 0xF5, 0x00}

	frame, err := EncodeFrame(0x13, payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if int(frame[0]) != len(frame) {
		t.Errorf("Expected length byte %d, got %d", len(frame), frame[0])
	}
	if frame[len(frame)-1] != MessageValueSync {
		t.Errorf("Expected trailing sync byte, got 0x%02X", frame[len(frame)-1])
	}

	msg, n, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if n != len(frame) {
		t.Errorf("Expected %d bytes consumed, got %d", len(frame), n)
	}
	if msg.Sequence != 0x13 || !bytes.Equal(msg.Payload, payload) {
		t.Errorf("Expected seq 0x13 payload % X, got 0x%02X % X", payload, msg.Sequence, msg.Payload)
	}
}

func TestFrameAck(t *testing.T) {
	frame, err := EncodeFrame(MessageDest, nil)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	expected := []byte{5, MessageDest, 0x9E, 0x81, MessageValueSync}
	if !bytes.Equal(frame, expected) {
		t.Errorf("Expected % X, got % X", expected, frame)
	}
}

func TestFrameTooLong(t *testing.T) {
	if _, err := EncodeFrame(MessageDest, make([]byte, MessagePayloadMax+1)); err == nil {
		t.Error("Expected error for oversized payload")
	}
	if _, err := EncodeFrame(MessageDest, make([]byte, MessagePayloadMax)); err != nil {
		t.Errorf("Expected max payload to fit, got %v", err)
	}
}

func TestFramePartial(t *testing.T) {
	frame, _ := EncodeFrame(MessageDest, []byte{1, 2, 3})

	_, n, err := DecodeFrame(frame[:4])
	if err != ErrNeedMore {
		t.Errorf("Expected ErrNeedMore, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing consumed, got %d", n)
	}
}

func TestFrameResync(t *testing.T) {
	good, _ := EncodeFrame(MessageDest, []byte{7})
	corrupt, _ := EncodeFrame(MessageDest, []byte{8})
	corrupt[2] ^= 0xFF // payload no longer matches CRC

	stream := append(append([]byte{MessageValueSync}, corrupt...), good...)

	_, n, err := DecodeFrame(stream)
	if err != ErrBadFrame {
		t.Fatalf("Expected ErrBadFrame, got %v", err)
	}
	stream = stream[n:]

	msg, _, err := DecodeFrame(stream)
	if err != nil {
		t.Fatalf("Expected to recover on the next block, got %v", err)
	}
	if len(msg.Payload) != 1 || msg.Payload[0] != 7 {
		t.Errorf("Expected payload [07], got % X", msg.Payload)
	}
}

func TestCommandPayload(t *testing.T) {
	payload, err := CommandPayload(IdentifyID, func(output OutputBuffer) {
		EncodeVLQUint(output, 0)
		EncodeVLQUint(output, 40)
	})
	if err != nil {
		t.Fatalf("CommandPayload failed: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x01, 0x00, 0x28}) {
		t.Errorf("Expected [01 00 28], got % X", payload)
	}

	_, err = CommandPayload(2, func(output OutputBuffer) {
		EncodeVLQBytes(output, make([]byte, MessagePayloadMax))
	})
	if err == nil {
		t.Error("Expected overflow error")
	}
}

func TestNextSequence(t *testing.T) {
	if NextSequence(0x10) != 0x11 {
		t.Errorf("Expected 0x11, got 0x%02X", NextSequence(0x10))
	}
	if NextSequence(0x1F) != 0x10 {
		t.Errorf("Expected wrap to 0x10, got 0x%02X", NextSequence(0x1F))
	}
}
