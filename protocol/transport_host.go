package protocol

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrAckTimeout      = errors.New("ACK timeout")
	ErrResponseTimeout = errors.New("response timeout")
)

// ResponseHandler observes every response message the MCU sends
type ResponseHandler func(cmdID uint16, args []byte)

// HostTransport is the host side of the protocol: it sends one command at a
// time, waits for the MCU's ACK and queues responses for the caller.
type HostTransport struct {
	port io.ReadWriteCloser

	// Serializes commands; seq is only touched while held
	sendMu sync.Mutex
	seq    uint8

	ackChan      chan uint8
	responseChan chan *Message

	handlerMu sync.RWMutex
	handler   ResponseHandler

	logger *slog.Logger

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once

	// AckTimeout bounds the wait for an ACK in SendCommand
	AckTimeout time.Duration
}

// NewHostTransport creates a transport over port and starts its reader
func NewHostTransport(port io.ReadWriteCloser, logger *slog.Logger) *HostTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &HostTransport{
		port:         port,
		seq:          MessageDest,
		ackChan:      make(chan uint8, 4),
		responseChan: make(chan *Message, 16),
		logger:       logger,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		AckTimeout:   time.Second,
	}

	go t.readLoop()
	return t
}

// SetResponseHandler sets a callback for every decoded response
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// SendCommand sends a command and waits for the MCU to acknowledge it
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	payload, err := CommandPayload(cmdID, args)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	// Drop ACKs from a previous command that timed out
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}

	frame, err := EncodeFrame(t.seq, payload)
	if err != nil {
		return err
	}
	if _, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}

	expected := NextSequence(t.seq)
	timer := time.NewTimer(t.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case seq := <-t.ackChan:
			if seq != expected {
				// NAK or stale ACK, keep waiting for ours
				t.logger.Debug("unexpected ack", "seq", seq, "expected", expected)
				continue
			}
			t.seq = expected
			return nil

		case <-timer.C:
			return fmt.Errorf("command %d: %w after %v", cmdID, ErrAckTimeout, t.AckTimeout)

		case <-t.stopChan:
			return ErrTransportClosed
		}
	}
}

// ReceiveMatching waits for a response accepted by match and returns its
// arguments (the payload after the command id). Other responses are dropped.
func (t *HostTransport) ReceiveMatching(match func(cmdID uint16, args []byte) bool, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-t.responseChan:
			args := msg.Payload
			cmdID, err := DecodeVLQUint(&args)
			if err != nil {
				continue
			}
			if match(uint16(cmdID), args) {
				return args, nil
			}

		case <-timer.C:
			return nil, fmt.Errorf("%w after %v", ErrResponseTimeout, timeout)

		case <-t.stopChan:
			return nil, ErrTransportClosed
		}
	}
}

// DrainResponses discards queued responses
func (t *HostTransport) DrainResponses() {
	for {
		select {
		case <-t.responseChan:
		default:
			return
		}
	}
}

// readLoop continuously reads from the port and dispatches message blocks
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	var pending []byte

	for {
		n, err := t.port.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			pending = t.processMessages(pending)
		}
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			// serial ports report read timeouts as EOF
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("serial read", "err", err)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// processMessages consumes complete blocks and returns the remainder
func (t *HostTransport) processMessages(data []byte) []byte {
	for len(data) > 0 {
		msg, n, err := DecodeFrame(data)
		data = data[n:]
		if errors.Is(err, ErrNeedMore) {
			break
		}
		if err != nil {
			t.logger.Debug("discarding bad block", "skipped", n)
			continue
		}
		t.dispatchMessage(msg)
	}

	// Compact so the backing array does not grow without bound
	return append([]byte(nil), data...)
}

// dispatchMessage routes a message to the appropriate channel
func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg.Sequence:
		default:
		}
		return
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		args := msg.Payload
		if cmdID, err := DecodeVLQUint(&args); err == nil {
			handler(uint16(cmdID), args)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// full: drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		select {
		case t.responseChan <- msg:
		default:
		}
	}
}

// Close stops the transport and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		err = t.port.Close()
		<-t.doneChan
	})
	return err
}
