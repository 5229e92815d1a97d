// Package mcutest provides an in-process MCU that speaks the wire protocol
// over one end of a pipe, for testing hosts without hardware.
package mcutest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"imufifo/protocol"
	"imufifo/tinycompress"
)

// Reply sends a response by name from inside a Handler
type Reply func(name string, args func(output protocol.OutputBuffer))

// Handler runs a command; args follow the command id
type Handler func(args []byte, reply Reply)

// Dictionary describes what the firmware reports through identify
type Dictionary struct {
	Version      string
	Config       map[string]any
	Commands     []string // format strings
	Responses    []string
	Enumerations map[string]map[string]any
}

// Firmware answers message blocks the way the MCU does: responses first,
// then the ACK carrying the next sequence number
type Firmware struct {
	conn io.ReadWriteCloser

	commands  map[uint32]string // id -> name
	responses map[string]uint32 // name -> id
	dict      []byte            // compressed

	mu       sync.Mutex
	handlers map[string]Handler
	received []string
	noAck    bool
}

// New builds the firmware, assigning ids in declaration order after the
// fixed identify pair
func New(conn io.ReadWriteCloser, d Dictionary) (*Firmware, error) {
	f := &Firmware{
		conn:      conn,
		commands:  map[uint32]string{protocol.IdentifyID: "identify"},
		responses: map[string]uint32{"identify_response": protocol.IdentifyResponseID},
		handlers:  map[string]Handler{},
	}

	commands := map[string]int{"identify offset=%u count=%c": protocol.IdentifyID}
	responses := map[string]int{"identify_response offset=%u data=%.*s": protocol.IdentifyResponseID}
	next := 2
	for _, format := range d.Commands {
		commands[format] = next
		f.commands[uint32(next)] = nameOf(format)
		next++
	}
	for _, format := range d.Responses {
		responses[format] = next
		f.responses[nameOf(format)] = uint32(next)
		next++
	}

	raw, err := json.Marshal(map[string]any{
		"version":        d.Version,
		"build_versions": "mcutest",
		"config":         d.Config,
		"commands":       commands,
		"responses":      responses,
		"enumerations":   d.Enumerations,
	})
	if err != nil {
		return nil, fmt.Errorf("mcutest: dictionary: %w", err)
	}
	f.dict = tinycompress.Compress(raw)

	f.Handle("identify", f.identify)
	return f, nil
}

func nameOf(format string) string {
	name, _, _ := strings.Cut(format, " ")
	return name
}

// Handle installs the handler for a command name
func (f *Firmware) Handle(name string, h Handler) {
	f.mu.Lock()
	f.handlers[name] = h
	f.mu.Unlock()
}

// SetNoAck makes the firmware swallow commands without acknowledging them
func (f *Firmware) SetNoAck(v bool) {
	f.mu.Lock()
	f.noAck = v
	f.mu.Unlock()
}

// Received returns the command names seen so far, in order
func (f *Firmware) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// Count returns how many times a command was received
func (f *Firmware) Count(name string) int {
	n := 0
	for _, r := range f.Received() {
		if r == name {
			n++
		}
	}
	return n
}

func (f *Firmware) identify(args []byte, reply Reply) {
	offset, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return
	}
	count, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return
	}

	start := min(int(offset), len(f.dict))
	end := min(start+int(count), len(f.dict))
	chunk := f.dict[start:end]

	reply("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
}

// Serve processes commands until the connection closes
func (f *Firmware) Serve() {
	buf := make([]byte, 256)
	var pending []byte

	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)

		for len(pending) > 0 {
			msg, used, err := protocol.DecodeFrame(pending)
			pending = pending[used:]
			if err == protocol.ErrNeedMore {
				break
			}
			if err != nil {
				continue
			}
			if !f.dispatch(msg) {
				return
			}
		}
	}
}

func (f *Firmware) dispatch(msg *protocol.Message) bool {
	next := protocol.NextSequence(msg.Sequence)
	args := msg.Payload

	cmdID, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return true
	}
	name := f.commands[cmdID]

	f.mu.Lock()
	f.received = append(f.received, name)
	h := f.handlers[name]
	noAck := f.noAck
	f.mu.Unlock()

	ok := true
	if h != nil {
		h(args, func(resp string, enc func(output protocol.OutputBuffer)) {
			id, known := f.responses[resp]
			if !known {
				return
			}
			payload, err := protocol.CommandPayload(uint16(id), enc)
			if err != nil {
				return
			}
			frame, _ := protocol.EncodeFrame(next, payload)
			if _, err := f.conn.Write(frame); err != nil {
				ok = false
			}
		})
	}

	if !noAck && ok {
		ack, _ := protocol.EncodeFrame(next, nil)
		if _, err := f.conn.Write(ack); err != nil {
			return false
		}
	}
	return ok
}

// CommandNames lists the commands the firmware declares, sorted
func (f *Firmware) CommandNames() []string {
	names := make([]string, 0, len(f.commands))
	for _, n := range f.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
