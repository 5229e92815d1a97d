// Package mcu talks to a microcontroller running Klipper-compatible
// firmware: it retrieves the data dictionary and sends commands by name.
package mcu

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"imufifo/core"
	"imufifo/host/serial"
	"imufifo/protocol"
)

// Dictionary retrieval parameters
const (
	identifyChunk   = 40
	identifyTimeout = time.Second
	maxIdentify     = 4096 // chunks, guards against a firmware that never ends
)

var ErrNoDictionary = errors.New("dictionary not loaded")

// MCU represents a connection to a Klipper microcontroller
type MCU struct {
	transport *protocol.HostTransport
	logger    *slog.Logger

	dictionary     *Dictionary
	dictionaryData []byte

	// ResponseTimeout bounds Query
	ResponseTimeout time.Duration
}

// New creates an MCU over an established transport
func New(transport *protocol.HostTransport, logger *slog.Logger) *MCU {
	if logger == nil {
		logger = core.Log(core.ComponentHost)
	}
	return &MCU{
		transport:       transport,
		logger:          logger,
		ResponseTimeout: time.Second,
	}
}

// Connect opens the serial port, retrieves the dictionary and returns the
// ready MCU
func Connect(cfg *serial.Config, logger *slog.Logger) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush %s: %w", cfg.Device, err)
	}

	m := New(protocol.NewHostTransport(port, logger), logger)
	if err := m.RetrieveDictionary(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the transport and its port
func (m *MCU) Close() error {
	return m.transport.Close()
}

// RetrieveDictionary reads the dictionary in identify chunks until the MCU
// returns a short one
func (m *MCU) RetrieveDictionary() error {
	var data bytes.Buffer
	offset := uint32(0)

	for i := 0; ; i++ {
		if i >= maxIdentify {
			return fmt.Errorf("identify: dictionary exceeds %d bytes", maxIdentify*identifyChunk)
		}

		chunk, err := m.identify(offset, identifyChunk)
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}
		data.Write(chunk)
		offset += uint32(len(chunk))

		if len(chunk) < identifyChunk {
			break
		}
	}

	m.dictionaryData = data.Bytes()
	dict, err := ParseDictionary(m.dictionaryData)
	if err != nil {
		return err
	}
	m.dictionary = dict

	m.logger.Info("dictionary retrieved",
		"bytes", len(m.dictionaryData),
		"version", dict.Version,
		"commands", len(dict.Commands))
	return nil
}

// identify requests one dictionary chunk
func (m *MCU) identify(offset uint32, count uint8) ([]byte, error) {
	err := m.transport.SendCommand(protocol.IdentifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, err
	}

	args, err := m.transport.ReceiveMatching(func(cmdID uint16, args []byte) bool {
		if cmdID != protocol.IdentifyResponseID {
			return false
		}
		respOffset, err := protocol.DecodeVLQUint(&args)
		return err == nil && respOffset == offset
	}, identifyTimeout)
	if err != nil {
		return nil, err
	}

	// offset already matched
	if _, err := protocol.DecodeVLQUint(&args); err != nil {
		return nil, err
	}
	data, err := protocol.DecodeVLQBytes(&args)
	if err != nil {
		return nil, fmt.Errorf("identify_response data: %w", err)
	}
	return append([]byte(nil), data...), nil
}

// Dictionary returns the parsed dictionary, nil before RetrieveDictionary
func (m *MCU) Dictionary() *Dictionary {
	return m.dictionary
}

// DictionaryRaw returns the dictionary as received
func (m *MCU) DictionaryRaw() []byte {
	return m.dictionaryData
}

// SendCommand sends a command by name and waits for the ACK
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if m.dictionary == nil {
		return ErrNoDictionary
	}
	cmdID, err := m.dictionary.CommandID(name)
	if err != nil {
		return err
	}
	return m.transport.SendCommand(cmdID, args)
}

// Query sends a command and returns the arguments of the first response
// named response for which match returns true. A nil match accepts any.
func (m *MCU) Query(name string, args func(output protocol.OutputBuffer), response string, match func(args []byte) bool) ([]byte, error) {
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	respID, err := m.dictionary.ResponseID(response)
	if err != nil {
		return nil, err
	}

	if err := m.SendCommand(name, args); err != nil {
		return nil, err
	}

	return m.transport.ReceiveMatching(func(cmdID uint16, args []byte) bool {
		return cmdID == respID && (match == nil || match(args))
	}, m.ResponseTimeout)
}

// PrintDictionary writes a summary of the dictionary
func (m *MCU) PrintDictionary(w io.Writer) {
	if m.dictionary == nil {
		fmt.Fprintln(w, "No dictionary loaded")
		return
	}
	m.dictionary.Print(w)
}
