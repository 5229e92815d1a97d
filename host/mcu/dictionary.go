package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrUnknownEnumeration = errors.New("unknown enumeration value")
)

// Dictionary is the data dictionary an MCU reports through identify
type Dictionary struct {
	Version       string                                `json:"version"`
	BuildVersions string                                `json:"build_versions"`
	Config        map[string]any                        `json:"config"`
	Commands      map[string]int                        `json:"commands"`
	Responses     map[string]int                        `json:"responses"`
	Enumerations  map[string]map[string]json.RawMessage `json:"enumerations,omitempty"`

	// indexed by the first word of each format string
	commandIDs  map[string]uint16
	responseIDs map[string]uint16
}

// ParseDictionary decodes a dictionary, inflating it first if it is zlib
// compressed
func ParseDictionary(data []byte) (*Dictionary, error) {
	// zlib streams start with 0x78, JSON with '{'
	if len(data) >= 2 && data[0] == 0x78 {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("dictionary: %w", err)
		}
		inflated, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("dictionary: inflate: %w", err)
		}
		data = inflated
	}

	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("dictionary: %w", err)
	}
	d.index()
	return d, nil
}

func (d *Dictionary) index() {
	d.commandIDs = make(map[string]uint16, len(d.Commands))
	for format, id := range d.Commands {
		d.commandIDs[commandName(format)] = uint16(id)
	}
	d.responseIDs = make(map[string]uint16, len(d.Responses))
	for format, id := range d.Responses {
		d.responseIDs[commandName(format)] = uint16(id)
	}
}

// commandName returns the name part of a format such as
// "spi_transfer oid=%c data=%*s"
func commandName(format string) string {
	name, _, _ := strings.Cut(format, " ")
	return name
}

// CommandID returns the id of a command by name
func (d *Dictionary) CommandID(name string) (uint16, error) {
	id, ok := d.commandIDs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return id, nil
}

// ResponseID returns the id of a response by name
func (d *Dictionary) ResponseID(name string) (uint16, error) {
	id, ok := d.responseIDs[name]
	if !ok {
		return 0, fmt.Errorf("%w: response %s", ErrUnknownCommand, name)
	}
	return id, nil
}

// HasCommand reports whether the MCU implements a command
func (d *Dictionary) HasCommand(name string) bool {
	_, ok := d.commandIDs[name]
	return ok
}

// Enumeration maps an enumerated argument (pin, spi_bus, ...) to its wire
// value. Entries are either a single value or a [first, count] range, in
// which case "gpio5" resolves through the "gpio0" entry.
func (d *Dictionary) Enumeration(enum, name string) (uint32, error) {
	values := d.Enumerations[enum]

	if raw, ok := values[name]; ok {
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil {
			return uint32(v), nil
		}
		var rng [2]int64
		if err := json.Unmarshal(raw, &rng); err == nil {
			return uint32(rng[0]), nil
		}
	}

	prefix, num, ok := splitNumbered(name)
	if ok {
		for key, raw := range values {
			var rng [2]int64
			if err := json.Unmarshal(raw, &rng); err != nil {
				continue
			}
			kp, kn, ok := splitNumbered(key)
			if !ok || kp != prefix {
				continue
			}
			if num >= kn && num < kn+rng[1] {
				return uint32(rng[0] + num - kn), nil
			}
		}
	}

	return 0, fmt.Errorf("%w: %s %q", ErrUnknownEnumeration, enum, name)
}

// splitNumbered splits "gpio12" into ("gpio", 12)
func splitNumbered(s string) (string, int64, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return "", 0, false
	}
	n, err := strconv.ParseInt(s[i:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

// ConfigValue returns a numeric constant from the config section
func (d *Dictionary) ConfigValue(name string) (float64, bool) {
	switch v := d.Config[name].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Print writes a summary of the dictionary
func (d *Dictionary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== MCU Dictionary ===")
	fmt.Fprintf(w, "Version: %s\n", d.Version)
	fmt.Fprintf(w, "Build: %s\n", d.BuildVersions)

	fmt.Fprintln(w, "Config:")
	for _, k := range sortedKeys(d.Config) {
		fmt.Fprintf(w, "  %s = %v\n", k, d.Config[k])
	}

	fmt.Fprintf(w, "Commands (%d):\n", len(d.Commands))
	for _, format := range sortedKeys(d.Commands) {
		fmt.Fprintf(w, "  [%d] %s\n", d.Commands[format], format)
	}

	fmt.Fprintf(w, "Responses (%d):\n", len(d.Responses))
	for _, format := range sortedKeys(d.Responses) {
		fmt.Fprintf(w, "  [%d] %s\n", d.Responses[format], format)
	}

	if len(d.Enumerations) > 0 {
		fmt.Fprintf(w, "Enumerations (%d):\n", len(d.Enumerations))
		for _, name := range sortedKeys(d.Enumerations) {
			fmt.Fprintf(w, "  %s: %d values\n", name, len(d.Enumerations[name]))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
