// Package tinycompress produces zlib streams without the deflate
// compressor, for targets where compress/flate is too large. Data is
// carried in stored blocks, so the output is slightly larger than the
// input but any zlib reader accepts it.
package tinycompress

import (
	"encoding/binary"
	"hash/adler32"
	"io"
)

// maxStoredBlock is the largest DEFLATE stored block payload
const maxStoredBlock = 0xFFFF

// Compress returns input as a zlib stream
func Compress(input []byte) []byte {
	blocks := max(1, (len(input)+maxStoredBlock-1)/maxStoredBlock)
	out := make([]byte, 0, 2+len(input)+5*blocks+4)

	// Zlib header: deflate, 32K window, default level
	out = append(out, 0x78, 0x9C)

	rest := input
	for {
		n := min(len(rest), maxStoredBlock)
		final := uint8(0)
		if n == len(rest) {
			final = 1
		}

		// stored block header, LEN and NLEN little endian
		out = append(out, final)
		out = binary.LittleEndian.AppendUint16(out, uint16(n))
		out = binary.LittleEndian.AppendUint16(out, ^uint16(n))
		out = append(out, rest[:n]...)

		rest = rest[n:]
		if final == 1 {
			break
		}
	}

	return binary.BigEndian.AppendUint32(out, adler32.Checksum(input))
}

// Writer buffers everything written and emits one zlib stream on Close
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter creates a Writer that outputs to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write implements io.Writer
func (z *Writer) Write(p []byte) (int, error) {
	z.buf = append(z.buf, p...)
	return len(p), nil
}

// Close writes the compressed stream
func (z *Writer) Close() error {
	_, err := z.w.Write(Compress(z.buf))
	return err
}
