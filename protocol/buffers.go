package protocol

// OutputBuffer is the sink argument encoders write to
type OutputBuffer interface {
	// Output appends data
	Output(data []byte)

	// Len returns the number of bytes written so far
	Len() int
}

// ScratchOutput implements OutputBuffer using a fixed-size scratch buffer
// large enough for one message payload. Writes past the end are dropped and
// flagged by Overflow.
type ScratchOutput struct {
	buf      [MessagePayloadMax]byte
	pos      int
	overflow bool
}

// NewScratchOutput creates a new ScratchOutput
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflow = true
	}
}

func (s *ScratchOutput) Len() int {
	return s.pos
}

// Overflow reports whether any write was truncated
func (s *ScratchOutput) Overflow() bool {
	return s.overflow
}

// Result returns the accumulated output data
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Reset clears the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflow = false
}
