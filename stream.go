package binread

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// Stream is a forward-only cursor over an immutable byte buffer. Multi-byte
// reads are interpreted per the configured byte order. The position never
// passes the end of the buffer: every advancing operation checks first and
// returns ErrUnexpectedEOF instead of moving.
type Stream struct {
	data  []byte
	pos   int
	order binary.ByteOrder
}

// NewStream returns a cursor positioned at the start of data.
func NewStream(data []byte, order binary.ByteOrder) *Stream {
	return &Stream{data: data, order: order}
}

// NewStreamAt returns a cursor positioned at offset, which must land inside
// the buffer.
func NewStreamAt(data []byte, offset int, order binary.ByteOrder) (*Stream, error) {
	if offset < 0 || offset >= len(data) {
		return nil, ErrUnexpectedEOF
	}
	return &Stream{data: data, pos: offset, order: order}, nil
}

// Offset reports the current position within the buffer.
func (s *Stream) Offset() int {
	return s.pos
}

// Remaining reports the number of unread bytes.
func (s *Stream) Remaining() int {
	return len(s.data) - s.pos
}

// AtEnd reports whether the cursor has consumed the whole buffer.
func (s *Stream) AtEnd() bool {
	return s.pos >= len(s.data)
}

// Skip advances the cursor by n bytes.
func (s *Stream) Skip(n int) error {
	if n < 0 || n > len(s.data)-s.pos {
		return ErrUnexpectedEOF
	}
	s.pos += n
	return nil
}

// ReadBytes consumes n bytes and returns them as a sub-slice of the backing
// buffer, not a copy.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > len(s.data)-s.pos {
		return nil, ErrUnexpectedEOF
	}
	b := s.data[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

func (s *Stream) ReadUint8() (uint8, error) {
	if s.pos >= len(s.data) {
		return 0, ErrUnexpectedEOF
	}
	v := s.data[s.pos]
	s.pos++
	return v, nil
}

func (s *Stream) ReadUint16() (uint16, error) {
	if len(s.data)-s.pos < 2 {
		return 0, ErrUnexpectedEOF
	}
	v := s.order.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

func (s *Stream) ReadUint32() (uint32, error) {
	if len(s.data)-s.pos < 4 {
		return 0, ErrUnexpectedEOF
	}
	v := s.order.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

func (s *Stream) ReadUint64() (uint64, error) {
	if len(s.data)-s.pos < 8 {
		return 0, ErrUnexpectedEOF
	}
	v := s.order.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

func (s *Stream) ReadInt8() (int8, error) {
	v, err := s.ReadUint8()
	return int8(v), err
}

func (s *Stream) ReadInt16() (int16, error) {
	v, err := s.ReadUint16()
	return int16(v), err
}

// ParseNullString reads the null-terminated string beginning at start.
// Returns false for an out-of-range offset, a missing terminator, an empty
// string, or invalid UTF-8.
func ParseNullString(data []byte, start int) (string, bool) {
	if start < 0 || start >= len(data) {
		return "", false
	}
	i := bytes.IndexByte(data[start:], 0)
	if i <= 0 {
		return "", false
	}
	raw := data[start : start+i]
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}
