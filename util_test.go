package binread

import (
	"encoding/binary"
)

// fixtureWriter builds binary test fixtures in the configured byte order.
type fixtureWriter struct {
	buf   []byte
	order binary.ByteOrder
}

func newWriter(order binary.ByteOrder) *fixtureWriter {
	return &fixtureWriter{order: order}
}

func (w *fixtureWriter) bytes(p ...byte) {
	w.buf = append(w.buf, p...)
}

func (w *fixtureWriter) pad(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// name appends s as a fixed-width NUL-padded field.
func (w *fixtureWriter) name(s string, width int) {
	p := make([]byte, width)
	copy(p, s)
	w.buf = append(w.buf, p...)
}

func (w *fixtureWriter) u16(v uint16) {
	var p [2]byte
	w.order.PutUint16(p[:], v)
	w.buf = append(w.buf, p[:]...)
}

func (w *fixtureWriter) u32(v uint32) {
	var p [4]byte
	w.order.PutUint32(p[:], v)
	w.buf = append(w.buf, p[:]...)
}

func (w *fixtureWriter) u64(v uint64) {
	var p [8]byte
	w.order.PutUint64(p[:], v)
	w.buf = append(w.buf, p[:]...)
}
