// Package pktbuf provides the append-only byte buffer used to assemble
// frames, option lists and Nak/Reject payloads.
package pktbuf

import "encoding/binary"

// GrowStep is the increment by which a Buffer's capacity grows.
const GrowStep = 256

// Buffer is an append-only byte buffer. The zero value is ready to use.
// A Buffer has a single owner and is never shared between sessions.
type Buffer struct {
	b []byte
}

// New returns a buffer with room for at least size bytes.
func New(size int) *Buffer {
	buf := &Buffer{}
	buf.grow(size)
	return buf
}

// grow makes room for n more bytes, rounding capacity up to GrowStep.
func (p *Buffer) grow(n int) {
	if cap(p.b)-len(p.b) >= n {
		return
	}
	need := len(p.b) + n
	newCap := (need + GrowStep - 1) / GrowStep * GrowStep
	nb := make([]byte, len(p.b), newCap)
	copy(nb, p.b)
	p.b = nb
}

// Append appends bytes to the buffer.
func (p *Buffer) Append(bs ...byte) {
	p.grow(len(bs))
	p.b = append(p.b, bs...)
}

// AppendUint16 appends v in network byte order.
func (p *Buffer) AppendUint16(v uint16) {
	p.grow(2)
	p.b = binary.BigEndian.AppendUint16(p.b, v)
}

// AppendUint32 appends v in network byte order.
func (p *Buffer) AppendUint32(v uint32) {
	p.grow(4)
	p.b = binary.BigEndian.AppendUint32(p.b, v)
}

// Write implements io.Writer. It never fails.
func (p *Buffer) Write(data []byte) (int, error) {
	p.Append(data...)
	return len(data), nil
}

// PutUint16At overwrites two bytes at off in network byte order.
// It is used to patch length fields once the payload is known.
func (p *Buffer) PutUint16At(off int, v uint16) {
	binary.BigEndian.PutUint16(p.b[off:off+2], v)
}

// Bytes returns the buffer contents. The slice aliases the buffer until the
// next mutation.
func (p *Buffer) Bytes() []byte { return p.b }

// Len returns the number of bytes held.
func (p *Buffer) Len() int { return len(p.b) }

// Cap returns the current capacity.
func (p *Buffer) Cap() int { return cap(p.b) }

// Reset empties the buffer but keeps its storage.
func (p *Buffer) Reset() { p.b = p.b[:0] }

// Free releases the storage.
func (p *Buffer) Free() { p.b = nil }

// Clone returns an owned copy of the contents.
func (p *Buffer) Clone() []byte {
	out := make([]byte, len(p.b))
	copy(out, p.b)
	return out
}
