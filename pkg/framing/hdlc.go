package framing

import (
	"encoding/binary"
	"errors"

	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
)

// PPP async framing characters (RFC 1662)
const (
	PPPFlag      = 0x7E
	PPPEscape    = 0x7D
	PPPEscapeXOR = 0x20

	PPPAddress = 0xFF
	PPPControl = 0x03
)

// DefaultACCM escapes every control character. It is used until LCP has
// negotiated a map, and always for LCP frames.
const DefaultACCM uint32 = 0xFFFFFFFF

var (
	ErrBadFCS        = errors.New("framing: bad FCS")
	ErrFrameTooShort = errors.New("framing: frame too short")
	ErrFrameTooLong  = errors.New("framing: frame too long")
	ErrBadHeader     = errors.New("framing: bad PPP header")
)

func needsEscape(c byte, accm uint32) bool {
	if c == PPPFlag || c == PPPEscape {
		return true
	}
	return c < 0x20 && accm&(1<<c) != 0
}

func appendEscaped(dst *pktbuf.Buffer, c byte, accm uint32) {
	if needsEscape(c, accm) {
		dst.Append(PPPEscape, c^PPPEscapeXOR)
		return
	}
	dst.Append(c)
}

// EncodePPP appends frame (address field through payload) to dst in async
// HDLC-like framing: opening flag, escaped bytes, escaped FCS, closing flag.
func EncodePPP(dst *pktbuf.Buffer, frame []byte, accm uint32) {
	dst.Append(PPPFlag)
	for _, c := range frame {
		appendEscaped(dst, c, accm)
	}
	fcs := ^FCS16(FCSInit, frame)
	appendEscaped(dst, byte(fcs), accm)
	appendEscaped(dst, byte(fcs>>8), accm)
	dst.Append(PPPFlag)
}

// PPPDecoder reassembles PPP frames from an async byte stream and verifies
// their FCS. Returned frames exclude the FCS.
type PPPDecoder struct {
	buf      pktbuf.Buffer
	escaped  bool
	overflow bool
}

// Feed consumes one byte. It returns a frame when c is a closing flag of a
// valid frame, or an error when the closed frame was damaged.
func (d *PPPDecoder) Feed(c byte) ([]byte, error) {
	switch {
	case c == PPPFlag:
		if d.buf.Len() == 0 && !d.overflow {
			d.escaped = false
			return nil, nil
		}
		defer d.Reset()
		if d.escaped {
			// 7D 7E aborts the frame
			return nil, nil
		}
		if d.overflow {
			return nil, ErrFrameTooLong
		}
		if d.buf.Len() < 4 {
			return nil, ErrFrameTooShort
		}
		if !CheckFCS(d.buf.Bytes()) {
			return nil, ErrBadFCS
		}
		frame := d.buf.Clone()
		return frame[:len(frame)-2], nil
	case c == PPPEscape:
		d.escaped = true
	default:
		if d.escaped {
			c ^= PPPEscapeXOR
			d.escaped = false
		}
		if d.buf.Len() >= MaxFrameSize {
			d.overflow = true
			return nil, nil
		}
		d.buf.Append(c)
	}
	return nil, nil
}

// Pending reports whether a partial frame is buffered.
func (d *PPPDecoder) Pending() bool { return d.buf.Len() > 0 }

// Reset discards any partial frame.
func (d *PPPDecoder) Reset() {
	d.buf.Reset()
	d.escaped = false
	d.overflow = false
}

// DecodePPP decodes every complete, valid frame in data.
func DecodePPP(data []byte) ([][]byte, error) {
	var d PPPDecoder
	var frames [][]byte
	var firstErr error
	for _, c := range data {
		f, err := d.Feed(c)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, firstErr
}

// Compression carries the negotiated header compression state of one
// direction of a PPP link.
type Compression struct {
	ACFC bool // Address-and-Control-Field-Compression
	PFC  bool // Protocol-Field-Compression
}

// compressible reports whether header compression may apply to proto.
// Control protocols (0x4000 and above, LCP included) are never compressed.
func compressible(proto uint16) bool {
	return proto < 0x4000
}

// AppendPPPHeader appends the address/control and protocol fields.
func AppendPPPHeader(dst *pktbuf.Buffer, proto uint16, comp Compression) {
	if !comp.ACFC || !compressible(proto) {
		dst.Append(PPPAddress, PPPControl)
	}
	if comp.PFC && compressible(proto) && proto <= 0xFF {
		dst.Append(byte(proto))
		return
	}
	dst.AppendUint16(proto)
}

// BuildPPPFrame returns header plus payload, ready for EncodePPP.
func BuildPPPFrame(proto uint16, payload []byte, comp Compression) []byte {
	buf := pktbuf.New(4 + len(payload))
	AppendPPPHeader(buf, proto, comp)
	buf.Append(payload...)
	return buf.Bytes()
}

// ParsePPPFrame splits a decoded frame into protocol and payload. Both the
// compressed and uncompressed header forms are accepted.
func ParsePPPFrame(frame []byte) (uint16, []byte, error) {
	off := 0
	if len(frame) >= 2 && frame[0] == PPPAddress && frame[1] == PPPControl {
		off = 2
	}
	if off >= len(frame) {
		return 0, nil, ErrFrameTooShort
	}
	if frame[off]&0x01 == 1 {
		return uint16(frame[off]), frame[off+1:], nil
	}
	if off+2 > len(frame) {
		return 0, nil, ErrFrameTooShort
	}
	proto := binary.BigEndian.Uint16(frame[off : off+2])
	if proto&0x0100 != 0 || proto&0x0001 == 0 {
		return 0, nil, ErrBadHeader
	}
	return proto, frame[off+2:], nil
}
