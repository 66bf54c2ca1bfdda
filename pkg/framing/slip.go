// Package framing implements the octet-level codecs spoken on the guest
// serial line (SLIP, PPP in async HDLC-like framing) and the PPPoE
// encapsulation spoken on the Ethernet side.
package framing

import "github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"

// SLIP special characters (RFC 1055)
const (
	SLIPEnd    = 0xC0
	SLIPEsc    = 0xDB
	SLIPEscEnd = 0xDC
	SLIPEscEsc = 0xDD
)

// MaxFrameSize bounds a decoded frame. Longer frames are discarded.
const MaxFrameSize = 4096

// EncodeSLIP appends payload to dst wrapped in SLIP framing.
func EncodeSLIP(dst *pktbuf.Buffer, payload []byte) {
	dst.Append(SLIPEnd)
	for _, b := range payload {
		switch b {
		case SLIPEnd:
			dst.Append(SLIPEsc, SLIPEscEnd)
		case SLIPEsc:
			dst.Append(SLIPEsc, SLIPEscEsc)
		default:
			dst.Append(b)
		}
	}
	dst.Append(SLIPEnd)
}

// SLIPDecoder reassembles SLIP frames from a byte stream.
// An ESC followed by anything other than ESC_END or ESC_ESC is passed
// through literally and the following byte is processed normally.
type SLIPDecoder struct {
	buf      pktbuf.Buffer
	escaped  bool
	overflow bool
}

// Feed consumes one byte. It returns a complete frame when c closes one.
// The returned slice is owned by the caller.
func (d *SLIPDecoder) Feed(c byte) ([]byte, error) {
	if d.escaped {
		d.escaped = false
		switch c {
		case SLIPEscEnd:
			d.put(SLIPEnd)
			return nil, nil
		case SLIPEscEsc:
			d.put(SLIPEsc)
			return nil, nil
		default:
			d.put(SLIPEsc)
		}
	}

	switch c {
	case SLIPEnd:
		if d.buf.Len() == 0 && !d.overflow {
			return nil, nil
		}
		defer d.Reset()
		if d.overflow {
			return nil, ErrFrameTooLong
		}
		return d.buf.Clone(), nil
	case SLIPEsc:
		d.escaped = true
	default:
		d.put(c)
	}
	return nil, nil
}

func (d *SLIPDecoder) put(c byte) {
	if d.buf.Len() >= MaxFrameSize {
		d.overflow = true
		return
	}
	d.buf.Append(c)
}

// Reset discards any partial frame.
func (d *SLIPDecoder) Reset() {
	d.buf.Reset()
	d.escaped = false
	d.overflow = false
}

// DecodeSLIP decodes every complete frame in data.
func DecodeSLIP(data []byte) [][]byte {
	var d SLIPDecoder
	var frames [][]byte
	for _, c := range data {
		if f, err := d.Feed(c); err == nil && f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}
