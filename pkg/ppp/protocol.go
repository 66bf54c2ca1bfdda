// Package ppp implements the PPP control protocols negotiated with a guest
// over the serial line: LCP, PAP, IPXCP and IPCP.
package ppp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
)

// PPP protocol numbers
const (
	ProtocolIP    = 0x0021 // Internet Protocol
	ProtocolIPX   = 0x002B // Novell IPX
	ProtocolIPCP  = 0x8021 // IP Control Protocol
	ProtocolIPXCP = 0x802B // IPX Control Protocol
	ProtocolLCP   = 0xC021 // Link Control Protocol
	ProtocolPAP   = 0xC023 // Password Authentication Protocol
)

// Control packet codes shared by LCP and the NCPs
const (
	CodeConfigRequest = 1
	CodeConfigAck     = 2
	CodeConfigNak     = 3
	CodeConfigReject  = 4
	CodeTermRequest   = 5
	CodeTermAck       = 6
	CodeCodeReject    = 7
	CodeProtoReject   = 8
	CodeEchoRequest   = 9
	CodeEchoReply     = 10
	CodeDiscardReq    = 11
)

// LCP option types
const (
	LCPOptMRU         = 1 // Maximum Receive Unit
	LCPOptACCM        = 2 // Async Control Character Map
	LCPOptAuthProto   = 3 // Authentication Protocol
	LCPOptMagicNumber = 5 // Magic Number
	LCPOptPFC         = 7 // Protocol Field Compression
	LCPOptACFC        = 8 // Address/Control Field Compression
)

// PAP codes
const (
	PAPCodeAuthRequest = 1
	PAPCodeAuthAck     = 2
	PAPCodeAuthNak     = 3
)

// IPXCP option types (RFC 1552)
const (
	IPXCPOptNetwork = 1
	IPXCPOptNode    = 2
	IPXCPOptRouting = 4
)

// IPCP option types
const (
	IPCPOptIPAddress     = 3   // IP Address
	IPCPOptPrimaryDNS    = 129 // Primary DNS
	IPCPOptPrimaryNBNS   = 130 // Primary NBNS
	IPCPOptSecondaryDNS  = 131 // Secondary DNS
	IPCPOptSecondaryNBNS = 132 // Secondary NBNS
	IPCPOptSubnetMask    = 144 // Subnet mask
)

// DefaultMRU is the MRU assumed when the guest does not negotiate one.
const DefaultMRU = 1500

var (
	ErrPacketTooShort = errors.New("ppp: packet too short")
	ErrOptionLength   = errors.New("ppp: invalid option length")
)

// Packet is a control packet: code, identifier, length and data.
type Packet struct {
	Code       uint8
	Identifier uint8
	Data       []byte
}

// Option is a configuration option in type-length-value form. Data excludes
// the two header octets.
type Option struct {
	Type uint8
	Data []byte
}

// ParsePacket parses a control packet. Octets beyond the length field are
// padding and are ignored.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 4 {
		return nil, ErrPacketTooShort
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < 4 || length > len(data) {
		return nil, fmt.Errorf("length field %d with %d octets: %w", length, len(data), ErrPacketTooShort)
	}
	pkt := &Packet{
		Code:       data[0],
		Identifier: data[1],
	}
	if length > 4 {
		pkt.Data = make([]byte, length-4)
		copy(pkt.Data, data[4:length])
	}
	return pkt, nil
}

// Serialize encodes the packet.
func (p *Packet) Serialize() []byte {
	buf := pktbuf.New(4 + len(p.Data))
	buf.Append(p.Code, p.Identifier)
	buf.AppendUint16(uint16(4 + len(p.Data)))
	buf.Append(p.Data...)
	return buf.Bytes()
}

// ParseOptions parses an option list.
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	offset := 0

	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("truncated option header: %w", ErrOptionLength)
		}
		optType := data[offset]
		optLen := int(data[offset+1])
		if optLen < 2 || offset+optLen > len(data) {
			return nil, fmt.Errorf("option %d length %d: %w", optType, optLen, ErrOptionLength)
		}
		opt := Option{Type: optType}
		if optLen > 2 {
			opt.Data = make([]byte, optLen-2)
			copy(opt.Data, data[offset+2:offset+optLen])
		}
		opts = append(opts, opt)
		offset += optLen
	}

	return opts, nil
}

// AppendOption writes opt to dst.
func AppendOption(dst *pktbuf.Buffer, opt Option) {
	dst.Append(opt.Type, uint8(2+len(opt.Data)))
	dst.Append(opt.Data...)
}

// SerializeOptions encodes an option list.
func SerializeOptions(opts []Option) []byte {
	var buf pktbuf.Buffer
	for _, opt := range opts {
		AppendOption(&buf, opt)
	}
	return buf.Bytes()
}

// Equal reports whether two options are identical.
func (o Option) Equal(other Option) bool {
	return o.Type == other.Type && bytes.Equal(o.Data, other.Data)
}

func uint16Option(t uint8, v uint16) Option {
	return Option{Type: t, Data: binary.BigEndian.AppendUint16(nil, v)}
}

func uint32Option(t uint8, v uint32) Option {
	return Option{Type: t, Data: binary.BigEndian.AppendUint32(nil, v)}
}
