package framing

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
)

// Ethernet types handled by the packet server
const (
	EtherTypeIPv4           = 0x0800
	EtherTypeARP            = 0x0806
	EtherTypeIPX            = 0x8137
	EtherTypePPPoEDiscovery = 0x8863
	EtherTypePPPoESession   = 0x8864
)

// EthernetHeaderLen is the length of an Ethernet II header.
const EthernetHeaderLen = 14

// PPPoE codes (Discovery stage)
const (
	CodePADI = 0x09 // Active Discovery Initiation
	CodePADO = 0x07 // Active Discovery Offer
	CodePADR = 0x19 // Active Discovery Request
	CodePADS = 0x65 // Active Discovery Session-confirmation
	CodePADT = 0xA7 // Active Discovery Terminate

	CodeSession = 0x00
)

// PPPoEVerType is version 1, type 1.
const PPPoEVerType = 0x11

// PPPoEHeaderLen is the length of the PPPoE header.
const PPPoEHeaderLen = 6

// PPPoE tag types
const (
	TagEndOfList   = 0x0000
	TagServiceName = 0x0101
	TagACName      = 0x0102
	TagHostUniq    = 0x0103
	TagACCookie    = 0x0104
	TagGenericErr  = 0x0203
)

// PPPoEHeader is the six-byte header that follows the Ethernet header.
type PPPoEHeader struct {
	VerType   uint8
	Code      uint8
	SessionID uint16
	Length    uint16
}

// Tag is a PPPoE discovery tag.
type Tag struct {
	Type  uint16
	Value []byte
}

// ParsePPPoEHeader parses a PPPoE header.
func ParsePPPoEHeader(data []byte) (*PPPoEHeader, error) {
	if len(data) < PPPoEHeaderLen {
		return nil, fmt.Errorf("data too short for PPPoE header: %w", ErrFrameTooShort)
	}
	return &PPPoEHeader{
		VerType:   data[0],
		Code:      data[1],
		SessionID: binary.BigEndian.Uint16(data[2:4]),
		Length:    binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// Append writes the header to dst.
func (h *PPPoEHeader) Append(dst *pktbuf.Buffer) {
	dst.Append(h.VerType, h.Code)
	dst.AppendUint16(h.SessionID)
	dst.AppendUint16(h.Length)
}

// ParseTags parses the tag list of a discovery payload.
func ParseTags(data []byte) ([]Tag, error) {
	var tags []Tag
	offset := 0

	for offset+4 <= len(data) {
		tagType := binary.BigEndian.Uint16(data[offset : offset+2])
		tagLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if tagType == TagEndOfList {
			break
		}
		if offset+4+tagLen > len(data) {
			return nil, fmt.Errorf("tag 0x%04x length %d exceeds data", tagType, tagLen)
		}
		value := make([]byte, tagLen)
		copy(value, data[offset+4:offset+4+tagLen])
		tags = append(tags, Tag{Type: tagType, Value: value})
		offset += 4 + tagLen
	}

	return tags, nil
}

// AppendTags writes tags to dst.
func AppendTags(dst *pktbuf.Buffer, tags []Tag) {
	for _, tag := range tags {
		dst.AppendUint16(tag.Type)
		dst.AppendUint16(uint16(len(tag.Value)))
		dst.Append(tag.Value...)
	}
}

// FindTag finds a tag by type.
func FindTag(tags []Tag, tagType uint16) *Tag {
	for i := range tags {
		if tags[i].Type == tagType {
			return &tags[i]
		}
	}
	return nil
}

// AppendEthernetHeader writes an Ethernet II header to dst.
func AppendEthernetHeader(dst *pktbuf.Buffer, dstMAC, srcMAC net.HardwareAddr, etherType uint16) {
	dst.Append(dstMAC[:6]...)
	dst.Append(srcMAC[:6]...)
	dst.AppendUint16(etherType)
}

// BuildEthernetFrame builds a complete Ethernet frame.
func BuildEthernetFrame(dstMAC, srcMAC net.HardwareAddr, etherType uint16, payload []byte) []byte {
	buf := pktbuf.New(EthernetHeaderLen + len(payload))
	AppendEthernetHeader(buf, dstMAC, srcMAC, etherType)
	buf.Append(payload...)
	return buf.Bytes()
}

// BuildDiscovery builds a PPPoE discovery frame.
func BuildDiscovery(dstMAC, srcMAC net.HardwareAddr, code uint8, sessionID uint16, tags []Tag) []byte {
	buf := pktbuf.New(64)
	AppendEthernetHeader(buf, dstMAC, srcMAC, EtherTypePPPoEDiscovery)
	hdr := PPPoEHeader{VerType: PPPoEVerType, Code: code, SessionID: sessionID}
	hdr.Append(buf)
	AppendTags(buf, tags)
	buf.PutUint16At(EthernetHeaderLen+4, uint16(buf.Len()-EthernetHeaderLen-PPPoEHeaderLen))
	return buf.Bytes()
}

// BuildSession builds a PPPoE session frame around a PPP frame that starts
// with the protocol field (no address/control bytes).
func BuildSession(dstMAC, srcMAC net.HardwareAddr, sessionID uint16, ppp []byte) []byte {
	buf := pktbuf.New(EthernetHeaderLen + PPPoEHeaderLen + len(ppp))
	AppendEthernetHeader(buf, dstMAC, srcMAC, EtherTypePPPoESession)
	hdr := PPPoEHeader{VerType: PPPoEVerType, Code: CodeSession, SessionID: sessionID, Length: uint16(len(ppp))}
	hdr.Append(buf)
	buf.Append(ppp...)
	return buf.Bytes()
}

// ParsePPPoE splits an Ethernet frame carrying PPPoE into source MAC,
// header and payload trimmed to the header length.
func ParsePPPoE(frame []byte) (net.HardwareAddr, *PPPoEHeader, []byte, error) {
	if len(frame) < EthernetHeaderLen+PPPoEHeaderLen {
		return nil, nil, nil, ErrFrameTooShort
	}
	hdr, err := ParsePPPoEHeader(frame[EthernetHeaderLen:])
	if err != nil {
		return nil, nil, nil, err
	}
	payload := frame[EthernetHeaderLen+PPPoEHeaderLen:]
	if int(hdr.Length) > len(payload) {
		return nil, nil, nil, fmt.Errorf("PPPoE length %d exceeds frame: %w", hdr.Length, ErrFrameTooShort)
	}
	return net.HardwareAddr(frame[6:12]), hdr, payload[:hdr.Length], nil
}
