package ppp

import (
	"encoding/binary"
	"fmt"

	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
)

// IPX header constants
const (
	IPXHeaderLen   = 30
	IPXSocketEcho  = 0x0002
	IPXTypeEcho    = 2
	IPXNoChecksum  = 0xFFFF
	ipxEchoRequest = 0x0001
)

// Node is a 48-bit IPX node number.
type Node [6]byte

var (
	NullNode      = Node{}
	BroadcastNode = Node{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func (n Node) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", n[0], n[1], n[2], n[3], n[4], n[5])
}

func (n Node) uint64() uint64 {
	var b [8]byte
	copy(b[2:], n[:])
	return binary.BigEndian.Uint64(b[:])
}

func nodeFromUint64(v uint64) Node {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v&0xFFFFFFFFFFFF)
	var n Node
	copy(n[:], b[2:])
	return n
}

// ValidNode reports whether n may be given to a guest.
func ValidNode(n, server Node) bool {
	return n != NullNode && n != BroadcastNode && n != server
}

// NextNode returns the next node number after n that ValidNode accepts.
func NextNode(n, server Node) Node {
	v := n.uint64()
	for {
		v = (v + 1) & 0xFFFFFFFFFFFF
		if next := nodeFromUint64(v); ValidNode(next, server) {
			return next
		}
	}
}

// ValidNetwork reports whether an IPX network number is assignable.
func ValidNetwork(n uint32) bool {
	return n != 0 && n != 0xFFFFFFFF
}

// IPXAddr is a full IPX address.
type IPXAddr struct {
	Network uint32
	Node    Node
	Socket  uint16
}

// IPXHeader is the fixed 30-octet IPX header.
type IPXHeader struct {
	Checksum   uint16
	Length     uint16
	Hops       uint8
	PacketType uint8
	Dst        IPXAddr
	Src        IPXAddr
}

// ParseIPXHeader parses the header of an IPX packet.
func ParseIPXHeader(data []byte) (*IPXHeader, error) {
	if len(data) < IPXHeaderLen {
		return nil, fmt.Errorf("IPX header: %w", ErrPacketTooShort)
	}
	h := &IPXHeader{
		Checksum:   binary.BigEndian.Uint16(data[0:2]),
		Length:     binary.BigEndian.Uint16(data[2:4]),
		Hops:       data[4],
		PacketType: data[5],
	}
	h.Dst = parseIPXAddr(data[6:18])
	h.Src = parseIPXAddr(data[18:30])
	return h, nil
}

func parseIPXAddr(b []byte) IPXAddr {
	var a IPXAddr
	a.Network = binary.BigEndian.Uint32(b[0:4])
	copy(a.Node[:], b[4:10])
	a.Socket = binary.BigEndian.Uint16(b[10:12])
	return a
}

func appendIPXAddr(dst *pktbuf.Buffer, a IPXAddr) {
	dst.AppendUint32(a.Network)
	dst.Append(a.Node[:]...)
	dst.AppendUint16(a.Socket)
}

// Append writes the header to dst.
func (h *IPXHeader) Append(dst *pktbuf.Buffer) {
	dst.AppendUint16(h.Checksum)
	dst.AppendUint16(h.Length)
	dst.Append(h.Hops, h.PacketType)
	appendIPXAddr(dst, h.Dst)
	appendIPXAddr(dst, h.Src)
}

// BuildEchoProbe builds an IPX echo request addressed to dst.
func BuildEchoProbe(dst, src IPXAddr) []byte {
	dst.Socket = IPXSocketEcho
	src.Socket = IPXSocketEcho
	h := IPXHeader{
		Checksum:   IPXNoChecksum,
		Length:     IPXHeaderLen + 2,
		PacketType: IPXTypeEcho,
		Dst:        dst,
		Src:        src,
	}
	buf := pktbuf.New(IPXHeaderLen + 2)
	h.Append(buf)
	buf.AppendUint16(ipxEchoRequest)
	return buf.Bytes()
}
