package relay

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// Kind is the class of a received frame.
type Kind int

const (
	KindOther Kind = iota
	KindIPv4
	KindARP
	KindIPX
	KindPPPoEDiscovery
	KindPPPoESession
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindARP:
		return "arp"
	case KindIPX:
		return "ipx"
	case KindPPPoEDiscovery:
		return "pppoe_discovery"
	case KindPPPoESession:
		return "pppoe_session"
	default:
		return "other"
	}
}

// Inbound is a frame from the LAN decoded far enough to pick its session.
type Inbound struct {
	Kind   Kind
	Frame  []byte
	DstMAC net.HardwareAddr
	SrcMAC net.HardwareAddr

	// Payload is the IPv4 or IPX packet without padding, or the PPPoE
	// payload trimmed to the header length.
	Payload []byte

	IPv4  *layers.IPv4
	ARP   *layers.ARP
	IPX   *ppp.IPXHeader
	PPPoE *framing.PPPoEHeader
	Tags  []framing.Tag
}

// Decode classifies an Ethernet frame. Frames of unknown type decode as
// KindOther; only a truncated Ethernet header is an error.
func Decode(frame []byte) (*Inbound, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode Ethernet: %w", err)
	}
	in := &Inbound{
		Kind:   KindOther,
		Frame:  frame,
		DstMAC: eth.DstMAC,
		SrcMAC: eth.SrcMAC,
	}

	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		ip4 := &layers.IPv4{}
		if err := ip4.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return in, nil
		}
		if int(ip4.Length) > len(eth.Payload) || int(ip4.Length) < 20 {
			return in, nil
		}
		in.Kind = KindIPv4
		in.IPv4 = ip4
		in.Payload = eth.Payload[:ip4.Length]
	case layers.EthernetTypeARP:
		arp := &layers.ARP{}
		if err := arp.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return in, nil
		}
		in.Kind = KindARP
		in.ARP = arp
		in.Payload = eth.Payload
	case layers.EthernetTypePPPoEDiscovery, layers.EthernetTypePPPoESession:
		_, hdr, payload, err := framing.ParsePPPoE(frame)
		if err != nil {
			return in, nil
		}
		in.PPPoE = hdr
		in.Payload = payload
		if eth.EthernetType == layers.EthernetTypePPPoESession {
			in.Kind = KindPPPoESession
			break
		}
		tags, err := framing.ParseTags(payload)
		if err != nil {
			return in, nil
		}
		in.Kind = KindPPPoEDiscovery
		in.Tags = tags
	default:
		ipx, err := UnwrapIPX(&eth)
		if err != nil {
			return in, nil
		}
		h, err := ppp.ParseIPXHeader(ipx)
		if err != nil {
			return in, nil
		}
		in.Kind = KindIPX
		in.IPX = h
		in.Payload = ipx
	}
	return in, nil
}

// Filter is a snapshot of the frames one session accepts. The capture
// thread only ever reads filters; the poll context replaces them.
type Filter struct {
	// MAC is the address frames for the session arrive on: the server's
	// MAC, or the guest's own in raw Ethernet mode.
	MAC net.HardwareAddr
	Raw bool

	IP   net.IP
	Mask net.IPMask

	IPX        bool
	IPXNetwork uint32
	IPXNode    ppp.Node

	PPPoE        bool
	HostUniq     []byte
	PPPoESession uint16
	ACMAC        net.HardwareAddr
}

func isBroadcastMAC(mac net.HardwareAddr) bool {
	return bytes.Equal(mac, layers.EthernetBroadcast)
}

func isMulticastMAC(mac net.HardwareAddr) bool {
	return len(mac) == 6 && mac[0]&0x01 != 0
}

// Accept reports whether the session claims in.
func (f *Filter) Accept(in *Inbound) bool {
	if f.Raw {
		if f.MAC == nil {
			return isBroadcastMAC(in.DstMAC)
		}
		return bytes.Equal(in.DstMAC, f.MAC) || isMulticastMAC(in.DstMAC)
	}

	toUs := bytes.Equal(in.DstMAC, f.MAC)
	switch in.Kind {
	case KindIPv4:
		if f.IP == nil || !(toUs || isBroadcastMAC(in.DstMAC)) {
			return false
		}
		dst := in.IPv4.DstIP
		if dst.Equal(f.IP) || dst.Equal(net.IPv4bcast) {
			return true
		}
		return f.Mask != nil && dst.Mask(f.Mask).Equal(f.IP.Mask(f.Mask)) && isSubnetBroadcast(dst.To4(), f.Mask)
	case KindARP:
		return f.IP != nil && len(in.ARP.DstProtAddress) == 4 && net.IP(in.ARP.DstProtAddress).Equal(f.IP)
	case KindIPX:
		if !f.IPX || f.IPXNode == ppp.NullNode {
			return false
		}
		dst := in.IPX.Dst
		if dst.Network != 0 && dst.Network != f.IPXNetwork {
			return false
		}
		return dst.Node == f.IPXNode || dst.Node == ppp.BroadcastNode
	case KindPPPoEDiscovery:
		if !f.PPPoE || !toUs {
			return false
		}
		if in.PPPoE.Code == framing.CodePADT {
			return f.PPPoESession != 0 && in.PPPoE.SessionID == f.PPPoESession && bytes.Equal(in.SrcMAC, f.ACMAC)
		}
		if f.PPPoESession != 0 {
			return false
		}
		hu := framing.FindTag(in.Tags, framing.TagHostUniq)
		return hu != nil && bytes.Equal(hu.Value, f.HostUniq)
	case KindPPPoESession:
		return f.PPPoE && f.PPPoESession != 0 && toUs &&
			in.PPPoE.SessionID == f.PPPoESession && bytes.Equal(in.SrcMAC, f.ACMAC)
	}
	return false
}
