package relay

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// IPXFrame selects the Ethernet encapsulation of outbound IPX.
type IPXFrame int

const (
	FrameEthernetII IPXFrame = iota
	FrameSNAP
	FrameRaw // Novell raw 802.3
)

func (f IPXFrame) String() string {
	switch f {
	case FrameEthernetII:
		return "ethernet_ii"
	case FrameSNAP:
		return "snap"
	case FrameRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseIPXFrame parses a frame type name as written in configuration.
func ParseIPXFrame(s string) (IPXFrame, error) {
	switch strings.ToLower(s) {
	case "", "ethernet_ii", "ethernetii":
		return FrameEthernetII, nil
	case "snap":
		return FrameSNAP, nil
	case "raw", "802.3":
		return FrameRaw, nil
	}
	return 0, fmt.Errorf("unknown IPX frame type %q", s)
}

var ErrNotIPX = errors.New("relay: not an IPX frame")

var snapIPX = &layers.SNAP{
	OrganizationalCode: []byte{0, 0, 0},
	Type:               layers.EthernetType(framing.EtherTypeIPX),
}

// WrapIPX puts an IPX packet in a broadcast Ethernet frame of the given type.
func WrapIPX(frame IPXFrame, src net.HardwareAddr, ipx []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC: src,
		DstMAC: layers.EthernetBroadcast,
	}
	switch frame {
	case FrameSNAP:
		eth.EthernetType = layers.EthernetTypeLLC
		llc := &layers.LLC{DSAP: 0xaa, SSAP: 0xaa, Control: 0x03}
		return serialize(eth, llc, snapIPX, gopacket.Payload(ipx))
	case FrameRaw:
		eth.EthernetType = layers.EthernetTypeLLC
		return serialize(eth, gopacket.Payload(ipx))
	default:
		eth.EthernetType = layers.EthernetType(framing.EtherTypeIPX)
		return serialize(eth, gopacket.Payload(ipx))
	}
}

// UnwrapIPX extracts the IPX packet from the payload of a decoded Ethernet
// header, accepting any of the three encapsulations. Trailing Ethernet
// padding is trimmed using the IPX length field.
func UnwrapIPX(eth *layers.Ethernet) ([]byte, error) {
	var ipx []byte
	switch {
	case eth.EthernetType == layers.EthernetType(framing.EtherTypeIPX):
		ipx = eth.Payload
	case eth.EthernetType != layers.EthernetTypeLLC:
		return nil, ErrNotIPX
	case len(eth.Payload) >= 2 && eth.Payload[0] == 0xff && eth.Payload[1] == 0xff:
		ipx = eth.Payload
	default:
		var llc layers.LLC
		if err := llc.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, ErrNotIPX
		}
		switch {
		case llc.DSAP == 0xaa && llc.SSAP == 0xaa:
			var snap layers.SNAP
			if err := snap.DecodeFromBytes(llc.Payload, gopacket.NilDecodeFeedback); err != nil {
				return nil, ErrNotIPX
			}
			if snap.Type != layers.EthernetType(framing.EtherTypeIPX) {
				return nil, ErrNotIPX
			}
			ipx = snap.Payload
		case llc.DSAP == 0xe0 && llc.SSAP == 0xe0:
			ipx = llc.Payload
		default:
			return nil, ErrNotIPX
		}
	}

	h, err := ppp.ParseIPXHeader(ipx)
	if err != nil {
		return nil, err
	}
	if int(h.Length) < ppp.IPXHeaderLen || int(h.Length) > len(ipx) {
		return nil, fmt.Errorf("IPX length %d: %w", h.Length, ErrNotIPX)
	}
	return ipx[:h.Length], nil
}
