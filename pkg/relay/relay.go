// Package relay moves decoded guest packets onto the Ethernet and decides
// which received frames belong to a session.
package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

var (
	ErrNoRoute   = errors.New("relay: no route to destination")
	ErrNoAddress = errors.New("relay: session has no address")
)

// FrameSender transmits a complete Ethernet frame.
type FrameSender interface {
	SendFrame(frame []byte) error
}

// Config is the LAN side of a session.
type Config struct {
	LocalMAC   net.HardwareAddr
	GatewayIP  net.IP
	GatewayMAC net.HardwareAddr
	IPXFrame   IPXFrame

	// OnARP is told the outcome of every resolution: "resolved" or "timeout".
	OnARP func(result string)
}

// Relay forwards one session's outbound traffic. IPv4 goes to the next hop
// resolved through the session's ARP cache; a packet sent while resolution
// is pending is held, newer packets replacing older ones, and flushed once
// the address is known.
type Relay struct {
	cfg    Config
	out    FrameSender
	logger *zap.Logger

	ip   net.IP
	mask net.IPMask
	arp  *ARPCache
	held []byte
}

// New creates a relay sending through out.
func New(cfg Config, out FrameSender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:    cfg,
		out:    out,
		logger: logger,
		arp:    NewARPCache(cfg.GatewayMAC),
	}
}

// SetAddress sets the guest's IPv4 address and subnet mask.
func (r *Relay) SetAddress(ip net.IP, mask net.IPMask) {
	r.ip = ip.To4()
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	r.mask = mask
}

// Address returns the guest's IPv4 address.
func (r *Relay) Address() net.IP { return r.ip }

// ARP returns the session's ARP cache.
func (r *Relay) ARP() *ARPCache { return r.arp }

// NextHop returns where an IPv4 packet for dst is delivered on the LAN.
// Broadcast is true for limited, subnet-directed and multicast destinations.
func (r *Relay) NextHop(dst net.IP) (hop net.IP, broadcast bool, err error) {
	dst = dst.To4()
	if dst == nil {
		return nil, false, ErrNoRoute
	}
	if dst.Equal(net.IPv4bcast) || dst.IsMulticast() {
		return dst, true, nil
	}
	if r.ip != nil && r.mask != nil && dst.Mask(r.mask).Equal(r.ip.Mask(r.mask)) {
		if isSubnetBroadcast(dst, r.mask) {
			return dst, true, nil
		}
		return dst, false, nil
	}
	if r.cfg.GatewayIP == nil {
		return nil, false, ErrNoRoute
	}
	return r.cfg.GatewayIP.To4(), false, nil
}

func isSubnetBroadcast(ip net.IP, mask net.IPMask) bool {
	for i := range mask {
		if ip[i]|mask[i] != 0xff {
			return false
		}
	}
	return true
}

func multicastMAC(ip net.IP) net.HardwareAddr {
	return net.HardwareAddr{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}
}

// SendIPv4 forwards an IPv4 packet from the guest.
func (r *Relay) SendIPv4(packet []byte) error {
	if r.ip == nil {
		return ErrNoAddress
	}
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("decode IPv4: %w", err)
	}
	hop, broadcast, err := r.NextHop(ip4.DstIP)
	if err != nil {
		return err
	}

	switch {
	case broadcast && hop.IsMulticast():
		return r.sendEthernet(multicastMAC(hop), layers.EthernetTypeIPv4, packet)
	case broadcast:
		return r.sendEthernet(layers.EthernetBroadcast, layers.EthernetTypeIPv4, packet)
	}

	mac, request := r.arp.Lookup(hop)
	if mac != nil {
		return r.sendEthernet(mac, layers.EthernetTypeIPv4, packet)
	}
	r.held = append(r.held[:0], packet...)
	if !request {
		return nil
	}
	r.logger.Debug("ARP request", zap.String("target", hop.String()))
	frame, err := BuildARPRequest(r.cfg.LocalMAC, r.ip, hop)
	if err != nil {
		return err
	}
	return r.out.SendFrame(frame)
}

// SendIPX forwards an IPX packet from the guest as an Ethernet broadcast.
func (r *Relay) SendIPX(packet []byte) error {
	frame, err := WrapIPX(r.cfg.IPXFrame, r.cfg.LocalMAC, packet)
	if err != nil {
		return err
	}
	return r.out.SendFrame(frame)
}

// HandleARP processes an ARP packet seen on the LAN: replies resolve the
// cache, requests for the guest's address are answered with our MAC.
func (r *Relay) HandleARP(arp *layers.ARP) error {
	if arp.Protocol != layers.EthernetTypeIPv4 || len(arp.SourceProtAddress) != 4 || len(arp.DstProtAddress) != 4 {
		return nil
	}
	sender := net.IP(arp.SourceProtAddress)
	if arp.Operation == layers.ARPReply || arp.Operation == layers.ARPRequest {
		if r.arp.Observe(sender, net.HardwareAddr(arp.SourceHwAddress)) {
			r.report("resolved")
			if err := r.flush(); err != nil {
				return err
			}
		}
	}
	if arp.Operation != layers.ARPRequest || r.ip == nil {
		return nil
	}
	if !net.IP(arp.DstProtAddress).Equal(r.ip) || sender.Equal(r.ip) {
		return nil
	}
	reply, err := BuildARPReply(r.cfg.LocalMAC, arp)
	if err != nil {
		return err
	}
	r.logger.Debug("Proxy ARP reply", zap.String("asker", sender.String()))
	return r.out.SendFrame(reply)
}

// Tick advances the ARP timers, flushing a held packet when resolution
// falls back.
func (r *Relay) Tick(dt time.Duration) error {
	if r.arp.Tick(dt) {
		r.logger.Debug("ARP timed out, using fallback")
		r.report("timeout")
		return r.flush()
	}
	return nil
}

// Reset forgets the address, the cache and any held packet.
func (r *Relay) Reset() {
	r.ip = nil
	r.mask = nil
	r.arp = NewARPCache(r.cfg.GatewayMAC)
	r.held = nil
}

func (r *Relay) flush() error {
	if len(r.held) == 0 {
		return nil
	}
	_, mac, ok := r.arp.Resolved()
	if !ok {
		return nil
	}
	packet := r.held
	r.held = nil
	return r.sendEthernet(mac, layers.EthernetTypeIPv4, packet)
}

func (r *Relay) sendEthernet(dst net.HardwareAddr, et layers.EthernetType, payload []byte) error {
	eth := &layers.Ethernet{SrcMAC: r.cfg.LocalMAC, DstMAC: dst, EthernetType: et}
	frame, err := serialize(eth, gopacket.Payload(payload))
	if err != nil {
		return err
	}
	return r.out.SendFrame(frame)
}

func (r *Relay) report(result string) {
	if r.cfg.OnARP != nil {
		r.cfg.OnARP(result)
	}
}
