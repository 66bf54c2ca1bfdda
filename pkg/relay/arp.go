package relay

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ARP cache timing
const (
	ARPPendingTimeout = 500 * time.Millisecond
	ARPValidity       = 30 * time.Second
)

// ARPStatus is the state of a session's single ARP cache entry.
type ARPStatus int

const (
	ARPIdle ARPStatus = iota
	ARPPending
	ARPResolved
)

func (s ARPStatus) String() string {
	switch s {
	case ARPIdle:
		return "idle"
	case ARPPending:
		return "pending"
	case ARPResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ARPCache holds one resolution. A request left unanswered for
// ARPPendingTimeout resolves to the fallback address; a resolved entry is
// dropped after ARPValidity and probed again on next use.
type ARPCache struct {
	status   ARPStatus
	ip       net.IP
	mac      net.HardwareAddr
	fallback net.HardwareAddr
	elapsed  time.Duration
}

// NewARPCache creates an idle cache. fallback is used when a request times
// out; nil means broadcast.
func NewARPCache(fallback net.HardwareAddr) *ARPCache {
	if fallback == nil {
		fallback = layers.EthernetBroadcast
	}
	return &ARPCache{fallback: fallback}
}

// Status returns the entry status.
func (c *ARPCache) Status() ARPStatus { return c.status }

// Lookup returns the hardware address for ip when it is resolved. request
// is true when the caller must send an ARP request for ip.
func (c *ARPCache) Lookup(ip net.IP) (mac net.HardwareAddr, request bool) {
	if c.status != ARPIdle && c.ip.Equal(ip) {
		if c.status == ARPResolved {
			return c.mac, false
		}
		return nil, false
	}
	c.status = ARPPending
	c.ip = append(net.IP(nil), ip.To4()...)
	c.mac = nil
	c.elapsed = 0
	return nil, true
}

// Observe feeds an ARP reply. It reports whether the pending entry resolved.
func (c *ARPCache) Observe(ip net.IP, mac net.HardwareAddr) bool {
	if c.status != ARPPending || !c.ip.Equal(ip) {
		return false
	}
	c.status = ARPResolved
	c.mac = append(net.HardwareAddr(nil), mac...)
	c.elapsed = 0
	return true
}

// Tick advances the entry timers. It reports whether a pending request
// timed out and fell back.
func (c *ARPCache) Tick(dt time.Duration) bool {
	switch c.status {
	case ARPPending:
		c.elapsed += dt
		if c.elapsed >= ARPPendingTimeout {
			c.status = ARPResolved
			c.mac = c.fallback
			c.elapsed = 0
			return true
		}
	case ARPResolved:
		c.elapsed += dt
		if c.elapsed >= ARPValidity {
			c.status = ARPIdle
			c.elapsed = 0
		}
	}
	return false
}

// Resolved returns the entry's address and hardware address once resolved.
func (c *ARPCache) Resolved() (net.IP, net.HardwareAddr, bool) {
	if c.status != ARPResolved {
		return nil, nil, false
	}
	return c.ip, c.mac, true
}

// BuildARPRequest builds a broadcast who-has for target.
func BuildARPRequest(srcMAC net.HardwareAddr, srcIP, target net.IP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: ipv4Bytes(srcIP),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    ipv4Bytes(target),
	}
	return serialize(eth, arp)
}

// BuildARPReply answers req claiming its target address for mac.
func BuildARPReply(mac net.HardwareAddr, req *layers.ARP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       req.SourceHwAddress,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   mac,
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	return serialize(eth, arp)
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ipv4Bytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return make([]byte, 4)
}
