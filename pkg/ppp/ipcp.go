package ppp

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// IPCPAddrs are the IPv4 parameters negotiated for one direction.
type IPCPAddrs struct {
	IP            net.IP
	PrimaryDNS    net.IP
	PrimaryNBNS   net.IP
	SecondaryDNS  net.IP
	SecondaryNBNS net.IP
	SubnetMask    net.IP
}

// IPCP negotiates IPv4 parameters. A guest asking for the all-zero address
// is offered the configured value, or refused when there is none.
type IPCP struct {
	ncp
	negotiated [2]IPCPAddrs
	offer      net.IP
	dropAddr   bool
}

func newIPCP(l *Link) *IPCP {
	return &IPCP{
		ncp:   newNCP(l, "IPCP", ProtocolIPCP, l.cfg.EnableIPCP),
		offer: l.cfg.ServerIP,
	}
}

// Negotiated returns the addresses in force for one direction.
func (c *IPCP) Negotiated(dir Direction) IPCPAddrs { return c.negotiated[dir] }

func (c *IPCP) reset() {
	c.resetPhases()
	c.negotiated = [2]IPCPAddrs{}
	c.offer = c.link.cfg.ServerIP
	c.dropAddr = false
}

func (c *IPCP) tick(dt time.Duration) {
	if c.requestDue(dt) {
		c.sendConfigureRequest()
	}
}

func (c *IPCP) sendConfigureRequest() {
	var opts []Option
	if !c.dropAddr && c.offer != nil {
		opts = append(opts, addrOption(IPCPOptIPAddress, c.offer))
	}
	c.sendRequest(opts)
}

func (c *IPCP) receive(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		c.logger.Debug("Malformed IPCP packet", zap.Error(err))
		return
	}
	if c.receiveCommon(pkt, c.reset) {
		return
	}

	switch pkt.Code {
	case CodeConfigRequest:
		c.receiveConfigureRequest(pkt)
	case CodeConfigAck:
		if !c.answersRequest(pkt) {
			return
		}
		c.negotiated[Send].IP = c.offer
		c.timer.stop()
		c.setPhase(Send, Open)
	case CodeConfigNak:
		if !c.answersRequest(pkt) {
			return
		}
		opts, err := ParseOptions(pkt.Data)
		if err != nil {
			return
		}
		for _, opt := range opts {
			if opt.Type == IPCPOptIPAddress && len(opt.Data) == 4 && !net.IP(opt.Data).IsUnspecified() {
				c.offer = net.IP(opt.Data).To4()
			}
		}
		c.sendConfigureRequest()
	case CodeConfigReject:
		if !c.answersRequest(pkt) {
			return
		}
		opts, _ := ParseOptions(pkt.Data)
		for _, opt := range opts {
			if opt.Type == IPCPOptIPAddress {
				c.dropAddr = true
			}
		}
		c.sendConfigureRequest()
	}
}

func (c *IPCP) receiveConfigureRequest(pkt *Packet) {
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		c.logger.Debug("Malformed IPCP options", zap.Error(err))
		return
	}

	if c.phase[Recv] == Open {
		c.setPhase(Recv, Closed)
	}

	cfg := c.link.cfg
	var req IPCPAddrs
	var rb replyBuilder
	for _, opt := range opts {
		var check Check
		switch opt.Type {
		case IPCPOptIPAddress:
			check = checkAddr(opt, c.link.AssignedIP(), &req.IP)
		case IPCPOptPrimaryDNS:
			check = checkAddr(opt, cfg.DNS[0], &req.PrimaryDNS)
		case IPCPOptSecondaryDNS:
			check = checkAddr(opt, cfg.DNS[1], &req.SecondaryDNS)
		case IPCPOptPrimaryNBNS:
			check = checkAddr(opt, cfg.NBNS[0], &req.PrimaryNBNS)
		case IPCPOptSecondaryNBNS:
			check = checkAddr(opt, cfg.NBNS[1], &req.SecondaryNBNS)
		case IPCPOptSubnetMask:
			check = checkAddr(opt, cfg.SubnetMask, &req.SubnetMask)
		default:
			check = reject()
		}
		rb.add(opt, check)
	}
	c.send(rb.reply(pkt.Identifier, pkt.Data))

	if !rb.acked() {
		c.setPhase(Recv, ReqSent)
		return
	}
	c.negotiated[Recv] = req
	c.setPhase(Recv, Open)
	if req.IP != nil {
		c.logger.Info("IPCP guest address", zap.String("ip", req.IP.String()))
	}
}

// checkAddr checks a 4-octet address option against the configured value.
// Zero asks for the configured value. A different address is corrected.
func checkAddr(opt Option, configured net.IP, dst *net.IP) Check {
	if len(opt.Data) != 4 {
		return reject()
	}
	proposed := net.IP(opt.Data).To4()
	configured = configured.To4()

	if proposed.IsUnspecified() {
		if configured == nil {
			return reject()
		}
		return nak(addrOption(opt.Type, configured))
	}
	if configured != nil && !proposed.Equal(configured) {
		return nak(addrOption(opt.Type, configured))
	}
	*dst = proposed
	return accept()
}

func addrOption(t uint8, ip net.IP) Option {
	return Option{Type: t, Data: append([]byte(nil), ip.To4()...)}
}
