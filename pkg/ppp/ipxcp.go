package ppp

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// ProbeStatus tracks the node collision check of IPXCP.
type ProbeStatus int

const (
	ProbeIdle ProbeStatus = iota
	ProbeProbing
	ProbeCollision
	ProbeCommitted
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeIdle:
		return "idle"
	case ProbeProbing:
		return "probing"
	case ProbeCollision:
		return "collision"
	case ProbeCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// IPXCPAddrs are the IPX parameters negotiated for one direction.
type IPXCPAddrs struct {
	Network uint32
	Node    Node
}

// IPXCP negotiates the IPX network and node numbers. Before a node number
// proposed by the guest is accepted, an IPX echo probe is broadcast on the
// LAN; a reply within the probe timeout means the node is taken.
type IPXCP struct {
	ncp
	negotiated [2]IPXCPAddrs
	offer      IPXCPAddrs
	dropped    map[uint8]bool

	status       ProbeStatus
	echo         IPXCPAddrs // candidate under probe
	probeElapsed time.Duration
	held         *Packet // guest request waiting for the probe
}

func newIPXCP(l *Link) *IPXCP {
	x := &IPXCP{
		ncp: newNCP(l, "IPXCP", ProtocolIPXCP, l.cfg.EnableIPXCP),
	}
	x.reset()
	return x
}

// Negotiated returns the addresses in force for one direction.
func (x *IPXCP) Negotiated(dir Direction) IPXCPAddrs { return x.negotiated[dir] }

// Status returns the collision probe status.
func (x *IPXCP) Status() ProbeStatus { return x.status }

func (x *IPXCP) reset() {
	x.resetPhases()
	x.negotiated = [2]IPXCPAddrs{}
	x.offer = IPXCPAddrs{Network: x.link.cfg.IPXNetwork, Node: x.link.cfg.ServerNode}
	x.dropped = make(map[uint8]bool)
	x.status = ProbeIdle
	x.echo = IPXCPAddrs{}
	x.probeElapsed = 0
	x.held = nil
}

func (x *IPXCP) setStatus(s ProbeStatus) {
	if x.status == s {
		return
	}
	x.logger.Debug("IPXCP probe status change",
		zap.String("from", x.status.String()),
		zap.String("to", s.String()),
		zap.String("node", x.echo.Node.String()),
	)
	x.status = s
}

func (x *IPXCP) tick(dt time.Duration) {
	if x.status == ProbeProbing {
		x.probeElapsed += dt
		if x.probeElapsed >= x.link.cfg.ProbeTimeout {
			x.setStatus(ProbeCommitted)
		}
	}
	if x.held != nil && x.status != ProbeProbing && !x.link.sender.Busy() {
		pkt := x.held
		x.held = nil
		x.receiveConfigureRequest(pkt)
		return
	}

	if x.requestDue(dt) {
		x.sendConfigureRequest()
	}
}

func (x *IPXCP) sendConfigureRequest() {
	var opts []Option
	if !x.dropped[IPXCPOptNetwork] {
		opts = append(opts, uint32Option(IPXCPOptNetwork, x.offer.Network))
	}
	if !x.dropped[IPXCPOptNode] {
		opts = append(opts, Option{Type: IPXCPOptNode, Data: append([]byte(nil), x.offer.Node[:]...)})
	}
	x.sendRequest(opts)
}

// observe records an IPX source seen on the LAN while probing.
func (x *IPXCP) observe(network uint32, node Node) {
	if x.status != ProbeProbing || node != x.echo.Node {
		return
	}
	x.logger.Info("IPX node collision detected",
		zap.String("node", node.String()),
		zap.Uint32("network", network),
	)
	x.setStatus(ProbeCollision)
}

func (x *IPXCP) receive(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		x.logger.Debug("Malformed IPXCP packet", zap.Error(err))
		return
	}
	if x.receiveCommon(pkt, x.reset) {
		return
	}

	switch pkt.Code {
	case CodeConfigRequest:
		if x.status == ProbeProbing {
			// the retransmission replaces the held request
			x.held = pkt
			return
		}
		x.receiveConfigureRequest(pkt)
	case CodeConfigAck:
		if !x.answersRequest(pkt) {
			return
		}
		x.negotiated[Send] = x.offer
		x.timer.stop()
		x.setPhase(Send, Open)
	case CodeConfigNak:
		if !x.answersRequest(pkt) {
			return
		}
		opts, err := ParseOptions(pkt.Data)
		if err != nil {
			return
		}
		for _, opt := range opts {
			switch {
			case opt.Type == IPXCPOptNetwork && len(opt.Data) == 4:
				if n := binary.BigEndian.Uint32(opt.Data); ValidNetwork(n) {
					x.offer.Network = n
				}
			case opt.Type == IPXCPOptNode && len(opt.Data) == 6:
				var n Node
				copy(n[:], opt.Data)
				if n != NullNode && n != BroadcastNode {
					x.offer.Node = n
				}
			}
		}
		x.sendConfigureRequest()
	case CodeConfigReject:
		if !x.answersRequest(pkt) {
			return
		}
		opts, _ := ParseOptions(pkt.Data)
		for _, opt := range opts {
			x.dropped[opt.Type] = true
		}
		x.sendConfigureRequest()
	}
}

func (x *IPXCP) receiveConfigureRequest(pkt *Packet) {
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		x.logger.Debug("Malformed IPXCP options", zap.Error(err))
		return
	}

	if x.phase[Recv] == Open {
		x.setPhase(Recv, Closed)
	}

	req := IPXCPAddrs{Network: x.link.cfg.IPXNetwork}
	var nodeOpt *Option
	var rb replyBuilder
	for i, opt := range opts {
		var check Check
		switch opt.Type {
		case IPXCPOptNetwork:
			check = x.checkNetwork(opt, &req)
		case IPXCPOptNode:
			// checked last, the probe needs the network number
			nodeOpt = &opts[i]
			continue
		case IPXCPOptRouting:
			check = checkRouting(opt)
		default:
			check = reject()
		}
		rb.add(opt, check)
	}

	if nodeOpt != nil {
		check, hold := x.checkNode(*nodeOpt, &req)
		if hold {
			x.held = pkt
			return
		}
		rb.add(*nodeOpt, check)
	}

	x.send(rb.reply(pkt.Identifier, pkt.Data))
	if !rb.acked() {
		x.setPhase(Recv, ReqSent)
		return
	}
	x.negotiated[Recv] = req
	x.setPhase(Recv, Open)
	x.logger.Info("IPXCP guest address",
		zap.Uint32("network", req.Network),
		zap.String("node", req.Node.String()),
	)
}

func (x *IPXCP) checkNetwork(opt Option, req *IPXCPAddrs) Check {
	configured := x.link.cfg.IPXNetwork
	if len(opt.Data) != 4 {
		return reject()
	}
	n := binary.BigEndian.Uint32(opt.Data)
	if n != configured {
		return nak(uint32Option(IPXCPOptNetwork, configured))
	}
	req.Network = n
	return accept()
}

func checkRouting(opt Option) Check {
	if len(opt.Data) != 2 {
		return reject()
	}
	if binary.BigEndian.Uint16(opt.Data) != 0 {
		return nak(uint16Option(IPXCPOptRouting, 0))
	}
	return accept()
}

// checkNode checks the proposed node. hold is true while a collision probe
// for it is outstanding; the request is answered once the probe ends.
func (x *IPXCP) checkNode(opt Option, req *IPXCPAddrs) (check Check, hold bool) {
	if len(opt.Data) != 6 {
		return reject(), false
	}
	var n Node
	copy(n[:], opt.Data)
	server := x.link.cfg.ServerNode

	if n == NullNode {
		return nak(nodeOption(x.link.nodeHint)), false
	}
	if !ValidNode(n, server) {
		return nak(nodeOption(NextNode(n, server))), false
	}

	if n == x.echo.Node {
		switch x.status {
		case ProbeCommitted:
			req.Node = n
			return accept(), false
		case ProbeProbing:
			return Check{}, true
		case ProbeCollision:
			x.setStatus(ProbeIdle)
			return nak(nodeOption(NextNode(n, server))), false
		}
	}

	if x.link.hooks.NodeInUse != nil && x.link.hooks.NodeInUse(n) {
		x.logger.Debug("IPX node held by another session", zap.String("node", n.String()))
		return nak(nodeOption(NextNode(n, server))), false
	}
	if x.link.hooks.SendIPXProbe == nil {
		req.Node = n
		return accept(), false
	}

	x.echo = IPXCPAddrs{Network: req.Network, Node: n}
	x.probeElapsed = 0
	x.setStatus(ProbeProbing)
	x.link.hooks.SendIPXProbe(req.Network, n)
	return Check{}, true
}

func nodeOption(n Node) Option {
	return Option{Type: IPXCPOptNode, Data: append([]byte(nil), n[:]...)}
}
