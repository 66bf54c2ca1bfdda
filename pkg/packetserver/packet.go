package packetserver

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// startPacket enters packet transfer in the selected mode.
func (s *Session) startPacket() {
	cfg := &s.server.cfg
	s.setStage(StagePacket)
	s.logger.Info("Packet transfer started", zap.String("mode", s.mode.String()))

	s.relay = relay.New(relay.Config{
		LocalMAC:   cfg.MAC,
		GatewayIP:  cfg.Gateway,
		GatewayMAC: cfg.GatewayMAC,
		IPXFrame:   cfg.IPXFrame,
		OnARP:      s.server.recorder.ARP,
	}, s.server.out, s.logger)

	switch s.mode {
	case ModeSLIP:
		s.relay.SetAddress(s.ip, cfg.mask())
	case ModePPP:
		if err := s.startLink(); err != nil {
			s.logger.Error("Failed to start PPP", zap.Error(err))
			s.teardown("error")
		}
	case ModePPPoE:
		s.pppoe = newPPPoEClient(s)
		s.pppoe.start()
	}
}

func (s *Session) startLink() error {
	cfg := &s.server.cfg

	pcfg := ppp.DefaultConfig()
	pcfg.RequireAuth = s.requireAuth
	pcfg.Credentials = cfg.Credentials
	pcfg.PAPClient = cfg.PAPClient
	if cfg.RemoteAuth != nil {
		pcfg.RemoteAuth = cfg.RemoteAuth(s.Slot, s.conn.Peer())
	}
	pcfg.DefaultIP = s.ip
	pcfg.ServerIP = cfg.ServerIP
	pcfg.DNS = cfg.DNS
	pcfg.NBNS = cfg.NBNS
	pcfg.SubnetMask = cfg.SubnetMask
	pcfg.EnableIPXCP = cfg.EnableIPX
	pcfg.IPXNetwork = cfg.IPXNetwork
	pcfg.ServerNode = cfg.ServerNode

	hooks := ppp.Hooks{
		SendIPXProbe: s.sendProbe,
		NodeInUse: func(n ppp.Node) bool {
			return s.server.nodeInUse(n, s)
		},
		OnAuth: func(method, _ string, ok bool) {
			result := "ok"
			if !ok {
				result = "fail"
			}
			s.server.recorder.Auth(method, result)
		},
		OnOpen: s.onOpen,
	}

	link, err := ppp.NewLink(pcfg, s, hooks, s.logger)
	if err != nil {
		return err
	}
	s.link = link
	if cfg.EnableIPX {
		link.SetNodeHint(s.server.freeNode(s))
	}
	link.Start()
	return nil
}

func (s *Session) onOpen(protocol string, dir ppp.Direction) {
	s.server.recorder.Negotiation(protocol, "opened")
	if protocol != "IPCP" || dir != ppp.Recv {
		return
	}
	ip := s.link.IPCP().Negotiated(ppp.Recv).IP
	if ip == nil {
		return
	}
	s.ip = ip
	s.relay.SetAddress(ip, s.server.cfg.mask())
	s.logger.Info("IPv4 address assigned", zap.String("ip", ip.String()))
}

// sendProbe broadcasts the IPXCP collision probe for node.
func (s *Session) sendProbe(network uint32, node ppp.Node) {
	cfg := &s.server.cfg
	s.probeNet = network
	s.server.watchNode(s.Slot, node)
	probe := ppp.BuildEchoProbe(
		ppp.IPXAddr{Network: network, Node: node},
		ppp.IPXAddr{Network: cfg.IPXNetwork, Node: cfg.ServerNode},
	)
	if err := s.relay.SendIPX(probe); err != nil {
		s.logger.Warn("Failed to send IPX probe", zap.Error(err))
	}
}

func (s *Session) pollPacket(dt time.Duration) {
	for _, arp := range s.arps {
		if err := s.relay.HandleARP(arp); err != nil {
			s.logger.Debug("ARP handling failed", zap.Error(err))
		}
	}
	s.arps = s.arps[:0]

	if s.probeHit && s.link != nil {
		s.probeHit = false
		_, node := s.server.watchedNode(s.Slot)
		s.link.ObserveIPX(s.probeNet, node)
	}

	s.readPackets()
	if s.stage != StagePacket {
		return
	}

	switch s.mode {
	case ModePPP:
		s.link.Tick(dt)
	case ModePPPoE:
		s.pppoe.tick(dt)
	}
	if err := s.relay.Tick(dt); err != nil {
		s.logger.Debug("Relay flush failed", zap.Error(err))
	}
	s.deliverInbound()
}

// readPackets consumes guest bytes until the mailbox fills or the input
// runs dry. A frame that produces a reply leaves the rest of the input for
// the next tick.
func (s *Session) readPackets() {
	for s.stage == StagePacket && !s.Busy() {
		c, ok := s.nextByte()
		if !ok {
			return
		}
		var frame []byte
		var err error
		if s.mode.slipFramed() {
			frame, err = s.slip.Feed(c)
		} else {
			frame, err = s.hdlc.Feed(c)
		}
		if err != nil {
			s.discard(err)
			continue
		}
		if frame != nil {
			s.guestFrame(frame)
		}
	}
}

func (s *Session) discard(err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, framing.ErrBadFCS):
		reason = "fcs"
	case errors.Is(err, framing.ErrFrameTooLong):
		reason = "too_long"
	case errors.Is(err, framing.ErrFrameTooShort):
		reason = "too_short"
	}
	s.logger.Debug("Guest frame discarded", zap.String("reason", reason), zap.Error(err))
	s.server.recorder.Discard(reason)
}

// guestFrame handles one decoded frame from the guest.
func (s *Session) guestFrame(frame []byte) {
	rec := s.server.recorder
	switch s.mode {
	case ModeSLIP:
		rec.Frame("guest", "ipv4")
		if err := s.relay.SendIPv4(frame); err != nil {
			s.relayError(err)
		}
	case ModeIPXSLIP:
		if _, err := ppp.ParseIPXHeader(frame); err != nil {
			s.discard(err)
			return
		}
		rec.Frame("guest", "ipx")
		if err := s.relay.SendIPX(frame); err != nil {
			s.relayError(err)
		}
	case ModeEther:
		if len(frame) < framing.EthernetHeaderLen {
			s.discard(framing.ErrFrameTooShort)
			return
		}
		if s.guestMAC == nil {
			s.guestMAC = append([]byte(nil), frame[6:12]...)
			s.logger.Info("Guest MAC learned", zap.String("mac", s.guestMAC.String()))
		}
		rec.Frame("guest", "ethernet")
		if err := s.server.out.SendFrame(frame); err != nil {
			s.relayError(err)
		}
	case ModePPP:
		proto, payload, err := framing.ParsePPPFrame(frame)
		if err != nil {
			s.discard(err)
			return
		}
		if !s.link.Input(proto, payload) {
			return
		}
		switch proto {
		case ppp.ProtocolIP:
			rec.Frame("guest", "ipv4")
			err = s.relay.SendIPv4(payload)
		case ppp.ProtocolIPX:
			rec.Frame("guest", "ipx")
			err = s.relay.SendIPX(payload)
		}
		if err != nil {
			s.relayError(err)
		}
	case ModePPPoE:
		s.pppoe.fromGuest(frame)
	}
}

func (s *Session) relayError(err error) {
	s.logger.Debug("Relay failed", zap.Error(err))
	s.server.recorder.Discard("relay")
}

// deliverInbound passes the claimed LAN frame to the guest once the
// mailbox is free.
func (s *Session) deliverInbound() {
	in := s.inbound
	if in == nil || s.Busy() {
		return
	}
	s.inbound = nil
	s.server.recorder.Frame("lan", in.Kind.String())

	switch s.mode {
	case ModeSLIP:
		if in.Kind == relay.KindIPv4 {
			s.sendSLIP(in.Payload)
		}
	case ModeIPXSLIP:
		if in.Kind == relay.KindIPX {
			s.sendSLIP(in.Payload)
		}
	case ModeEther:
		s.sendSLIP(in.Frame)
	case ModePPP:
		switch {
		case in.Kind == relay.KindIPv4 && s.link.IPOpen():
			s.SendPPP(ppp.ProtocolIP, in.Payload)
		case in.Kind == relay.KindIPX && s.link.IPXOpen():
			s.SendPPP(ppp.ProtocolIPX, in.Payload)
		}
	case ModePPPoE:
		s.pppoe.fromLAN(in)
	}
}

// filter describes the LAN frames this session accepts.
func (s *Session) filter() (relay.Filter, bool) {
	cfg := &s.server.cfg
	f := relay.Filter{MAC: cfg.MAC}
	if s.stage != StagePacket {
		return f, false
	}
	switch s.mode {
	case ModeSLIP:
		f.IP = s.relay.Address()
		f.Mask = cfg.mask()
	case ModeIPXSLIP:
		f.IPX = true
		f.IPXNetwork = cfg.IPXNetwork
		f.IPXNode = s.ipxNode
	case ModeEther:
		f.Raw = true
		f.MAC = s.guestMAC
	case ModePPP:
		if s.link.IPOpen() {
			f.IP = s.relay.Address()
			f.Mask = cfg.mask()
		}
		if s.link.IPXOpen() {
			f.IPX = true
			f.IPXNetwork, f.IPXNode = s.link.GuestIPX()
		}
	case ModePPPoE:
		s.pppoe.filter(&f)
	}
	return f, true
}

// guestNode returns the IPX node the session's guest uses, if any.
func (s *Session) guestNode() (ppp.Node, bool) {
	switch {
	case s.mode == ModeIPXSLIP:
		return s.ipxNode, s.ipxNode != ppp.NullNode
	case s.link != nil:
		_, n := s.link.GuestIPX()
		return n, n != ppp.NullNode
	}
	return ppp.NullNode, false
}
