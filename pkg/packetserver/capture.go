package packetserver

import (
	"errors"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/capture"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// maxPendingARP bounds the ARP packets queued for one session per tick.
const maxPendingARP = 8

// slot is the part of a session the capture thread touches. It is guarded
// by Server.shared.
type slot struct {
	active  bool
	filter  relay.Filter
	claimed *relay.Inbound
	arps    []*layers.ARP

	probing   bool
	probeNode ppp.Node
	probeHit  bool
}

// frameOut sends frames on the capture interface from the poll context.
type frameOut struct {
	iface    capture.Interface
	recorder Recorder
}

// SendFrame implements relay.FrameSender.
func (o frameOut) SendFrame(frame []byte) error {
	if err := o.iface.Send(frame); err != nil {
		return err
	}
	o.recorder.Frame("lan_out", frameKind(frame))
	return nil
}

func frameKind(frame []byte) string {
	if len(frame) < 14 {
		return "other"
	}
	switch et := uint16(frame[12])<<8 | uint16(frame[13]); {
	case et == uint16(layers.EthernetTypeIPv4):
		return "ipv4"
	case et == uint16(layers.EthernetTypeARP):
		return "arp"
	case et == uint16(layers.EthernetTypePPPoEDiscovery):
		return "pppoe_discovery"
	case et == uint16(layers.EthernetTypePPPoESession):
		return "pppoe_session"
	case et == 0x8137 || et <= 1500:
		return "ipx"
	default:
		return "other"
	}
}

// capturing reports whether the capture thread should keep going.
func (s *Server) capturing() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// captureLoop drains the capture interface and hands each frame to the
// first session whose filter accepts it.
func (s *Server) captureLoop(done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, capture.MaxFrameSize)

	for s.capturing() {
		n, err := s.iface.Recv(buf)
		if err != nil {
			if errors.Is(err, capture.ErrTimeout) {
				continue
			}
			if errors.Is(err, capture.ErrClosed) {
				s.logger.Info("Capture interface closed")
				return
			}
			s.logger.Warn("Capture receive failed", zap.Error(err))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		in, err := relay.Decode(frame)
		if err != nil {
			s.recorder.Discard("runt")
			continue
		}
		s.claim(in)
	}
}

// claim delivers in to at most one session.
func (s *Server) claim(in *relay.Inbound) {
	s.shared.Lock()
	defer s.shared.Unlock()

	if in.Kind == relay.KindIPX && in.IPX != nil {
		for i := range s.slots {
			sl := &s.slots[i]
			if sl.probing && in.IPX.Src.Node == sl.probeNode {
				sl.probeHit = true
			}
		}
	}

	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.active || !sl.filter.Accept(in) {
			continue
		}
		if in.Kind == relay.KindARP && !sl.filter.Raw {
			if len(sl.arps) < maxPendingARP {
				sl.arps = append(sl.arps, in.ARP)
			}
			return
		}
		if sl.claimed != nil {
			s.recorder.Discard("slot_busy")
			return
		}
		sl.claimed = in
		return
	}
}

// takeShared moves what the capture thread left for sess into the session.
func (s *Server) takeShared(sess *Session) {
	s.shared.Lock()
	defer s.shared.Unlock()

	sl := &s.slots[sess.Slot]
	if sess.stage != StagePacket {
		sl.claimed = nil
		sl.arps = sl.arps[:0]
		sl.probeHit = false
		return
	}
	if sess.inbound == nil && sl.claimed != nil {
		sess.inbound = sl.claimed
		sl.claimed = nil
	}
	sess.arps = append(sess.arps, sl.arps...)
	sl.arps = sl.arps[:0]
	if sl.probeHit {
		sess.probeHit = true
		sl.probeHit = false
	}
}

// publish replaces the session's filter seen by the capture thread.
func (s *Server) publish(sess *Session) {
	f, active := sess.filter()
	probing := active && sess.link != nil && sess.link.IPXCP().Status() == ppp.ProbeProbing

	s.shared.Lock()
	defer s.shared.Unlock()
	sl := &s.slots[sess.Slot]
	sl.filter = f
	sl.active = active
	sl.probing = probing
}

// clearSlot forgets everything about a released slot.
func (s *Server) clearSlot(idx int) {
	s.shared.Lock()
	s.slots[idx] = slot{}
	s.shared.Unlock()
}

// watchNode starts watching the LAN for IPX traffic from node.
func (s *Server) watchNode(idx int, node ppp.Node) {
	s.shared.Lock()
	defer s.shared.Unlock()
	sl := &s.slots[idx]
	sl.probing = true
	sl.probeNode = node
	sl.probeHit = false
}

func (s *Server) watchedNode(idx int) (bool, ppp.Node) {
	s.shared.Lock()
	defer s.shared.Unlock()
	sl := &s.slots[idx]
	return sl.probing, sl.probeNode
}

// Start launches the capture thread.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("packet server already started")
	}
	s.running = true
	s.done = make(chan struct{})
	go s.captureLoop(s.done)

	s.logger.Info("Packet server started",
		zap.String("mac", s.cfg.MAC.String()),
		zap.Int("max_sessions", s.cfg.MaxSessions),
	)
	return nil
}

// Stop asks the capture thread to exit and waits up to StopTimeout. A
// thread that does not exit in time is abandoned.
func (s *Server) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	done := s.done
	s.runMu.Unlock()

	select {
	case <-done:
		s.logger.Info("Packet server stopped")
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Capture thread did not exit in time, abandoning it",
			zap.Duration("timeout", s.cfg.StopTimeout),
		)
	}
}
