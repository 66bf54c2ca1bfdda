package packetserver

import (
	"net"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// releaseDrainTimeout bounds how long a released session waits for its
// last words to reach the guest before the line is dropped.
const releaseDrainTimeout = time.Second

const maxLineLen = 64

// Session is one guest connection.
type Session struct {
	ID     string
	Slot   int
	uid    uuid.UUID
	conn   Transport
	server *Server
	logger *zap.Logger

	mode    Mode
	stage   Stage
	age     time.Duration
	elapsed time.Duration // time spent in the current stage

	// login
	line        []byte
	username    string
	verify      <-chan ppp.AuthResult
	requireAuth bool
	ip          net.IP

	// mailbox: encoded bytes of the one frame waiting for the guest
	out    pktbuf.Buffer
	outOff int

	rxBuf [512]byte
	rx    []byte
	rxOff int
	slip  framing.SLIPDecoder
	hdlc  framing.PPPDecoder

	link     *ppp.Link
	relay    *relay.Relay
	guestMAC net.HardwareAddr
	ipxNode  ppp.Node
	probeNet uint32
	pppoe    *pppoeClient

	// taken from the shared slot
	inbound  *relay.Inbound
	arps     []*layers.ARP
	probeHit bool

	outcome  string
	released bool
}

func newSession(srv *Server, slot int, conn Transport) Session {
	uid := uuid.New()
	return Session{
		ID:     uid.String(),
		Slot:   slot,
		uid:    uid,
		conn:   conn,
		server: srv,
		logger: srv.logger.With(
			zap.String("session", uid.String()),
			zap.Int("slot", slot),
		),
		stage: StageUsername,
	}
}

// Mode returns the session's link mode.
func (s *Session) Mode() Mode { return s.mode }

// Stage returns the session's stage.
func (s *Session) Stage() Stage { return s.stage }

// Busy reports whether a frame is still waiting for the guest.
func (s *Session) Busy() bool { return s.outOff < s.out.Len() }

// SendPPP queues a PPP packet for the guest. Only one frame may wait at a
// time; a packet offered while the mailbox is full is dropped and the
// negotiator's retry timer resends it.
func (s *Session) SendPPP(protocol uint16, payload []byte) {
	if s.Busy() {
		s.dropBusy("ppp")
		return
	}
	comp := framing.Compression{}
	accm := framing.DefaultACCM
	if s.link != nil {
		comp = s.link.Compression()
		accm = s.link.ACCM(protocol)
	}
	framing.EncodePPP(&s.out, framing.BuildPPPFrame(protocol, payload, comp), accm)
}

// sendHDLC queues an already built PPP frame.
func (s *Session) sendHDLC(frame []byte) {
	if s.Busy() {
		s.dropBusy("ppp")
		return
	}
	framing.EncodePPP(&s.out, frame, framing.DefaultACCM)
}

func (s *Session) sendSLIP(payload []byte) {
	if s.Busy() {
		s.dropBusy("slip")
		return
	}
	framing.EncodeSLIP(&s.out, payload)
}

func (s *Session) dropBusy(kind string) {
	s.logger.Debug("Mailbox full, dropping frame", zap.String("kind", kind))
	s.server.recorder.Discard("mailbox_full")
}

// print queues login text. Text is not subject to the single frame rule.
func (s *Session) print(text string) {
	s.out.Append([]byte(text)...)
}

// flush hands as much of the mailbox to the guest as the queue accepts.
func (s *Session) flush() {
	if !s.Busy() {
		return
	}
	n := s.conn.Write(s.out.Bytes()[s.outOff:])
	s.outOff += n
	if s.outOff >= s.out.Len() {
		s.out.Reset()
		s.outOff = 0
	}
}

// nextByte returns the next unconsumed guest byte.
func (s *Session) nextByte() (byte, bool) {
	if s.rxOff >= len(s.rx) {
		n := s.conn.Read(s.rxBuf[:])
		if n == 0 {
			s.rx, s.rxOff = nil, 0
			return 0, false
		}
		s.rx, s.rxOff = s.rxBuf[:n], 0
	}
	c := s.rx[s.rxOff]
	s.rxOff++
	return c, true
}

// unread pushes back the byte just returned by nextByte.
func (s *Session) unread() {
	if s.rxOff > 0 {
		s.rxOff--
	}
}

func (s *Session) setStage(st Stage) {
	if s.stage == st {
		return
	}
	s.logger.Debug("Stage change",
		zap.String("from", s.stage.String()),
		zap.String("to", st.String()),
	)
	s.stage = st
	s.elapsed = 0
}

// poll advances the session by dt.
func (s *Session) poll(dt time.Duration) {
	s.age += dt
	s.elapsed += dt
	if s.stage != StagePendingRelease && !s.conn.Connected() {
		s.teardown("hangup")
	}

	s.server.takeShared(s)
	s.flush()

	switch s.stage {
	case StagePacket:
		s.pollPacket(dt)
	case StagePendingRelease:
		s.finishRelease()
	default:
		s.pollLogin()
	}

	s.flush()
	s.server.publish(s)
}

// teardown ends the session. The slot is returned once the release
// handshake has finished.
func (s *Session) teardown(outcome string) {
	if s.stage == StagePendingRelease {
		return
	}
	s.logger.Info("Session ending",
		zap.String("outcome", outcome),
		zap.String("mode", s.mode.String()),
		zap.String("stage", s.stage.String()),
	)
	s.outcome = outcome
	if s.link != nil {
		s.link.Close()
	}
	s.inbound = nil
	s.arps = nil
	s.setStage(StagePendingRelease)
}

// finishRelease returns any lease the session holds and drops the line.
func (s *Session) finishRelease() {
	if s.pppoe != nil {
		s.pppoe.terminate()
		s.pppoe.free()
		s.pppoe = nil
	}
	if s.relay != nil {
		s.relay.Reset()
	}
	s.ip = nil
	if s.Busy() && s.conn.Connected() && s.elapsed < releaseDrainTimeout {
		return
	}
	if s.conn.Connected() {
		s.conn.Hangup()
	}
	s.out.Free()
	s.outOff = 0
	s.released = true
	s.server.recorder.SessionClosed(s.outcome, s.age)
	s.logger.Info("Session released",
		zap.String("outcome", s.outcome),
		zap.Duration("duration", s.age),
	)
}
