package ppp

import (
	"bytes"
	"time"

	"go.uber.org/zap"
)

// ncp holds what IPCP and IPXCP share: phases, our outstanding request and
// its retry timer. The protocol-specific option handling lives in the
// embedding type.
type ncp struct {
	link     *Link
	logger   *zap.Logger
	name     string
	protocol uint16
	enabled  bool

	phase       [2]Phase
	identifier  uint8
	requestID   uint8
	lastRequest []byte
	timer       retryTimer
}

func newNCP(l *Link, name string, protocol uint16, enabled bool) ncp {
	return ncp{
		link:     l,
		logger:   l.logger.With(zap.String("protocol", name)),
		name:     name,
		protocol: protocol,
		enabled:  enabled,
		timer:    newRetryTimer(0, l.cfg.NCPRetry),
	}
}

// Phase returns the phase of one direction.
func (n *ncp) Phase(dir Direction) Phase { return n.phase[dir] }

// Opened reports whether both directions are open.
func (n *ncp) Opened() bool {
	return n.phase[Recv] == Open && n.phase[Send] == Open
}

func (n *ncp) setPhase(dir Direction, p Phase) {
	old := n.phase[dir]
	if old == p {
		return
	}
	n.phase[dir] = p
	n.logger.Debug(n.name+" phase change",
		zap.String("direction", dir.String()),
		zap.String("from", old.String()),
		zap.String("to", p.String()),
	)
	if p == Open {
		n.link.opened(n.name, dir)
	}
}

func (n *ncp) resetPhases() {
	n.phase = [2]Phase{}
	n.lastRequest = nil
	n.timer.stop()
}

func (n *ncp) send(pkt *Packet) {
	n.link.sender.SendPPP(n.protocol, pkt.Serialize())
}

// requestDue reports whether our Configure-Request should go out now.
func (n *ncp) requestDue(dt time.Duration) bool {
	if !n.enabled || n.link.Suppressed(n.protocol) || !n.link.NetworkPhase() {
		return false
	}
	if n.phase[Send] == Open {
		return false
	}
	if !n.timer.armed {
		n.timer.start()
	}
	return n.timer.advance(dt) && !n.link.sender.Busy()
}

func (n *ncp) sendRequest(opts []Option) {
	n.identifier++
	n.requestID = n.identifier
	n.lastRequest = SerializeOptions(opts)
	n.send(&Packet{Code: CodeConfigRequest, Identifier: n.requestID, Data: n.lastRequest})
	n.setPhase(Send, ReqSent)
	n.timer.rearm()
}

// answersRequest reports whether pkt replies to our outstanding request.
// Anything else is silently discarded.
func (n *ncp) answersRequest(pkt *Packet) bool {
	if n.phase[Send] != ReqSent || pkt.Identifier != n.requestID {
		n.logger.Debug(n.name+" reply with unexpected identifier",
			zap.Uint8("expected", n.requestID),
			zap.Uint8("received", pkt.Identifier),
		)
		return false
	}
	if pkt.Code == CodeConfigAck && !bytes.Equal(pkt.Data, n.lastRequest) {
		n.logger.Debug(n.name + " Configure-Ack does not match request")
		return false
	}
	return true
}

// receiveCommon handles the codes that need no option knowledge. It reports
// whether pkt was consumed.
func (n *ncp) receiveCommon(pkt *Packet, reset func()) bool {
	switch pkt.Code {
	case CodeTermRequest:
		n.send(&Packet{Code: CodeTermAck, Identifier: pkt.Identifier})
		reset()
	case CodeTermAck:
	case CodeCodeReject:
		n.logger.Warn(n.name+" code rejected by peer", zap.Binary("data", pkt.Data))
		reset()
	case CodeConfigRequest, CodeConfigAck, CodeConfigNak, CodeConfigReject:
		return false
	default:
		n.identifier++
		n.send(&Packet{Code: CodeCodeReject, Identifier: n.identifier, Data: pkt.Serialize()})
	}
	return true
}
