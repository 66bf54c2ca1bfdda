package ppp

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
)

var errPAPMalformed = errors.New("PAP request malformed")

// PAP runs the Password Authentication Protocol in both roles. In the Recv
// direction the guest authenticates to us; in the Send direction we
// authenticate to the guest with the configured client credentials.
type PAP struct {
	link   *Link
	logger *zap.Logger

	phase    [2]Phase
	username string // authenticated guest

	identifier uint8
	timer      retryTimer
	refused    bool // the guest refused our credentials

	pending     <-chan AuthResult
	pendingID   uint8
	pendingUser string
}

func newPAP(l *Link) *PAP {
	return &PAP{
		link:   l,
		logger: l.logger.With(zap.String("protocol", "PAP")),
		timer:  newRetryTimer(0, l.cfg.PAPRetry),
	}
}

// Phase returns the phase of one direction.
func (p *PAP) Phase(dir Direction) Phase { return p.phase[dir] }

// Username returns the authenticated guest, if any.
func (p *PAP) Username() string { return p.username }

// Required reports whether LCP negotiated authentication for dir.
func (p *PAP) Required(dir Direction) bool {
	// we authenticate the guest when the guest acked our auth option
	if dir == Recv {
		return p.link.lcp.negotiated[Send].Auth == ProtocolPAP
	}
	return p.link.lcp.negotiated[Recv].Auth == ProtocolPAP
}

// Satisfied reports whether dir is open or was never asked for.
func (p *PAP) Satisfied(dir Direction) bool {
	return !p.Required(dir) || p.phase[dir] == Open
}

func (p *PAP) setPhase(dir Direction, ph Phase) {
	old := p.phase[dir]
	if old == ph {
		return
	}
	p.phase[dir] = ph
	p.logger.Debug("PAP phase change",
		zap.String("direction", dir.String()),
		zap.String("from", old.String()),
		zap.String("to", ph.String()),
	)
	if ph == Open {
		p.link.opened("PAP", dir)
	}
}

func (p *PAP) reset() {
	p.phase = [2]Phase{}
	p.username = ""
	p.refused = false
	p.timer.stop()
	p.pending = nil
}

func (p *PAP) send(data []byte) {
	p.link.sender.SendPPP(ProtocolPAP, data)
}

func (p *PAP) tick(dt time.Duration) {
	if !p.link.lcp.Opened() {
		return
	}

	if p.pending != nil && !p.link.sender.Busy() {
		select {
		case res := <-p.pending:
			p.pending = nil
			p.finishRemote(res)
		default:
		}
	}

	if !p.Required(Send) || p.phase[Send] == Open || p.refused {
		return
	}
	if !p.timer.armed {
		p.timer.start()
	}
	if !p.timer.advance(dt) || p.link.sender.Busy() {
		return
	}
	p.sendAuthRequest()
	p.timer.rearm()
}

func (p *PAP) receive(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		p.logger.Debug("Malformed PAP packet", zap.Error(err))
		return
	}

	switch pkt.Code {
	case PAPCodeAuthRequest:
		p.receiveAuthRequest(pkt)
	case PAPCodeAuthAck:
		if pkt.Identifier != p.identifier || p.phase[Send] != ReqSent {
			return
		}
		p.timer.stop()
		p.setPhase(Send, Open)
		p.logger.Info("Authenticated to peer",
			zap.String("username", p.link.cfg.PAPClient.Username),
		)
	case PAPCodeAuthNak:
		if pkt.Identifier != p.identifier || p.phase[Send] != ReqSent {
			return
		}
		p.timer.stop()
		p.refused = true
		p.setPhase(Send, Closed)
		p.logger.Warn("Peer refused our credentials",
			zap.String("username", p.link.cfg.PAPClient.Username),
			zap.String("message", papMessage(pkt.Data)),
		)
	default:
		p.logger.Debug("Unexpected PAP code", zap.Uint8("code", pkt.Code))
	}
}

// parseAuthRequest splits an Authenticate-Request into peer-id and password.
func parseAuthRequest(data []byte) (string, string, error) {
	if len(data) < 1 {
		return "", "", errPAPMalformed
	}
	peerIDLen := int(data[0])
	if len(data) < 1+peerIDLen+1 {
		return "", "", errPAPMalformed
	}
	peerID := string(data[1 : 1+peerIDLen])

	passwordLen := int(data[1+peerIDLen])
	if len(data) < 2+peerIDLen+passwordLen {
		return "", "", errPAPMalformed
	}
	password := string(data[2+peerIDLen : 2+peerIDLen+passwordLen])
	return peerID, password, nil
}

func (p *PAP) receiveAuthRequest(pkt *Packet) {
	if !p.Required(Recv) {
		p.logger.Debug("Unsolicited PAP request, dropping")
		return
	}
	username, password, err := parseAuthRequest(pkt.Data)
	if err != nil {
		p.logger.Debug("Malformed PAP request", zap.Error(err))
		return
	}

	p.logger.Debug("PAP authentication attempt",
		zap.String("username", username),
		// Never log password!
	)

	if p.phase[Recv] == Open {
		// our Ack was lost
		if username == p.username {
			p.sendReply(PAPCodeAuthAck, pkt.Identifier, "Login ok")
		} else {
			p.sendReply(PAPCodeAuthNak, pkt.Identifier, "Login incorrect")
		}
		return
	}
	if p.pending != nil {
		return
	}

	table := p.link.cfg.Credentials
	if cred, ok := MatchCredential(table, username, password); ok {
		p.accept(pkt.Identifier, username, cred.StaticIP, "local")
		return
	}
	if remote := p.link.cfg.RemoteAuth; remote != nil {
		p.pending = remote(username, password)
		p.pendingID = pkt.Identifier
		p.pendingUser = username
		p.logger.Debug("PAP verification deferred to remote server",
			zap.String("username", username),
		)
		return
	}
	if len(table) == 0 {
		p.accept(pkt.Identifier, username, nil, "open")
		return
	}
	p.refuse(pkt.Identifier, username, "local")
}

func (p *PAP) finishRemote(res AuthResult) {
	if res.OK {
		p.accept(p.pendingID, p.pendingUser, res.IP, "radius")
		return
	}
	p.refuse(p.pendingID, p.pendingUser, "radius")
}

func (p *PAP) accept(id uint8, username string, ip net.IP, method string) {
	p.username = username
	p.link.assignIP(ip)
	p.sendReply(PAPCodeAuthAck, id, "Login ok")
	p.setPhase(Recv, Open)
	p.logger.Info("PAP authentication successful",
		zap.String("username", username),
		zap.String("method", method),
	)
	if p.link.hooks.OnAuth != nil {
		p.link.hooks.OnAuth(method, username, true)
	}
}

func (p *PAP) refuse(id uint8, username, method string) {
	p.sendReply(PAPCodeAuthNak, id, "Login incorrect")
	p.logger.Warn("PAP authentication failed",
		zap.String("username", username),
		zap.String("method", method),
	)
	if p.link.hooks.OnAuth != nil {
		p.link.hooks.OnAuth(method, username, false)
	}
}

func (p *PAP) sendAuthRequest() {
	p.identifier++
	cred := p.link.cfg.PAPClient
	var data pktbuf.Buffer
	data.Append(uint8(len(cred.Username)))
	data.Append([]byte(cred.Username)...)
	data.Append(uint8(len(cred.Password)))
	data.Append([]byte(cred.Password)...)

	pkt := &Packet{Code: PAPCodeAuthRequest, Identifier: p.identifier, Data: data.Bytes()}
	p.send(pkt.Serialize())
	p.setPhase(Send, ReqSent)
}

func (p *PAP) sendReply(code, id uint8, message string) {
	data := append([]byte{uint8(len(message))}, message...)
	pkt := &Packet{Code: code, Identifier: id, Data: data}
	p.send(pkt.Serialize())
}

func papMessage(data []byte) string {
	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return ""
	}
	return string(data[1 : 1+int(data[0])])
}
