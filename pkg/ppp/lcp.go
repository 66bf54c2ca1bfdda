package ppp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
)

// minMRU is the smallest MRU accepted from a guest.
const minMRU = 128

// LCPOptions are the options negotiated for one direction.
type LCPOptions struct {
	MRU   uint16
	ACCM  uint32
	Magic uint32
	Auth  uint16 // zero when no authentication was negotiated
	PFC   bool
	ACFC  bool
}

func defaultLCPOptions() LCPOptions {
	return LCPOptions{MRU: DefaultMRU, ACCM: framing.DefaultACCM}
}

// LCP negotiates link options in both directions. Our requests are
// retransmitted until acknowledged; the guest's requests are answered
// option by option.
type LCP struct {
	link   *Link
	logger *zap.Logger

	phase      [2]Phase
	negotiated [2]LCPOptions

	offer   LCPOptions
	dropped map[uint8]bool // option types the guest rejected

	identifier  uint8
	requestID   uint8
	lastRequest []byte
	timer       retryTimer
}

func newLCP(l *Link) *LCP {
	lcp := &LCP{
		link:   l,
		logger: l.logger.With(zap.String("protocol", "LCP")),
		timer:  newRetryTimer(l.cfg.LCPInitial, l.cfg.LCPRetry),
	}
	lcp.resetOffer()
	lcp.negotiated = [2]LCPOptions{defaultLCPOptions(), defaultLCPOptions()}
	return lcp
}

func (lcp *LCP) resetOffer() {
	cfg := lcp.link.cfg
	lcp.offer = LCPOptions{
		MRU:   cfg.MRU,
		ACCM:  0,
		Magic: cfg.MagicNumber,
		PFC:   true,
		ACFC:  true,
	}
	if cfg.RequireAuth {
		lcp.offer.Auth = ProtocolPAP
	}
	lcp.dropped = make(map[uint8]bool)
}

// Phase returns the phase of one direction.
func (lcp *LCP) Phase(dir Direction) Phase { return lcp.phase[dir] }

// Negotiated returns the options in force for one direction.
func (lcp *LCP) Negotiated(dir Direction) LCPOptions { return lcp.negotiated[dir] }

// Opened reports whether both directions are open.
func (lcp *LCP) Opened() bool {
	return lcp.phase[Recv] == Open && lcp.phase[Send] == Open
}

func (lcp *LCP) setPhase(dir Direction, p Phase) {
	old := lcp.phase[dir]
	if old == p {
		return
	}
	lcp.phase[dir] = p

	lcp.logger.Debug("LCP phase change",
		zap.String("direction", dir.String()),
		zap.String("from", old.String()),
		zap.String("to", p.String()),
	)
	if p == Open {
		lcp.link.opened("LCP", dir)
	}
}

func (lcp *LCP) start() {
	lcp.timer.start()
}

func (lcp *LCP) send(pkt *Packet) {
	lcp.link.sender.SendPPP(ProtocolLCP, pkt.Serialize())
}

func (lcp *LCP) tick(dt time.Duration) {
	if lcp.phase[Send] == Open {
		return
	}
	if !lcp.timer.advance(dt) || lcp.link.sender.Busy() {
		return
	}
	lcp.sendConfigureRequest()
}

func (lcp *LCP) receive(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		lcp.logger.Debug("Malformed LCP packet", zap.Error(err))
		return
	}

	lcp.logger.Debug("LCP packet received",
		zap.Uint8("code", pkt.Code),
		zap.Uint8("identifier", pkt.Identifier),
	)

	switch pkt.Code {
	case CodeConfigRequest:
		lcp.receiveConfigureRequest(pkt)
	case CodeConfigAck:
		lcp.receiveConfigureAck(pkt)
	case CodeConfigNak:
		lcp.receiveConfigureNak(pkt)
	case CodeConfigReject:
		lcp.receiveConfigureReject(pkt)
	case CodeTermRequest:
		lcp.send(&Packet{Code: CodeTermAck, Identifier: pkt.Identifier})
		lcp.closeAll()
	case CodeTermAck, CodeEchoReply, CodeDiscardReq:
	case CodeCodeReject:
		lcp.receiveCodeReject(pkt)
	case CodeProtoReject:
		lcp.receiveProtocolReject(pkt)
	case CodeEchoRequest:
		lcp.receiveEchoRequest(pkt)
	default:
		lcp.sendCodeReject(data)
	}
}

func (lcp *LCP) receiveConfigureRequest(pkt *Packet) {
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		lcp.logger.Debug("Malformed LCP options", zap.Error(err))
		return
	}

	if lcp.phase[Recv] == Open {
		lcp.renegotiate()
	}
	if lcp.phase[Send] == Closed {
		// the guest spoke first, skip the initial delay
		lcp.timer.rearm()
	}

	req := defaultLCPOptions()
	var rb replyBuilder
	for _, opt := range opts {
		rb.add(opt, checkLCPOption(opt, &req))
	}
	lcp.send(rb.reply(pkt.Identifier, pkt.Data))

	if !rb.acked() {
		lcp.setPhase(Recv, ReqSent)
		return
	}

	lcp.negotiated[Recv] = req
	lcp.setPhase(Recv, Open)
	if req.Auth != 0 {
		// upper layers wait for PAP
		lcp.link.resetNCP()
	}
}

func checkLCPOption(opt Option, req *LCPOptions) Check {
	switch opt.Type {
	case LCPOptMRU:
		return checkMRU(opt, req)
	case LCPOptACCM:
		if len(opt.Data) != 4 {
			return reject()
		}
		req.ACCM = binary.BigEndian.Uint32(opt.Data)
	case LCPOptAuthProto:
		return checkAuthProto(opt, req)
	case LCPOptMagicNumber:
		if len(opt.Data) != 4 {
			return reject()
		}
		req.Magic = binary.BigEndian.Uint32(opt.Data)
	case LCPOptPFC:
		if len(opt.Data) != 0 {
			return reject()
		}
		req.PFC = true
	case LCPOptACFC:
		if len(opt.Data) != 0 {
			return reject()
		}
		req.ACFC = true
	default:
		return reject()
	}
	return accept()
}

func checkMRU(opt Option, req *LCPOptions) Check {
	if len(opt.Data) != 2 {
		return nak(uint16Option(LCPOptMRU, DefaultMRU))
	}
	mru := binary.BigEndian.Uint16(opt.Data)
	if mru < minMRU {
		return nak(uint16Option(LCPOptMRU, DefaultMRU))
	}
	req.MRU = mru
	return accept()
}

func checkAuthProto(opt Option, req *LCPOptions) Check {
	if len(opt.Data) != 2 || binary.BigEndian.Uint16(opt.Data) != ProtocolPAP {
		return nak(uint16Option(LCPOptAuthProto, ProtocolPAP))
	}
	req.Auth = ProtocolPAP
	return accept()
}

// renegotiate drops the link back to the start of negotiation.
func (lcp *LCP) renegotiate() {
	lcp.logger.Debug("LCP renegotiation")
	lcp.setPhase(Recv, Closed)
	lcp.setPhase(Send, Closed)
	lcp.negotiated = [2]LCPOptions{defaultLCPOptions(), defaultLCPOptions()}
	lcp.resetOffer()
	lcp.link.linkDown()
	lcp.timer.rearm()
}

// closeAll closes LCP and every layer above it.
func (lcp *LCP) closeAll() {
	lcp.setPhase(Recv, Closed)
	lcp.setPhase(Send, Closed)
	lcp.negotiated = [2]LCPOptions{defaultLCPOptions(), defaultLCPOptions()}
	lcp.resetOffer()
	lcp.link.linkDown()
	lcp.timer.stop()
}

func (lcp *LCP) buildRequest() []Option {
	var opts []Option
	if !lcp.dropped[LCPOptMRU] {
		opts = append(opts, uint16Option(LCPOptMRU, lcp.offer.MRU))
	}
	if !lcp.dropped[LCPOptACCM] {
		opts = append(opts, uint32Option(LCPOptACCM, lcp.offer.ACCM))
	}
	if lcp.offer.Auth != 0 {
		opts = append(opts, uint16Option(LCPOptAuthProto, lcp.offer.Auth))
	}
	if !lcp.dropped[LCPOptMagicNumber] {
		opts = append(opts, uint32Option(LCPOptMagicNumber, lcp.offer.Magic))
	}
	if lcp.offer.PFC && !lcp.dropped[LCPOptPFC] {
		opts = append(opts, Option{Type: LCPOptPFC})
	}
	if lcp.offer.ACFC && !lcp.dropped[LCPOptACFC] {
		opts = append(opts, Option{Type: LCPOptACFC})
	}
	return opts
}

func (lcp *LCP) sendConfigureRequest() {
	lcp.identifier++
	lcp.requestID = lcp.identifier
	lcp.lastRequest = SerializeOptions(lcp.buildRequest())
	lcp.send(&Packet{
		Code:       CodeConfigRequest,
		Identifier: lcp.requestID,
		Data:       lcp.lastRequest,
	})
	lcp.setPhase(Send, ReqSent)
	lcp.timer.rearm()
}

// answersRequest reports whether pkt answers our outstanding request.
func (lcp *LCP) answersRequest(pkt *Packet) bool {
	if lcp.phase[Send] != ReqSent || pkt.Identifier != lcp.requestID {
		lcp.logger.Debug("LCP reply with unexpected identifier",
			zap.Uint8("expected", lcp.requestID),
			zap.Uint8("received", pkt.Identifier),
			zap.String("phase", lcp.phase[Send].String()),
		)
		return false
	}
	return true
}

func (lcp *LCP) receiveConfigureAck(pkt *Packet) {
	if !lcp.answersRequest(pkt) {
		return
	}
	if !bytes.Equal(pkt.Data, lcp.lastRequest) {
		lcp.logger.Debug("LCP Configure-Ack does not match request")
		return
	}

	acked := defaultLCPOptions()
	opts, _ := ParseOptions(pkt.Data)
	for _, opt := range opts {
		checkLCPOption(opt, &acked)
	}
	lcp.negotiated[Send] = acked
	lcp.timer.stop()
	lcp.setPhase(Send, Open)
	if acked.Auth != 0 {
		lcp.link.resetNCP()
	}
}

func (lcp *LCP) receiveConfigureNak(pkt *Packet) {
	if !lcp.answersRequest(pkt) {
		return
	}
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		lcp.logger.Debug("Malformed LCP Configure-Nak", zap.Error(err))
		return
	}

	for _, opt := range opts {
		switch opt.Type {
		case LCPOptMRU:
			if len(opt.Data) == 2 {
				if mru := binary.BigEndian.Uint16(opt.Data); mru >= minMRU && mru <= DefaultMRU {
					lcp.offer.MRU = mru
				}
			}
		case LCPOptACCM:
			if len(opt.Data) == 4 {
				lcp.offer.ACCM = binary.BigEndian.Uint32(opt.Data)
			}
		case LCPOptAuthProto:
			if !lcp.link.cfg.RequireAuth {
				lcp.offer.Auth = 0
			}
		case LCPOptMagicNumber:
			if magic, err := generateMagicNumber(); err == nil {
				lcp.offer.Magic = magic
			}
		default:
			lcp.dropped[opt.Type] = true
		}
	}
	lcp.sendConfigureRequest()
}

func (lcp *LCP) receiveConfigureReject(pkt *Packet) {
	if !lcp.answersRequest(pkt) {
		return
	}
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		lcp.logger.Debug("Malformed LCP Configure-Reject", zap.Error(err))
		return
	}

	for _, opt := range opts {
		if opt.Type == LCPOptAuthProto && lcp.link.cfg.RequireAuth {
			lcp.logger.Warn("Peer rejected authentication protocol")
			continue
		}
		if opt.Type == LCPOptAuthProto {
			lcp.offer.Auth = 0
		}
		lcp.dropped[opt.Type] = true
	}
	lcp.sendConfigureRequest()
}

func (lcp *LCP) receiveCodeReject(pkt *Packet) {
	if len(pkt.Data) == 0 {
		return
	}
	rejected := pkt.Data[0]
	lcp.logger.Warn("LCP code rejected by peer", zap.Uint8("code", rejected))
	if rejected >= CodeConfigRequest && rejected <= CodeConfigReject {
		lcp.closeAll()
	}
}

func (lcp *LCP) receiveProtocolReject(pkt *Packet) {
	if len(pkt.Data) < 2 {
		return
	}
	rejected := binary.BigEndian.Uint16(pkt.Data[:2])
	lcp.logger.Warn("Protocol rejected by peer", zap.Uint16("protocol", rejected))

	if rejected == ProtocolLCP {
		lcp.closeAll()
		return
	}
	lcp.link.suppress(rejected)
}

func (lcp *LCP) receiveEchoRequest(pkt *Packet) {
	if lcp.phase[Recv] != Open || len(pkt.Data) < 4 {
		return
	}
	magic := binary.BigEndian.Uint32(pkt.Data[:4])
	if magic != lcp.negotiated[Recv].Magic {
		lcp.logger.Debug("LCP Echo-Request with wrong magic number",
			zap.Uint32("expected", lcp.negotiated[Recv].Magic),
			zap.Uint32("received", magic),
		)
		return
	}

	reply := binary.BigEndian.AppendUint32(nil, lcp.negotiated[Send].Magic)
	reply = append(reply, pkt.Data[4:]...)
	lcp.send(&Packet{Code: CodeEchoReply, Identifier: pkt.Identifier, Data: reply})
}

func (lcp *LCP) sendCodeReject(rejected []byte) {
	lcp.identifier++
	lcp.send(&Packet{
		Code:       CodeCodeReject,
		Identifier: lcp.identifier,
		Data:       truncate(rejected, int(lcp.negotiated[Recv].MRU)-4),
	})
}

func (lcp *LCP) sendProtocolReject(protocol uint16, payload []byte) {
	lcp.logger.Debug("Rejecting protocol", zap.Uint16("protocol", protocol))
	lcp.identifier++
	data := binary.BigEndian.AppendUint16(nil, protocol)
	data = append(data, truncate(payload, int(lcp.negotiated[Recv].MRU)-6)...)
	lcp.send(&Packet{Code: CodeProtoReject, Identifier: lcp.identifier, Data: data})
}

func truncate(b []byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	if len(b) > n {
		return b[:n]
	}
	return b
}

// generateMagicNumber generates a random 32-bit magic number
func generateMagicNumber() (uint32, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
