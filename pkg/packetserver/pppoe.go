package packetserver

import (
	"bytes"
	"net"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// discoveryState is the client side of PPPoE discovery.
type discoveryState int

const (
	discoveryIdle discoveryState = iota
	discoveryPADISent
	discoveryPADRSent
	discoverySession
	discoveryTerminated
)

func (d discoveryState) String() string {
	switch d {
	case discoveryIdle:
		return "idle"
	case discoveryPADISent:
		return "padi_sent"
	case discoveryPADRSent:
		return "padr_sent"
	case discoverySession:
		return "session"
	case discoveryTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func codeName(code uint8) string {
	switch code {
	case framing.CodePADI:
		return "PADI"
	case framing.CodePADO:
		return "PADO"
	case framing.CodePADR:
		return "PADR"
	case framing.CodePADS:
		return "PADS"
	case framing.CodePADT:
		return "PADT"
	default:
		return "unknown"
	}
}

// pppoeClient bridges the guest's PPP stream onto a PPPoE session with an
// access concentrator on the LAN. Every discovery packet sent or received
// is kept in its own buffer until the session ends.
type pppoeClient struct {
	s      *Session
	logger *zap.Logger

	state     discoveryState
	hostUniq  []byte
	acMAC     net.HardwareAddr
	sessionID uint16
	elapsed   time.Duration

	padi pktbuf.Buffer // discovery init
	pado pktbuf.Buffer // offer
	padr pktbuf.Buffer // request
	pads pktbuf.Buffer // confirm
	padt pktbuf.Buffer // terminate
}

func newPPPoEClient(s *Session) *pppoeClient {
	return &pppoeClient{
		s:        s,
		logger:   s.logger.With(zap.String("component", "pppoe")),
		hostUniq: append([]byte(nil), s.uid[:]...),
	}
}

func (c *pppoeClient) cfg() *Config { return &c.s.server.cfg }

func (c *pppoeClient) setState(st discoveryState) {
	c.logger.Debug("PPPoE discovery state change",
		zap.String("from", c.state.String()),
		zap.String("to", st.String()),
	)
	c.state = st
	c.elapsed = 0
}

// start broadcasts the PADI.
func (c *pppoeClient) start() {
	tags := []framing.Tag{
		{Type: framing.TagServiceName, Value: []byte(c.cfg().PPPoEService)},
		{Type: framing.TagHostUniq, Value: c.hostUniq},
	}
	c.padi.Reset()
	c.padi.Append(framing.BuildDiscovery(layers.EthernetBroadcast, c.cfg().MAC, framing.CodePADI, 0, tags)...)
	c.setState(discoveryPADISent)
	c.send(&c.padi, framing.CodePADI)
}

func (c *pppoeClient) send(buf *pktbuf.Buffer, code uint8) {
	if err := c.s.server.out.SendFrame(buf.Bytes()); err != nil {
		c.logger.Warn("Failed to send PPPoE discovery packet",
			zap.String("code", codeName(code)),
			zap.Error(err),
		)
		return
	}
	c.s.server.recorder.PPPoEDiscovery(codeName(code), "sent")
}

// tick retransmits PADI and PADR until answered.
func (c *pppoeClient) tick(dt time.Duration) {
	c.elapsed += dt
	if c.elapsed < c.cfg().PPPoERetry {
		return
	}
	switch c.state {
	case discoveryPADISent:
		c.elapsed = 0
		c.send(&c.padi, framing.CodePADI)
	case discoveryPADRSent:
		c.elapsed = 0
		c.send(&c.padr, framing.CodePADR)
	}
}

// fromLAN handles a frame claimed by the session filter.
func (c *pppoeClient) fromLAN(in *relay.Inbound) {
	switch in.Kind {
	case relay.KindPPPoEDiscovery:
		c.s.server.recorder.PPPoEDiscovery(codeName(in.PPPoE.Code), "received")
		c.discovery(in)
	case relay.KindPPPoESession:
		if c.state != discoverySession {
			return
		}
		proto, payload, err := framing.ParsePPPFrame(in.Payload)
		if err != nil {
			c.s.discard(err)
			return
		}
		c.s.sendHDLC(framing.BuildPPPFrame(proto, payload, framing.Compression{}))
	}
}

func (c *pppoeClient) discovery(in *relay.Inbound) {
	switch in.PPPoE.Code {
	case framing.CodePADO:
		if c.state != discoveryPADISent {
			return
		}
		if ge := framing.FindTag(in.Tags, framing.TagGenericErr); ge != nil {
			c.logger.Debug("PADO carries an error", zap.String("error", string(ge.Value)))
			return
		}
		c.acMAC = append(net.HardwareAddr(nil), in.SrcMAC...)
		c.pado.Reset()
		c.pado.Append(in.Frame...)
		tags := []framing.Tag{
			{Type: framing.TagServiceName, Value: []byte(c.cfg().PPPoEService)},
			{Type: framing.TagHostUniq, Value: c.hostUniq},
		}
		if cookie := framing.FindTag(in.Tags, framing.TagACCookie); cookie != nil {
			tags = append(tags, framing.Tag{Type: framing.TagACCookie, Value: cookie.Value})
		}
		var acName string
		if name := framing.FindTag(in.Tags, framing.TagACName); name != nil {
			acName = string(name.Value)
		}
		c.logger.Info("PPPoE offer received",
			zap.String("ac_mac", c.acMAC.String()),
			zap.String("ac_name", acName),
		)
		c.padr.Reset()
		c.padr.Append(framing.BuildDiscovery(c.acMAC, c.cfg().MAC, framing.CodePADR, 0, tags)...)
		c.setState(discoveryPADRSent)
		c.send(&c.padr, framing.CodePADR)
	case framing.CodePADS:
		if c.state != discoveryPADRSent || !bytes.Equal(in.SrcMAC, c.acMAC) {
			return
		}
		c.pads.Reset()
		c.pads.Append(in.Frame...)
		if in.PPPoE.SessionID == 0 {
			c.logger.Warn("PPPoE session refused by access concentrator")
			c.setState(discoveryTerminated)
			c.s.teardown("pppoe_refused")
			return
		}
		c.sessionID = in.PPPoE.SessionID
		c.setState(discoverySession)
		c.logger.Info("PPPoE session established",
			zap.Uint16("session_id", c.sessionID),
			zap.String("ac_mac", c.acMAC.String()),
		)
	case framing.CodePADT:
		c.padt.Reset()
		c.padt.Append(in.Frame...)
		c.logger.Info("PPPoE session terminated by access concentrator",
			zap.Uint16("session_id", c.sessionID),
		)
		c.setState(discoveryTerminated)
		c.s.teardown("padt")
	}
}

// fromGuest encapsulates a PPP frame from the guest.
func (c *pppoeClient) fromGuest(frame []byte) {
	if c.state != discoverySession {
		c.s.server.recorder.Discard("pppoe_not_ready")
		return
	}
	proto, payload, err := framing.ParsePPPFrame(frame)
	if err != nil {
		c.s.discard(err)
		return
	}
	body := pktbuf.New(2 + len(payload))
	body.AppendUint16(proto)
	body.Append(payload...)
	c.s.server.recorder.Frame("guest", "pppoe_session")
	if err := c.s.server.out.SendFrame(framing.BuildSession(c.acMAC, c.cfg().MAC, c.sessionID, body.Bytes())); err != nil {
		c.s.relayError(err)
	}
}

// terminate sends PADT for an established session.
func (c *pppoeClient) terminate() {
	if c.state != discoverySession {
		return
	}
	c.padt.Reset()
	c.padt.Append(framing.BuildDiscovery(c.acMAC, c.cfg().MAC, framing.CodePADT, c.sessionID, nil)...)
	c.send(&c.padt, framing.CodePADT)
	c.setState(discoveryTerminated)
}

// free drops the discovery buffers.
func (c *pppoeClient) free() {
	c.padi.Free()
	c.pado.Free()
	c.padr.Free()
	c.pads.Free()
	c.padt.Free()
}

func (c *pppoeClient) filter(f *relay.Filter) {
	f.PPPoE = true
	f.HostUniq = c.hostUniq
	f.PPPoESession = c.sessionID
	f.ACMAC = c.acMAC
}
