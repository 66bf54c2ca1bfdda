package ppp

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
)

// Direction indexes per-direction negotiation state.
type Direction int

const (
	Recv Direction = iota // guest to server: options the guest asked for
	Send                  // server to guest: options we asked for
)

func (d Direction) String() string {
	if d == Recv {
		return "recv"
	}
	return "send"
}

// Phase is the negotiation phase of one direction of a protocol.
type Phase int

const (
	Closed Phase = iota
	ReqSent
	Open
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "Closed"
	case ReqSent:
		return "Req-Sent"
	case Open:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Credential is one entry of the login table. An entry with an empty
// username and password accepts everyone.
type Credential struct {
	Username string
	Password string
	StaticIP net.IP
}

// MatchCredential tries each entry in table order.
func MatchCredential(table []Credential, username, password string) (Credential, bool) {
	for _, c := range table {
		if c.Username == "" && c.Password == "" {
			return c, true
		}
		if c.Username == username && c.Password == password {
			return c, true
		}
	}
	return Credential{}, false
}

// AuthResult is the answer of a remote credential check.
type AuthResult struct {
	OK      bool
	IP      net.IP
	Message string
}

// RemoteAuth starts a credential check and returns a channel that yields
// exactly one result. It must not block.
type RemoteAuth func(username, password string) <-chan AuthResult

// Sender queues a control packet toward the guest. Busy reports whether the
// session's single outbound slot is occupied; negotiators never send while
// it is.
type Sender interface {
	Busy() bool
	SendPPP(protocol uint16, payload []byte)
}

// Hooks lets the engine observe negotiation and take part in IPX node
// collision checks. Every field is optional.
type Hooks struct {
	// SendIPXProbe broadcasts an IPX echo probe to network/node on the LAN.
	SendIPXProbe func(network uint32, node Node)
	// NodeInUse reports whether another local session holds node.
	NodeInUse func(node Node) bool
	// OnAuth is called when PAP accepts or refuses the guest.
	OnAuth func(method, username string, ok bool)
	// OnOpen is called when a direction of a protocol opens.
	OnOpen func(protocol string, dir Direction)
}

// Config holds negotiation parameters for a link.
type Config struct {
	MRU         uint16
	MagicNumber uint32 // zero picks a random value
	RequireAuth bool   // ask the guest to authenticate with PAP

	Credentials []Credential
	RemoteAuth  RemoteAuth
	PAPClient   Credential // sent when the guest asks us to authenticate

	DefaultIP  net.IP // guest address when no credential assigns one
	ServerIP   net.IP
	DNS        [2]net.IP
	NBNS       [2]net.IP
	SubnetMask net.IP

	EnableIPCP  bool
	EnableIPXCP bool
	IPXNetwork  uint32
	ServerNode  Node // reserved for the server, never given to a guest

	LCPInitial   time.Duration
	LCPRetry     time.Duration
	PAPRetry     time.Duration
	NCPRetry     time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default negotiation parameters.
func DefaultConfig() Config {
	return Config{
		MRU:          DefaultMRU,
		EnableIPCP:   true,
		ServerNode:   Node{0, 0, 0, 0, 0, 1},
		LCPInitial:   3 * time.Second,
		LCPRetry:     500 * time.Millisecond,
		PAPRetry:     500 * time.Millisecond,
		NCPRetry:     time.Second,
		ProbeTimeout: 1500 * time.Millisecond,
	}
}

// Link owns the negotiators of one PPP session.
type Link struct {
	cfg    Config
	sender Sender
	hooks  Hooks
	logger *zap.Logger

	lcp   *LCP
	pap   *PAP
	ipxcp *IPXCP
	ipcp  *IPCP

	assignedIP net.IP
	nodeHint   Node
	suppressed map[uint16]bool
}

// NewLink creates a link in the Closed phase.
func NewLink(cfg Config, sender Sender, hooks Hooks, logger *zap.Logger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MagicNumber == 0 {
		magic, err := generateMagicNumber()
		if err != nil {
			return nil, fmt.Errorf("failed to generate magic number: %w", err)
		}
		cfg.MagicNumber = magic
	}
	if cfg.MRU == 0 {
		cfg.MRU = DefaultMRU
	}

	l := &Link{
		cfg:        cfg,
		sender:     sender,
		hooks:      hooks,
		logger:     logger,
		assignedIP: cfg.DefaultIP,
		nodeHint:   NextNode(cfg.ServerNode, cfg.ServerNode),
		suppressed: make(map[uint16]bool),
	}
	l.lcp = newLCP(l)
	l.pap = newPAP(l)
	l.ipxcp = newIPXCP(l)
	l.ipcp = newIPCP(l)
	return l, nil
}

// LCP returns the link control negotiator.
func (l *Link) LCP() *LCP { return l.lcp }

// PAP returns the authenticator.
func (l *Link) PAP() *PAP { return l.pap }

// IPXCP returns the IPX control negotiator.
func (l *Link) IPXCP() *IPXCP { return l.ipxcp }

// IPCP returns the IP control negotiator.
func (l *Link) IPCP() *IPCP { return l.ipcp }

// Start begins LCP negotiation. Our first Configure-Request goes out after
// the initial LCP delay unless the guest speaks first.
func (l *Link) Start() {
	l.lcp.start()
}

// SetNodeHint sets the IPX node offered to a guest that asks for one.
func (l *Link) SetNodeHint(n Node) {
	if !ValidNode(n, l.cfg.ServerNode) {
		n = NextNode(n, l.cfg.ServerNode)
	}
	l.nodeHint = n
}

// AssignedIP returns the guest's IPv4 address.
func (l *Link) AssignedIP() net.IP { return l.assignedIP }

func (l *Link) assignIP(ip net.IP) {
	if ip == nil {
		ip = l.cfg.DefaultIP
	}
	l.assignedIP = ip
}

// Input handles one PPP packet from the guest. It reports whether the
// packet is data the relay may forward.
func (l *Link) Input(protocol uint16, payload []byte) bool {
	switch protocol {
	case ProtocolLCP:
		l.lcp.receive(payload)
	case ProtocolPAP:
		if !l.lcp.Opened() {
			l.logger.Debug("PAP before LCP opened, dropping")
			return false
		}
		l.pap.receive(payload)
	case ProtocolIPCP:
		l.controlInput(protocol, l.cfg.EnableIPCP, l.ipcp.receive, payload)
	case ProtocolIPXCP:
		l.controlInput(protocol, l.cfg.EnableIPXCP, l.ipxcp.receive, payload)
	case ProtocolIP:
		return l.IPOpen()
	case ProtocolIPX:
		return l.IPXOpen()
	default:
		if l.lcp.Opened() {
			l.lcp.sendProtocolReject(protocol, payload)
		}
	}
	return false
}

func (l *Link) controlInput(protocol uint16, enabled bool, handle func([]byte), payload []byte) {
	if !enabled {
		if l.lcp.Opened() {
			l.lcp.sendProtocolReject(protocol, payload)
		}
		return
	}
	if !l.NetworkPhase() {
		l.logger.Debug("NCP packet before network phase, dropping",
			zap.Uint16("protocol", protocol),
		)
		return
	}
	handle(payload)
}

// Tick advances every negotiator's timers by dt.
func (l *Link) Tick(dt time.Duration) {
	l.lcp.tick(dt)
	l.pap.tick(dt)
	l.ipxcp.tick(dt)
	l.ipcp.tick(dt)
}

// NetworkPhase reports whether both LCP directions are open and both PAP
// directions are open or were never asked for.
func (l *Link) NetworkPhase() bool {
	return l.lcp.Opened() && l.pap.Satisfied(Recv) && l.pap.Satisfied(Send)
}

// IPOpen reports whether IPv4 may be relayed.
func (l *Link) IPOpen() bool {
	return l.cfg.EnableIPCP && l.NetworkPhase() && l.ipcp.Opened() && !l.suppressed[ProtocolIPCP]
}

// IPXOpen reports whether IPX may be relayed.
func (l *Link) IPXOpen() bool {
	return l.cfg.EnableIPXCP && l.NetworkPhase() && l.ipxcp.Opened() && !l.suppressed[ProtocolIPXCP]
}

// Suppressed reports whether the guest rejected protocol.
func (l *Link) Suppressed(protocol uint16) bool { return l.suppressed[protocol] }

func (l *Link) suppress(protocol uint16) {
	l.suppressed[protocol] = true
	switch protocol {
	case ProtocolIPCP, ProtocolIP:
		l.suppressed[ProtocolIPCP] = true
		l.ipcp.reset()
	case ProtocolIPXCP, ProtocolIPX:
		l.suppressed[ProtocolIPXCP] = true
		l.ipxcp.reset()
	}
}

// Compression returns the header compression to use toward the guest.
func (l *Link) Compression() framing.Compression {
	if l.lcp.Phase(Recv) != Open {
		return framing.Compression{}
	}
	o := l.lcp.Negotiated(Recv)
	return framing.Compression{ACFC: o.ACFC, PFC: o.PFC}
}

// ACCM returns the control character map to use toward the guest.
func (l *Link) ACCM(protocol uint16) uint32 {
	if protocol == ProtocolLCP || l.lcp.Phase(Recv) != Open {
		return framing.DefaultACCM
	}
	return l.lcp.Negotiated(Recv).ACCM
}

// ObserveIPX feeds an IPX packet source seen on the LAN to the collision
// probe.
func (l *Link) ObserveIPX(network uint32, node Node) {
	l.ipxcp.observe(network, node)
}

// GuestIPX returns the guest's negotiated IPX network and node.
func (l *Link) GuestIPX() (uint32, Node) {
	a := l.ipxcp.Negotiated(Recv)
	return a.Network, a.Node
}

// Close terminates the link locally without telling the guest.
func (l *Link) Close() {
	l.lcp.closeAll()
}

// linkDown resets every layer above LCP.
func (l *Link) linkDown() {
	l.pap.reset()
	l.resetNCP()
	l.suppressed = make(map[uint16]bool)
}

func (l *Link) resetNCP() {
	l.ipcp.reset()
	l.ipxcp.reset()
}

func (l *Link) opened(protocol string, dir Direction) {
	if l.hooks.OnOpen != nil {
		l.hooks.OnOpen(protocol, dir)
	}
}
