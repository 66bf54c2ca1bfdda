package packetserver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// Mode is the framing a session uses once packet transfer starts.
type Mode int

const (
	ModeNone Mode = iota
	ModeEther
	ModeSLIP
	ModeIPXSLIP
	ModePPP
	ModePPPoE
)

func (m Mode) String() string {
	switch m {
	case ModeEther:
		return "ether"
	case ModeSLIP:
		return "slip"
	case ModeIPXSLIP:
		return "ipxslip"
	case ModePPP:
		return "ppp"
	case ModePPPoE:
		return "pppoe"
	default:
		return "none"
	}
}

// ParseMode parses an answer to the protocol prompt. An empty answer
// selects PPP.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PPP":
		return ModePPP, nil
	case "ETHER":
		return ModeEther, nil
	case "SLIP":
		return ModeSLIP, nil
	case "IPXSLIP":
		return ModeIPXSLIP, nil
	case "PPPOE":
		return ModePPPoE, nil
	}
	return ModeNone, fmt.Errorf("unknown protocol %q", s)
}

// usesIP reports whether the mode needs an IPv4 address for the guest.
func (m Mode) usesIP() bool {
	return m == ModeSLIP || m == ModePPP
}

// slipFramed reports whether the mode frames packets with SLIP.
func (m Mode) slipFramed() bool {
	return m == ModeEther || m == ModeSLIP || m == ModeIPXSLIP
}

// Stage is the position of a session in the login and negotiation
// sequence. Stages only move forward; errors end the session.
type Stage int

const (
	StageUsername Stage = iota
	StagePassword
	StageVerify
	StageProtocol
	StageDHCP
	StageInfo
	StageSlipDelay
	StagePacket
	StagePendingRelease
)

func (s Stage) String() string {
	switch s {
	case StageUsername:
		return "username"
	case StagePassword:
		return "password"
	case StageVerify:
		return "verify"
	case StageProtocol:
		return "protocol"
	case StageDHCP:
		return "dhcp"
	case StageInfo:
		return "info"
	case StageSlipDelay:
		return "slip_delay"
	case StagePacket:
		return "packet"
	case StagePendingRelease:
		return "pending_release"
	default:
		return "unknown"
	}
}

// RemoteAuthFactory builds the remote credential check for one session.
type RemoteAuthFactory func(slot int, peer string) ppp.RemoteAuth

// Config configures the packet server.
type Config struct {
	// LAN side
	MAC        net.HardwareAddr // our address on the capture interface
	ServerIP   net.IP
	DefaultIP  net.IP // guest address when no credential assigns one
	Gateway    net.IP
	GatewayMAC net.HardwareAddr // ARP fallback; broadcast when nil
	SubnetMask net.IP
	DNS        [2]net.IP
	NBNS       [2]net.IP

	// IPX
	EnableIPX  bool
	IPXNetwork uint32
	IPXFrame   relay.IPXFrame
	ServerNode ppp.Node

	// Authentication
	Credentials   []ppp.Credential
	PAPClient     ppp.Credential
	RemoteAuth    RemoteAuthFactory
	AutoDetectPPP bool // a PPP flag at the username prompt starts PPP with PAP

	// PPPoE bridge
	PPPoEService string
	PPPoERetry   time.Duration

	MaxSessions  int
	PollInterval time.Duration
	SlipDelay    time.Duration
	StopTimeout  time.Duration
	Banner       string
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() Config {
	return Config{
		ServerNode:   ppp.Node{0, 0, 0, 0, 0, 1},
		IPXFrame:     relay.FrameEthernetII,
		PPPoERetry:   time.Second,
		MaxSessions:  8,
		PollInterval: 10 * time.Millisecond,
		SlipDelay:    time.Second,
		StopTimeout:  time.Second,
		Banner:       "Packet server ready.",
	}
}

// ErrConfig is returned for an unusable configuration.
var ErrConfig = errors.New("packetserver: invalid configuration")

func (c *Config) validate() error {
	if len(c.MAC) != 6 {
		return fmt.Errorf("%w: MAC address required", ErrConfig)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("%w: max sessions must be positive", ErrConfig)
	}
	if c.EnableIPX && !ppp.ValidNetwork(c.IPXNetwork) {
		return fmt.Errorf("%w: IPX network %08x", ErrConfig, c.IPXNetwork)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.PPPoERetry <= 0 {
		c.PPPoERetry = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = time.Second
	}
	return nil
}

// mask returns the configured subnet mask as an IPMask.
func (c *Config) mask() net.IPMask {
	if c.SubnetMask == nil {
		return nil
	}
	if m := c.SubnetMask.To4(); m != nil {
		return net.IPMask(m)
	}
	return nil
}

// Recorder receives session and traffic events. *metrics.Metrics
// implements it.
type Recorder interface {
	SessionOpened()
	SessionClosed(outcome string, duration time.Duration)
	ResetActive()
	SetActive(mode, stage string, count int)
	Negotiation(protocol, result string)
	Auth(method, result string)
	Frame(direction, kind string)
	Discard(reason string)
	ARP(result string)
	PPPoEDiscovery(code, direction string)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened() {}
func (nopRecorder) SessionClosed(string, time.Duration) {}
func (nopRecorder) ResetActive() {}
func (nopRecorder) SetActive(string, string, int) {}
func (nopRecorder) Negotiation(string, string) {}
func (nopRecorder) Auth(string, string) {}
func (nopRecorder) Frame(string, string) {}
func (nopRecorder) Discard(string) {}
func (nopRecorder) ARP(string) {}
func (nopRecorder) PPPoEDiscovery(string, string) {}
