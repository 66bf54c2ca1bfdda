// Package config loads the packetmodem YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/packetmodem/pkg/packetserver"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/radius"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

// ErrInvalid is returned when a configuration value cannot be used.
var ErrInvalid = errors.New("config: invalid value")

// DefaultRADIUSPort is used for servers given without a port.
const DefaultRADIUSPort = 1812

// Credential is one entry of the login table.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StaticIP string `yaml:"static_ip,omitempty"`
}

// RADIUS configures remote PAP verification.
type RADIUS struct {
	Servers []string      `yaml:"servers"`
	Secret  string        `yaml:"secret"`
	NASID   string        `yaml:"nas_id"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Enabled reports whether any server is configured.
func (r RADIUS) Enabled() bool {
	return len(r.Servers) > 0
}

// Config is the on-disk configuration.
type Config struct {
	Interface  string `yaml:"interface"`
	MAC        string `yaml:"mac"`
	ServerIP   string `yaml:"server_ip"`
	StaticIP   string `yaml:"static_ip"`
	Gateway    string `yaml:"gateway"`
	GatewayMAC string `yaml:"gateway_mac"`
	SubnetMask string `yaml:"subnet_mask"`

	DNS  []string `yaml:"dns"`
	NBNS []string `yaml:"nbns"`

	EnableIPX  bool   `yaml:"enable_ipx"`
	IPXNetwork uint32 `yaml:"ipx_network"`
	IPXFrame   string `yaml:"ipx_frame"`

	Credentials   []Credential `yaml:"credentials"`
	PAPClient     Credential   `yaml:"pap_client"`
	AutoDetectPPP bool         `yaml:"auto_detect_ppp"`
	PPPoEService  string       `yaml:"pppoe_service"`
	RADIUS        RADIUS       `yaml:"radius"`

	Listen      string `yaml:"listen"`
	MetricsAddr string `yaml:"metrics_addr"`
	CaptureTap  string `yaml:"capture_tap"`

	MaxSessions  int           `yaml:"max_sessions"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SlipDelay    time.Duration `yaml:"slip_delay"`
	Banner       string        `yaml:"banner"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Interface:    "eth0",
		ServerIP:     "10.0.2.1",
		StaticIP:     "10.0.2.15",
		Gateway:      "10.0.2.2",
		SubnetMask:   "255.255.255.0",
		IPXFrame:     "ethernet_ii",
		Listen:       ":2323",
		MetricsAddr:  ":9090",
		MaxSessions:  8,
		PollInterval: 10 * time.Millisecond,
		SlipDelay:    time.Second,
		Banner:       "Packet server ready.",
		RADIUS: RADIUS{
			NASID:   "packetmodem",
			Timeout: 3 * time.Second,
			Retries: 3,
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that ToServerConfig converts.
func (c *Config) Validate() error {
	_, err := c.ToServerConfig()
	return err
}

// ToServerConfig converts the file form into the engine configuration.
// The MAC may be left empty here and filled in from the capture link.
func (c *Config) ToServerConfig() (packetserver.Config, error) {
	out := packetserver.DefaultConfig()
	var err error

	if c.MAC != "" {
		if out.MAC, err = net.ParseMAC(c.MAC); err != nil {
			return out, fmt.Errorf("%w: mac: %v", ErrInvalid, err)
		}
	}
	if c.GatewayMAC != "" {
		if out.GatewayMAC, err = net.ParseMAC(c.GatewayMAC); err != nil {
			return out, fmt.Errorf("%w: gateway_mac: %v", ErrInvalid, err)
		}
	}

	if out.ServerIP, err = parseIPv4("server_ip", c.ServerIP, true); err != nil {
		return out, err
	}
	if out.DefaultIP, err = parseIPv4("static_ip", c.StaticIP, false); err != nil {
		return out, err
	}
	if out.Gateway, err = parseIPv4("gateway", c.Gateway, false); err != nil {
		return out, err
	}
	if out.SubnetMask, err = parseIPv4("subnet_mask", c.SubnetMask, false); err != nil {
		return out, err
	}
	if out.DNS, err = parsePair("dns", c.DNS); err != nil {
		return out, err
	}
	if out.NBNS, err = parsePair("nbns", c.NBNS); err != nil {
		return out, err
	}

	out.EnableIPX = c.EnableIPX
	out.IPXNetwork = c.IPXNetwork
	if c.EnableIPX && !ppp.ValidNetwork(c.IPXNetwork) {
		return out, fmt.Errorf("%w: ipx_network %08x", ErrInvalid, c.IPXNetwork)
	}
	if out.IPXFrame, err = relay.ParseIPXFrame(c.IPXFrame); err != nil {
		return out, fmt.Errorf("%w: ipx_frame: %v", ErrInvalid, err)
	}

	for i, cr := range c.Credentials {
		if cr.Username == "" {
			return out, fmt.Errorf("%w: credentials[%d]: username required", ErrInvalid, i)
		}
		ip, err := parseIPv4(fmt.Sprintf("credentials[%d].static_ip", i), cr.StaticIP, false)
		if err != nil {
			return out, err
		}
		out.Credentials = append(out.Credentials, ppp.Credential{
			Username: cr.Username,
			Password: cr.Password,
			StaticIP: ip,
		})
	}
	out.PAPClient = ppp.Credential{Username: c.PAPClient.Username, Password: c.PAPClient.Password}
	out.AutoDetectPPP = c.AutoDetectPPP
	out.PPPoEService = c.PPPoEService

	if c.RADIUS.Enabled() && c.RADIUS.Secret == "" {
		return out, fmt.Errorf("%w: radius.secret required with servers", ErrInvalid)
	}
	if _, err := c.RADIUSServers(); err != nil {
		return out, err
	}

	if c.MaxSessions <= 0 {
		return out, fmt.Errorf("%w: max_sessions must be positive", ErrInvalid)
	}
	if c.PollInterval <= 0 {
		return out, fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	if c.SlipDelay < 0 {
		return out, fmt.Errorf("%w: slip_delay is negative", ErrInvalid)
	}
	out.MaxSessions = c.MaxSessions
	out.PollInterval = c.PollInterval
	out.SlipDelay = c.SlipDelay
	if c.Banner != "" {
		out.Banner = c.Banner
	}
	return out, nil
}

// RADIUSServers parses the radius.servers entries as host[:port].
func (c *Config) RADIUSServers() ([]radius.ServerConfig, error) {
	var result []radius.ServerConfig
	for _, s := range c.RADIUS.Servers {
		host, port, err := parseHostPort(s, DefaultRADIUSPort)
		if err != nil {
			return nil, fmt.Errorf("%w: radius server %q: %v", ErrInvalid, s, err)
		}
		result = append(result, radius.ServerConfig{
			Host:   host,
			Port:   port,
			Secret: c.RADIUS.Secret,
		})
	}
	return result, nil
}

// RADIUSClientConfig returns the client settings for pkg/radius.
func (c *Config) RADIUSClientConfig() (radius.ClientConfig, error) {
	servers, err := c.RADIUSServers()
	if err != nil {
		return radius.ClientConfig{}, err
	}
	return radius.ClientConfig{
		Servers: servers,
		NASID:   c.RADIUS.NASID,
		Timeout: c.RADIUS.Timeout,
		Retries: c.RADIUS.Retries,
	}, nil
}

func parseHostPort(s string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		if s == "" {
			return "", 0, errors.New("empty address")
		}
		return s, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

func parseIPv4(field, s string, required bool) (net.IP, error) {
	if s == "" {
		if required {
			return nil, fmt.Errorf("%w: %s required", ErrInvalid, field)
		}
		return nil, nil
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %s: %q is not an IPv4 address", ErrInvalid, field, s)
	}
	return ip, nil
}

func parsePair(field string, list []string) ([2]net.IP, error) {
	var out [2]net.IP
	if len(list) > len(out) {
		return out, fmt.Errorf("%w: %s: at most %d servers", ErrInvalid, field, len(out))
	}
	for i, s := range list {
		ip, err := parseIPv4(fmt.Sprintf("%s[%d]", field, i), s, true)
		if err != nil {
			return out, err
		}
		out[i] = ip
	}
	return out, nil
}
