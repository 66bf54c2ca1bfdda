package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// Client is a RADIUS client for PAP verification
type Client struct {
	servers    []ServerConfig
	nasID      string
	logger     *zap.Logger
	timeout    time.Duration
	retries    int
	currentIdx int
	mu         sync.Mutex
}

// ServerConfig holds RADIUS server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Secret string
}

// ClientConfig holds RADIUS client configuration
type ClientConfig struct {
	Servers []ServerConfig
	NASID   string
	Timeout time.Duration
	Retries int
}

// AuthRequest holds authentication request parameters
type AuthRequest struct {
	Username  string
	Password  string
	NASPort   uint32 // session slot
	CallingID string // guest transport address
}

// AuthResponse holds authentication response data
type AuthResponse struct {
	Accepted       bool
	RejectReason   string
	SessionTimeout uint32 // Session-Timeout attribute
	FramedIP       net.IP // Framed-IP-Address
}

// NewClient creates a new RADIUS client
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	if cfg.NASID == "" {
		return nil, fmt.Errorf("NAS-Identifier required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &Client{
		servers: cfg.Servers,
		nasID:   cfg.NASID,
		logger:  logger,
		timeout: timeout,
		retries: retries,
	}, nil
}

// Authenticate sends an Access-Request and returns the response
func (c *Client) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	server := c.getServer()

	packet, err := c.buildRequest(req, server.Secret)
	if err != nil {
		return nil, err
	}

	// Send request with retries
	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)
	var response *radius.Packet

	for attempt := 0; attempt < c.retries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		response, err = radius.Exchange(reqCtx, packet, addr)
		cancel()

		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.logger.Warn("RADIUS request failed, retrying",
			zap.String("server", addr),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		// Try next server on failure; the secret may differ so the
		// request is rebuilt
		if attempt < c.retries-1 && len(c.servers) > 1 {
			c.nextServer()
			server = c.getServer()
			addr = fmt.Sprintf("%s:%d", server.Host, server.Port)
			if packet, err = c.buildRequest(req, server.Secret); err != nil {
				return nil, err
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("RADIUS authentication failed after %d attempts: %w", c.retries, err)
	}

	authResp := &AuthResponse{}

	switch response.Code {
	case radius.CodeAccessAccept:
		authResp.Accepted = true
		if timeout, err := rfc2865.SessionTimeout_Lookup(response); err == nil {
			authResp.SessionTimeout = uint32(timeout)
		}
		if ip, err := rfc2865.FramedIPAddress_Lookup(response); err == nil {
			authResp.FramedIP = ip
		}
	case radius.CodeAccessReject:
		if msg, err := rfc2865.ReplyMessage_LookupString(response); err == nil {
			authResp.RejectReason = msg
		}
	case radius.CodeAccessChallenge:
		return nil, fmt.Errorf("access challenge not supported")
	default:
		return nil, fmt.Errorf("unexpected RADIUS response code: %d", response.Code)
	}

	c.logger.Debug("RADIUS authentication complete",
		zap.String("username", req.Username),
		zap.Bool("accepted", authResp.Accepted),
	)

	return authResp, nil
}

func (c *Client) buildRequest(req *AuthRequest, secret string) (*radius.Packet, error) {
	packet := radius.New(radius.CodeAccessRequest, []byte(secret))

	rfc2865.UserName_SetString(packet, req.Username)
	if err := rfc2865.UserPassword_SetString(packet, req.Password); err != nil {
		return nil, fmt.Errorf("failed to encode password: %w", err)
	}
	rfc2865.NASIdentifier_SetString(packet, c.nasID)
	rfc2865.NASPortType_Set(packet, rfc2865.NASPortType_Value_Async)
	rfc2865.NASPort_Set(packet, rfc2865.NASPort(req.NASPort))
	rfc2865.ServiceType_Set(packet, rfc2865.ServiceType_Value_FramedUser)
	rfc2865.FramedProtocol_Set(packet, rfc2865.FramedProtocol_Value_PPP)
	if req.CallingID != "" {
		rfc2865.CallingStationID_SetString(packet, req.CallingID)
	}

	if err := addMessageAuthenticator(packet, []byte(secret)); err != nil {
		return nil, fmt.Errorf("failed to add message authenticator: %w", err)
	}
	return packet, nil
}

// Observer receives the outcome ("accept", "reject" or "error") and latency
// of every verification.
type Observer func(result string, latency time.Duration)

// Verifier returns a ppp.RemoteAuth that checks PAP credentials against the
// RADIUS servers. Each check runs on its own goroutine and delivers exactly
// one result on the returned channel, so the caller can poll it without
// blocking. tmpl supplies the per-session NAS-Port and Calling-Station-Id.
// Pending checks are abandoned when ctx is cancelled.
func (c *Client) Verifier(ctx context.Context, tmpl AuthRequest, observe Observer) ppp.RemoteAuth {
	return func(username, password string) <-chan ppp.AuthResult {
		out := make(chan ppp.AuthResult, 1)
		req := tmpl
		req.Username = username
		req.Password = password

		go func() {
			start := time.Now()
			resp, err := c.Authenticate(ctx, &req)
			result := ppp.AuthResult{}
			outcome := "error"
			switch {
			case err != nil:
				c.logger.Warn("RADIUS verification failed",
					zap.String("username", username),
					zap.Error(err),
				)
				result.Message = "Authentication unavailable"
			case resp.Accepted:
				outcome = "accept"
				result.OK = true
				result.IP = resp.FramedIP
			default:
				outcome = "reject"
				result.Message = resp.RejectReason
			}
			if observe != nil {
				observe(outcome, time.Since(start))
			}
			out <- result
		}()
		return out
	}
}

// getServer returns the current RADIUS server
func (c *Client) getServer() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.currentIdx]
}

// nextServer advances to the next RADIUS server
func (c *Client) nextServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentIdx = (c.currentIdx + 1) % len(c.servers)
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)

	// Set to zeros for calculation
	rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16))

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)

	rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))

	return nil
}
