package packetserver

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// Login prompts and messages.
const (
	promptUsername  = "Username: "
	promptPassword  = "Password: "
	promptProtocol  = "Protocol: "
	msgLoginFailed  = "Login incorrect\r\n"
	msgUnknownProto = "Unknown protocol. Choose ETHER, SLIP, IPXSLIP, PPP or PPPOE.\r\n"
	msgReady        = "Ready.\r\n"
)

// greet writes the banner and the first prompt.
func (s *Session) greet() {
	if banner := s.server.cfg.Banner; banner != "" {
		s.print("\r\n" + banner + "\r\n")
	}
	s.print(promptUsername)
}

func (s *Session) pollLogin() {
	switch s.stage {
	case StageUsername, StagePassword, StageProtocol:
		s.readLine()
	case StageVerify:
		s.pollVerify()
	case StageDHCP:
		// address acquisition is not implemented; the configured address,
		// if any, stays in force
		s.logger.Debug("DHCP not available, using configured address")
		s.setStage(StageInfo)
	case StageInfo:
		s.writeInfo()
	case StageSlipDelay:
		if s.elapsed >= s.server.cfg.SlipDelay {
			s.startPacket()
		}
	}
}

// readLine consumes guest keystrokes while a prompt is open.
func (s *Session) readLine() {
	for s.stage == StageUsername || s.stage == StagePassword || s.stage == StageProtocol {
		c, ok := s.nextByte()
		if !ok {
			return
		}
		s.keystroke(c)
	}
}

func (s *Session) keystroke(c byte) {
	switch {
	case c == framing.PPPFlag && s.stage == StageUsername && len(s.line) == 0 && s.server.cfg.AutoDetectPPP:
		s.unread()
		s.autoDetectPPP()
	case c == '\r':
		s.print("\r\n")
		line := string(s.line)
		s.line = s.line[:0]
		s.endLine(line)
	case c == 0x08 || c == 0x7f:
		if len(s.line) > 0 {
			s.line = s.line[:len(s.line)-1]
			if s.stage != StagePassword {
				s.print("\b \b")
			}
		}
	case c >= 0x20 && c < 0x7f:
		if len(s.line) >= maxLineLen {
			return
		}
		s.line = append(s.line, c)
		if s.stage != StagePassword {
			s.out.Append(c)
		}
	}
}

func (s *Session) endLine(line string) {
	switch s.stage {
	case StageUsername:
		s.username = line
		s.setStage(StagePassword)
		s.print(promptPassword)
	case StagePassword:
		s.login(line)
	case StageProtocol:
		mode, err := ParseMode(line)
		if err == nil && mode == ModeIPXSLIP && !s.server.cfg.EnableIPX {
			err = fmt.Errorf("IPX disabled")
		}
		if err != nil {
			s.logger.Debug("Protocol selection refused", zap.String("answer", line), zap.Error(err))
			s.print(msgUnknownProto + promptProtocol)
			return
		}
		s.selectMode(mode)
	}
}

// login checks the typed credentials against the table, falling back to
// the remote verifier.
func (s *Session) login(password string) {
	table := s.server.cfg.Credentials
	if cred, ok := ppp.MatchCredential(table, s.username, password); ok {
		s.ip = cred.StaticIP
		s.loginOK("local")
		return
	}
	if f := s.server.cfg.RemoteAuth; f != nil {
		s.verify = f(s.Slot, s.conn.Peer())(s.username, password)
		s.setStage(StageVerify)
		return
	}
	if len(table) == 0 {
		s.loginOK("open")
		return
	}
	s.loginFailed("local")
}

func (s *Session) pollVerify() {
	select {
	case res := <-s.verify:
		s.verify = nil
		if !res.OK {
			s.loginFailed("radius")
			return
		}
		s.ip = res.IP
		s.loginOK("radius")
	default:
	}
}

func (s *Session) loginOK(method string) {
	s.logger.Info("Login successful",
		zap.String("username", s.username),
		zap.String("method", method),
	)
	s.server.recorder.Auth(method, "ok")
	s.setStage(StageProtocol)
	s.print(promptProtocol)
}

func (s *Session) loginFailed(method string) {
	s.logger.Warn("Login failed",
		zap.String("username", s.username),
		zap.String("method", method),
	)
	s.server.recorder.Auth(method, "fail")
	s.print(msgLoginFailed)
	s.teardown("auth_failed")
}

// autoDetectPPP starts PPP straight from the username prompt. The guest
// has not logged in, so PAP is required.
func (s *Session) autoDetectPPP() {
	s.logger.Info("PPP detected at login prompt")
	s.line = s.line[:0]
	s.mode = ModePPP
	s.requireAuth = true
	s.ip = s.server.cfg.DefaultIP
	s.startPacket()
}

func (s *Session) selectMode(mode Mode) {
	s.mode = mode
	s.logger.Info("Protocol selected", zap.String("mode", mode.String()))
	if mode == ModeIPXSLIP {
		s.ipxNode = s.server.freeNode(s)
	}
	if mode.usesIP() && s.ip == nil {
		s.ip = s.server.cfg.DefaultIP
	}
	if mode.usesIP() && s.ip == nil {
		s.setStage(StageDHCP)
		return
	}
	s.setStage(StageInfo)
}

func (s *Session) writeInfo() {
	cfg := &s.server.cfg
	switch s.mode {
	case ModeSLIP, ModePPP:
		s.print(fmt.Sprintf("IP address: %s\r\n", ipString(s.ip)))
		s.print(fmt.Sprintf("Server address: %s\r\n", ipString(cfg.ServerIP)))
		s.print(fmt.Sprintf("Gateway: %s\r\n", ipString(cfg.Gateway)))
		s.print(fmt.Sprintf("DNS: %s\r\n", ipString(cfg.DNS[0])))
		s.print(fmt.Sprintf("Subnet mask: %s\r\n", ipString(cfg.SubnetMask)))
	case ModeIPXSLIP:
		s.print(fmt.Sprintf("IPX network: %08X\r\n", cfg.IPXNetwork))
		s.print(fmt.Sprintf("IPX node: %s\r\n", s.ipxNode))
	case ModeEther:
		s.print(fmt.Sprintf("Server MAC: %s\r\n", cfg.MAC))
	case ModePPPoE:
		s.print(fmt.Sprintf("PPPoE service: %q\r\n", cfg.PPPoEService))
	}
	s.print(msgReady)
	if s.mode.slipFramed() {
		s.setStage(StageSlipDelay)
		return
	}
	s.startPacket()
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "none"
	}
	return ip.String()
}
