//go:build linux

package capture

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Socket is an AF_PACKET socket bound to one link.
type Socket struct {
	fd      int
	link    netlink.Link
	index   int
	mac     net.HardwareAddr
	promisc bool
	logger  *zap.Logger

	closeOnce sync.Once
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Open opens a raw socket on the named link.
func Open(name string, opts Options, logger *zap.Logger) (*Socket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup link %s: %w", name, err)
	}
	attrs := link.Attrs()

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("open packet socket: %w", err)
	}
	s := &Socket{
		fd:     fd,
		link:   link,
		index:  attrs.Index,
		mac:    attrs.HardwareAddr,
		logger: logger.With(zap.String("interface", name)),
	}

	if !opts.AllTypes {
		if err := s.attachFilter(); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  s.index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}

	timeout := opts.RecvTimeout
	if timeout <= 0 {
		timeout = DefaultRecvTimeout
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	if opts.Promiscuous {
		if err := netlink.SetPromiscOn(link); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("enable promiscuous mode: %w", err)
		}
		s.promisc = true
	}

	s.logger.Info("Capture socket open",
		zap.Int("ifindex", s.index),
		zap.String("mac", s.mac.String()),
		zap.Bool("promiscuous", s.promisc),
	)
	return s, nil
}

func (s *Socket) attachFilter() error {
	raw, err := EtherTypeFilter()
	if err != nil {
		return fmt.Errorf("assemble filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("attach filter: %w", err)
	}
	return nil
}

// MAC returns the hardware address of the link.
func (s *Socket) MAC() net.HardwareAddr { return s.mac }

// Send transmits a frame to the destination in its Ethernet header.
func (s *Socket) Send(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame of %d bytes too short", len(frame))
	}
	addr := unix.SockaddrLinklayer{
		Protocol: htons(uint16(frame[12])<<8 | uint16(frame[13])),
		Ifindex:  s.index,
		Halen:    6,
	}
	copy(addr.Addr[:], frame[0:6])
	return unix.Sendto(s.fd, frame, 0, &addr)
}

// Recv reads the next frame received on the link. Frames we sent
// ourselves are skipped.
func (s *Socket) Recv(buf []byte) (int, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return 0, ErrTimeout
		case errors.Is(err, unix.EBADF):
			return 0, ErrClosed
		case err != nil:
			return 0, err
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return n, nil
	}
}

// Close restores the link and closes the socket.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.promisc {
			if perr := netlink.SetPromiscOff(s.link); perr != nil {
				s.logger.Warn("Failed to disable promiscuous mode", zap.Error(perr))
			}
		}
		err = unix.Close(s.fd)
	})
	return err
}
