//go:build !linux

package capture

import (
	"fmt"
	"net"
	"runtime"

	"go.uber.org/zap"
)

// Socket is unavailable on non-Linux platforms.
type Socket struct{}

// Open returns an error on non-Linux platforms.
func Open(name string, opts Options, logger *zap.Logger) (*Socket, error) {
	return nil, fmt.Errorf("raw sockets not supported on %s (Linux required for packet capture)", runtime.GOOS)
}

// MAC returns nil.
func (s *Socket) MAC() net.HardwareAddr { return nil }

// Send returns an error on non-Linux platforms.
func (s *Socket) Send(frame []byte) error {
	return fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}

// Recv returns an error on non-Linux platforms.
func (s *Socket) Recv(buf []byte) (int, error) {
	return 0, fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}

// Close is a no-op on non-Linux platforms.
func (s *Socket) Close() error {
	return nil
}
