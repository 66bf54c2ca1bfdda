// Package capture sends and receives raw Ethernet frames on the host
// interface shared by all packet-server sessions.
package capture

import (
	"errors"
	"time"

	"golang.org/x/net/bpf"
)

var (
	// ErrTimeout is returned by Recv when no frame arrived in time.
	ErrTimeout = errors.New("capture: receive timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: interface closed")
)

// MaxFrameSize is the largest Ethernet frame handled, VLAN tag included.
const MaxFrameSize = 1522

// Interface is a raw Ethernet interface.
type Interface interface {
	// Send transmits one complete Ethernet frame.
	Send(frame []byte) error
	// Recv reads one frame into buf. It waits at most the receive timeout
	// and returns ErrTimeout when nothing arrived.
	Recv(buf []byte) (int, error)
	Close() error
}

// Options configures a host socket.
type Options struct {
	// Promiscuous puts the link in promiscuous mode while open. Raw
	// Ethernet sessions need it to see frames for their own MAC.
	Promiscuous bool
	// AllTypes disables the kernel filter on Ethernet type.
	AllTypes bool
	// RecvTimeout bounds each Recv call.
	RecvTimeout time.Duration
}

// DefaultRecvTimeout keeps the capture loop responsive to Stop.
const DefaultRecvTimeout = 100 * time.Millisecond

// EtherTypeFilter is a classic BPF program accepting IPv4, ARP, IPX, PPPoE
// and 802.3 length-framed packets (raw and SNAP IPX).
func EtherTypeFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpLessOrEqual, Val: 1500, SkipTrue: 6},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipTrue: 5},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0806, SkipTrue: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x8137, SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x8863, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x8864, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: MaxFrameSize},
	})
}
