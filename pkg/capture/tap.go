package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Tap wraps an Interface and records every frame sent or received to a
// pcap stream.
type Tap struct {
	Interface

	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// NewTap writes the pcap file header to w and returns the wrapping Tap.
func NewTap(inner Interface, w io.Writer) (*Tap, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(MaxFrameSize, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	t := &Tap{Interface: inner, w: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// OpenTap creates the pcap file at path.
func OpenTap(inner Interface, path string) (*Tap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	t, err := NewTap(inner, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tap) record(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     t.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	t.mu.Lock()
	// a failed record must not stop traffic
	_ = t.w.WritePacket(ci, frame)
	t.mu.Unlock()
}

// Send records and transmits frame.
func (t *Tap) Send(frame []byte) error {
	t.record(frame)
	return t.Interface.Send(frame)
}

// Recv receives and records a frame.
func (t *Tap) Recv(buf []byte) (int, error) {
	n, err := t.Interface.Recv(buf)
	if err == nil {
		t.record(buf[:n])
	}
	return n, err
}

// Close closes the wrapped interface and the pcap file.
func (t *Tap) Close() error {
	err := t.Interface.Close()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
