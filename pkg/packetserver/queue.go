package packetserver

import "sync"

// DefaultQueueSize is the capacity of each direction of a Port.
const DefaultQueueSize = 4096

// Transport is the guest side of a session: the byte queues filled and
// drained by the serial line emulation. Implementations never block.
type Transport interface {
	// Read copies bytes sent by the guest into p.
	Read(p []byte) int
	// Write queues bytes for the guest and returns how many were accepted.
	Write(p []byte) int
	// Free returns the room left for Write.
	Free() int
	// Connected reports whether the guest is still on the line.
	Connected() bool
	// Peer names the guest for logs and Calling-Station-Id.
	Peer() string
	// Hangup drops the line.
	Hangup()
}

// ByteQueue is a fixed-capacity FIFO of bytes safe for one reader and one
// writer on different goroutines.
type ByteQueue struct {
	mu   sync.Mutex
	buf  []byte
	head int
	n    int
}

// NewByteQueue creates a queue holding up to size bytes.
func NewByteQueue(size int) *ByteQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &ByteQueue{buf: make([]byte, size)}
}

// Write appends as much of p as fits and returns the count.
func (q *ByteQueue) Write(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	written := 0
	for written < len(p) && q.n < len(q.buf) {
		tail := (q.head + q.n) % len(q.buf)
		end := len(q.buf)
		if tail < q.head {
			end = q.head
		}
		c := copy(q.buf[tail:end], p[written:])
		written += c
		q.n += c
	}
	return written
}

// Read removes up to len(p) bytes into p and returns the count.
func (q *ByteQueue) Read(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	read := 0
	for read < len(p) && q.n > 0 {
		end := q.head + q.n
		if end > len(q.buf) {
			end = len(q.buf)
		}
		c := copy(p[read:], q.buf[q.head:end])
		read += c
		q.n -= c
		q.head = (q.head + c) % len(q.buf)
	}
	if q.n == 0 {
		q.head = 0
	}
	return read
}

// Len returns the number of queued bytes.
func (q *ByteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Free returns the room left.
func (q *ByteQueue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.n
}

// Reset drops every queued byte.
func (q *ByteQueue) Reset() {
	q.mu.Lock()
	q.head, q.n = 0, 0
	q.mu.Unlock()
}

// Port pairs the two queues of a serial line. The server uses the
// Transport methods; the line emulation uses the Guest methods.
type Port struct {
	toGuest   *ByteQueue
	fromGuest *ByteQueue
	peer      string

	mu        sync.Mutex
	connected bool
}

// NewPort creates a connected port.
func NewPort(peer string, size int) *Port {
	return &Port{
		toGuest:   NewByteQueue(size),
		fromGuest: NewByteQueue(size),
		peer:      peer,
		connected: true,
	}
}

// Read implements Transport.
func (p *Port) Read(b []byte) int { return p.fromGuest.Read(b) }

// Write implements Transport.
func (p *Port) Write(b []byte) int { return p.toGuest.Write(b) }

// Free implements Transport.
func (p *Port) Free() int { return p.toGuest.Free() }

// Peer implements Transport.
func (p *Port) Peer() string { return p.peer }

// Connected implements Transport.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Hangup drops the line.
func (p *Port) Hangup() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// GuestWrite queues bytes typed by the guest.
func (p *Port) GuestWrite(b []byte) int { return p.fromGuest.Write(b) }

// GuestRead takes bytes the server sent to the guest.
func (p *Port) GuestRead(b []byte) int { return p.toGuest.Read(b) }

// Pending returns how many bytes await the guest.
func (p *Port) Pending() int { return p.toGuest.Len() }
