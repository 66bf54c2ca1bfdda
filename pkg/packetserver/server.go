// Package packetserver is the engine behind the emulated modem's packet
// mode: it logs guests in, negotiates their link and relays their packets
// to and from the capture interface.
//
// All session state is advanced by Poll, which never blocks. A single
// capture thread feeds received frames to sessions through per-slot
// mailboxes guarded by one lock; a second lock guards only the flag that
// keeps the thread running.
package packetserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/capture"
	"github.com/codelaboratoryltd/packetmodem/pkg/pool"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// ErrUnknownSession is returned for a session ID not in the pool.
var ErrUnknownSession = errors.New("packetserver: unknown session")

// Server is the packet server.
type Server struct {
	cfg      Config
	iface    capture.Interface
	out      frameOut
	recorder Recorder
	logger   *zap.Logger

	// mu serializes Connect, Disconnect, Poll and the readers of session
	// state.
	mu       sync.Mutex
	sessions *pool.Pool[Session]

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	shared sync.Mutex
	slots  []slot
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID    string
	Slot  int
	Peer  string
	Mode  Mode
	Stage Stage
	IP    net.IP
	Age   time.Duration
}

// NewServer creates a packet server relaying through iface. recorder may
// be nil.
func NewServer(cfg Config, iface capture.Interface, recorder Recorder, logger *zap.Logger) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if iface == nil {
		return nil, fmt.Errorf("%w: capture interface required", ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Server{
		cfg:      cfg,
		iface:    iface,
		out:      frameOut{iface: iface, recorder: recorder},
		recorder: recorder,
		logger:   logger,
		sessions: pool.New[Session](cfg.MaxSessions),
		slots:    make([]slot, cfg.MaxSessions),
	}, nil
}

// Connect starts a session for a guest that dialled in.
func (s *Server) Connect(conn Transport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, rec, err := s.sessions.Allocate()
	if err != nil {
		s.logger.Warn("No free session slot", zap.String("peer", conn.Peer()))
		return "", err
	}
	*rec = newSession(s, idx, conn)
	s.clearSlot(idx)
	rec.greet()
	rec.flush()

	s.recorder.SessionOpened()
	rec.logger.Info("Session connected", zap.String("peer", conn.Peer()))
	return rec.ID, nil
}

// Disconnect ends a session as if the guest had hung up.
func (s *Server) Disconnect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Session
	s.sessions.Each(func(_ int, rec *Session) {
		if rec.ID == id {
			found = rec
		}
	})
	if found == nil {
		return ErrUnknownSession
	}
	found.teardown("disconnect")
	return nil
}

// Poll advances every session by dt.
func (s *Server) Poll(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []int
	s.sessions.Each(func(idx int, rec *Session) {
		rec.poll(dt)
		if rec.released {
			released = append(released, idx)
		}
	})
	for _, idx := range released {
		s.clearSlot(idx)
		if err := s.sessions.Release(idx); err != nil {
			s.logger.Error("Failed to release session slot", zap.Int("slot", idx), zap.Error(err))
		}
	}
	s.recordActive()
}

func (s *Server) recordActive() {
	type key struct{ mode, stage string }
	counts := make(map[key]int)
	s.sessions.Each(func(_ int, rec *Session) {
		counts[key{rec.mode.String(), rec.stage.String()}]++
	})
	s.recorder.ResetActive()
	for k, n := range counts {
		s.recorder.SetActive(k.mode, k.stage, n)
	}
}

// Run starts the capture thread and polls every PollInterval until ctx is
// done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Poll(now.Sub(last))
			last = now
		}
	}
}

// Sessions returns a snapshot of the allocated sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SessionInfo
	s.sessions.Each(func(idx int, rec *Session) {
		out = append(out, SessionInfo{
			ID:    rec.ID,
			Slot:  idx,
			Peer:  rec.conn.Peer(),
			Mode:  rec.mode,
			Stage: rec.stage,
			IP:    rec.ip,
			Age:   rec.age,
		})
	})
	return out
}

// PoolStats reports slot occupancy.
func (s *Server) PoolStats() pool.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Stats()
}

// nodeInUse reports whether a session other than self uses node.
func (s *Server) nodeInUse(node ppp.Node, self *Session) bool {
	inUse := false
	s.sessions.Each(func(_ int, rec *Session) {
		if rec == self || inUse {
			return
		}
		if n, ok := rec.guestNode(); ok && n == node {
			inUse = true
		}
	})
	return inUse
}

// freeNode picks an IPX node no other session uses, starting after the
// server's own.
func (s *Server) freeNode(self *Session) ppp.Node {
	node := ppp.NextNode(s.cfg.ServerNode, s.cfg.ServerNode)
	for i := 0; i <= s.sessions.Cap(); i++ {
		if !s.nodeInUse(node, self) {
			return node
		}
		node = ppp.NextNode(node, s.cfg.ServerNode)
	}
	return node
}
