package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/packetserver"
)

const noCarrier = "NO CARRIER\r\n"

// bridge attaches TCP connections to packet server sessions. Each
// connection stands in for one serial line.
type bridge struct {
	srv    *packetserver.Server
	logger *zap.Logger
	// idle is how long the copy loops wait when a queue is empty or full.
	idle time.Duration
}

func newBridge(srv *packetserver.Server, idle time.Duration, logger *zap.Logger) *bridge {
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}
	return &bridge{srv: srv, logger: logger, idle: idle}
}

// serve accepts connections until ctx is cancelled.
func (b *bridge) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go b.handle(ctx, conn)
	}
}

func (b *bridge) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	port := packetserver.NewPort(peer, packetserver.DefaultQueueSize)
	id, err := b.srv.Connect(port)
	if err != nil {
		b.logger.Warn("Refusing connection", zap.String("peer", peer), zap.Error(err))
		conn.Write([]byte(noCarrier))
		return
	}

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		b.toGuest(ctx, conn, port, stop)
	}()

	b.fromGuest(conn, port)
	close(stop)
	<-drained

	if err := b.srv.Disconnect(id); err != nil && !errors.Is(err, packetserver.ErrUnknownSession) {
		b.logger.Warn("Disconnect failed", zap.String("session", id), zap.Error(err))
	}
}

// fromGuest copies connection bytes into the port until the connection
// fails or the server hangs up.
func (b *bridge) fromGuest(conn net.Conn, port *packetserver.Port) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		data := buf[:n]
		for len(data) > 0 && port.Connected() {
			w := port.GuestWrite(data)
			data = data[w:]
			if len(data) > 0 {
				time.Sleep(b.idle)
			}
		}
		if err != nil || !port.Connected() {
			return
		}
	}
}

// toGuest copies queued server output to the connection. After a hangup it
// flushes what is left and closes the connection, which ends fromGuest.
func (b *bridge) toGuest(ctx context.Context, conn net.Conn, port *packetserver.Port, stop <-chan struct{}) {
	ticker := time.NewTicker(b.idle)
	defer ticker.Stop()

	buf := make([]byte, packetserver.DefaultQueueSize)
	for {
		for {
			n := port.GuestRead(buf)
			if n == 0 {
				break
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
		if !port.Connected() {
			conn.Write([]byte(noCarrier))
			conn.Close()
			return
		}

		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
