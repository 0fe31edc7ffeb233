// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
)

const handshakeTimeout = 10 * time.Second

// Authenticator decides whether a client may attach to the gateway.
type Authenticator func(clientID [32]byte) bool

// Handler serves one authenticated client.  The connection is closed when
// the handler returns.
type Handler func(*ServerConn)

// ServerConn is the gateway end of a client session.
type ServerConn struct {
	ClientID [32]byte

	conn      *quic.Conn
	stream    *quic.Stream
	writeLock sync.Mutex
}

// Recv blocks for the next packet from the client.
func (c *ServerConn) Recv() (*MixPacket, error) {
	pkt := new(MixPacket)
	if err := readFrame(c.stream, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Deliver sends a delivery to the client.
func (c *ServerConn) Deliver(d *Delivery) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return writeFrame(c.stream, d)
}

// Close terminates the client session.
func (c *ServerConn) Close() error {
	return c.conn.CloseWithError(0, "")
}

// Listener accepts client sessions over QUIC.
type Listener struct {
	worker.Worker

	log     *logging.Logger
	l       *quic.Listener
	auth    Authenticator
	handler Handler

	connsLock sync.Mutex
	conns     map[*ServerConn]struct{}
}

// Listen starts accepting client sessions on address.
func Listen(address string, tlsConf *tls.Config, auth Authenticator, handler Handler, logBackend *log.Backend) (*Listener, error) {
	ql, err := quic.ListenAddr(address, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		log:     logBackend.GetLogger("gateway/listener"),
		l:       ql,
		auth:    auth,
		handler: handler,
		conns:   make(map[*ServerConn]struct{}),
	}
	l.Go(l.acceptWorker)
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops the listener and every client session.
func (l *Listener) Close() {
	l.l.Close()
	l.connsLock.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.connsLock.Unlock()
	l.Halt()
}

func (l *Listener) acceptWorker() {
	ctx, cancel := l.HaltContext(context.Background())
	defer cancel()
	for {
		conn, err := l.l.Accept(ctx)
		if err != nil {
			if !l.IsHalted() {
				l.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		l.Go(func() { l.serve(ctx, conn) })
	}
}

func (l *Listener) serve(ctx context.Context, conn *quic.Conn) {
	c, err := l.handshake(ctx, conn)
	if err != nil {
		l.log.Warningf("Rejecting %v: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(0, "")
		return
	}

	l.connsLock.Lock()
	if l.IsHalted() {
		l.connsLock.Unlock()
		c.Close()
		return
	}
	l.conns[c] = struct{}{}
	l.connsLock.Unlock()

	l.log.Debugf("Client %x attached from %v", c.ClientID[:8], conn.RemoteAddr())
	l.handler(c)

	l.connsLock.Lock()
	delete(l.conns, c)
	l.connsLock.Unlock()
	c.Close()
}

func (l *Listener) handshake(ctx context.Context, conn *quic.Conn) (*ServerConn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return nil, err
	}
	stream.SetDeadline(time.Now().Add(handshakeTimeout))

	var h hello
	if err = readFrame(stream, &h); err != nil {
		return nil, err
	}
	w := welcome{OK: true}
	switch {
	case h.Version != ProtocolVersion:
		w = welcome{Reason: fmt.Sprintf("unsupported version %d", h.Version)}
	case l.auth != nil && !l.auth(h.ClientID):
		w = welcome{Reason: "client not authorized"}
	}
	if err = writeFrame(stream, &w); err != nil {
		return nil, err
	}
	if !w.OK {
		// Give the peer a moment to read the refusal before the close.
		time.Sleep(50 * time.Millisecond)
		return nil, errors.New(w.Reason)
	}
	stream.SetDeadline(time.Time{})
	return &ServerConn{ClientID: h.ClientID, conn: conn, stream: stream}, nil
}
