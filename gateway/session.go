// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
)

const inboundQueueLength = 256

// Session is an authenticated link to the client's gateway.
type Session interface {
	// Send transmits one packet to the gateway.
	Send(pkt *MixPacket) error

	// Inbound returns the channel of deliveries.  It is closed when the
	// session terminates.
	Inbound() <-chan *Delivery

	// Close tears the session down.
	Close() error
}

// DialConfig is the configuration for Dial.
type DialConfig struct {
	Address           string
	ServerName        string
	VerifyCertificate bool
	ClientID          [32]byte
}

// QUICSession is a Session carried over a single QUIC stream.
type QUICSession struct {
	worker.Worker

	log *logging.Logger

	conn   *quic.Conn
	stream *quic.Stream

	sendLock  sync.Mutex
	inboundCh chan *Delivery
	closed    atomic.Bool
	err       atomic.Value
}

// Dial connects and authenticates to the gateway.
func Dial(ctx context.Context, cfg *DialConfig, logBackend *log.Backend) (*QUICSession, error) {
	conn, err := quic.DialAddr(ctx, cfg.Address, clientTLSConfig(cfg), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %v: %w", cfg.Address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}
	if err = writeFrame(stream, &hello{Version: ProtocolVersion, ClientID: cfg.ClientID}); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	var w welcome
	if err = readFrame(stream, &w); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	if !w.OK {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, w.Reason)
	}
	stream.SetDeadline(time.Time{})

	s := &QUICSession{
		log:       logBackend.GetLogger("gateway/session"),
		conn:      conn,
		stream:    stream,
		inboundCh: make(chan *Delivery, inboundQueueLength),
	}
	s.Go(s.reader)
	s.log.Noticef("Connected to gateway %v", cfg.Address)
	return s, nil
}

// Send implements Session.
func (s *QUICSession) Send(pkt *MixPacket) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if err := writeFrame(s.stream, pkt); err != nil {
		return fmt.Errorf("gateway: send: %w", err)
	}
	return nil
}

// Inbound implements Session.
func (s *QUICSession) Inbound() <-chan *Delivery {
	return s.inboundCh
}

// Err returns the error that terminated the session, if any.
func (s *QUICSession) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close implements Session.
func (s *QUICSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.conn.CloseWithError(0, "")
	s.Halt()
	return err
}

func (s *QUICSession) reader() {
	defer close(s.inboundCh)
	for {
		d := new(Delivery)
		if err := readFrame(s.stream, d); err != nil {
			if !s.closed.Load() {
				s.err.Store(err)
				s.closed.Store(true)
				s.log.Errorf("Gateway link failed: %v", err)
			}
			return
		}
		select {
		case s.inboundCh <- d:
		case <-s.HaltCh():
			return
		}
	}
}
