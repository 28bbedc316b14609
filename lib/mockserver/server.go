// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/handshake"
	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

// ErrPeerClosed is returned when reading from a peer whose connection
// has ended.
var ErrPeerClosed = errors.New("mockserver: peer connection closed")

// Options configures a Server.
type Options struct {
	// Logger is required.
	Logger *slog.Logger

	// Plain skips the key exchange, matching a client using
	// handshake.Plain.
	Plain bool

	// HandshakeTimeout bounds the wait for the client's key. Zero
	// means handshake.DefaultTimeout.
	HandshakeTimeout time.Duration

	// Codec encodes frames sent to clients.
	Codec protocol.Codec
}

// Server accepts client connections on loopback.
type Server struct {
	listener net.Listener
	options  Options
	logger   *slog.Logger
	peers    chan *Peer

	// ctx is cancelled by Close to abort pending handshakes.
	ctx    context.Context
	cancel context.CancelFunc

	active    sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Listen starts a server on an ephemeral loopback port.
func Listen(options Options) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		ctx:      ctx,
		cancel:   cancel,
		listener: listener,
		options:  options,
		logger:   options.Logger.With("component", "mockserver"),
		peers:    make(chan *Peer, 16),
		closed:   make(chan struct{}),
	}
	server.active.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address as host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// DialConfig returns a plaintext client configuration for the server.
func (s *Server) DialConfig() transport.DialConfig {
	return transport.DialConfig{Address: s.Addr(), Plaintext: true}
}

func (s *Server) acceptLoop() {
	defer s.active.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the handshake and publishes the peer.
// Connections that fail the handshake are closed and never published.
func (s *Server) handleConnection(raw net.Conn) {
	conn := transport.NewConn(raw, transport.Options{
		Codec:  s.options.Codec,
		Logger: s.logger,
	})

	if !s.options.Plain {
		_, err := handshake.Accept(s.ctx, conn, s.options.HandshakeTimeout)
		if err != nil {
			s.logger.Warn("handshake failed", "remote", raw.RemoteAddr(), "error", err)
			conn.Close()
			return
		}
	}

	peer := newPeer(conn, raw, s.logger)
	select {
	case s.peers <- peer:
	case <-s.closed:
		peer.Close()
	}
}

// Accept returns the next client that completed the handshake.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	select {
	case peer := <-s.peers:
		return peer, nil
	case <-s.closed:
		return nil, errors.New("mockserver: server closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and waits for pending handshakes. Peers
// already returned by Accept stay open until closed by the test.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.listener.Close()
		s.active.Wait()
	})
	return err
}

// Peer is the server end of one client connection.
type Peer struct {
	conn     *transport.Conn
	raw      net.Conn
	logger   *slog.Logger
	received chan protocol.Message

	mu  sync.Mutex
	err error
}

func newPeer(conn *transport.Conn, raw net.Conn, logger *slog.Logger) *Peer {
	peer := &Peer{
		conn:     conn,
		raw:      raw,
		logger:   logger,
		received: make(chan protocol.Message, 64),
	}
	go peer.readLoop()
	return peer
}

func (p *Peer) readLoop() {
	defer close(p.received)
	p.conn.SetReadTimeout(0)
	for {
		message, err := p.conn.Receive()
		if err != nil {
			if protocol.IsInvalid(err) {
				p.logger.Warn("client sent malformed message", "error", err)
				continue
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		p.received <- message
	}
}

// Received yields client messages in arrival order. It is closed when
// the connection ends.
func (p *Peer) Received() <-chan protocol.Message { return p.received }

// Err returns the read error that ended the connection, if any.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Next waits for the next client message.
func (p *Peer) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case message, ok := <-p.received:
		if !ok {
			return protocol.Message{}, ErrPeerClosed
		}
		return message, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Expect waits for the next client message and checks its kind.
func (p *Peer) Expect(ctx context.Context, kind protocol.Kind) (protocol.Message, error) {
	message, err := p.Next(ctx)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("waiting for %s: %w", kind, err)
	}
	if message.Kind != kind {
		return message, fmt.Errorf("got %s, want %s", message.Kind, kind)
	}
	return message, nil
}

// AcceptLogin waits for CONNECTION and answers it. check decides the
// outcome: a nil check, or one returning nil, acknowledges with
// userID; an error refuses with its text.
func (p *Peer) AcceptLogin(ctx context.Context, userID int64, check func(protocol.Connection) error) (protocol.Connection, error) {
	message, err := p.Expect(ctx, protocol.KindConnection)
	if err != nil {
		return protocol.Connection{}, err
	}
	var request protocol.Connection
	if err := message.DecodePayload(&request); err != nil {
		return protocol.Connection{}, err
	}

	var reply protocol.Message
	if check != nil {
		if refusal := check(request); refusal != nil {
			reply, err = protocol.New(protocol.KindConnection, protocol.ConnectionResult{Error: refusal.Error()})
			if err != nil {
				return request, err
			}
			return request, p.Send(reply)
		}
	}
	reply, err = protocol.New(protocol.KindConnection, protocol.ConnectionResult{UserID: userID})
	if err != nil {
		return request, err
	}
	reply.Ack = true
	return request, p.Send(reply)
}

// Send writes a message to the client.
func (p *Peer) Send(message protocol.Message) error {
	return p.conn.Send(message)
}

// SendPayload builds and sends a message of kind carrying payload.
func (p *Peer) SendPayload(kind protocol.Kind, payload any) error {
	message, err := protocol.New(kind, payload)
	if err != nil {
		return err
	}
	return p.Send(message)
}

// SendEntry builds and sends an entry event.
func (p *Peer) SendEntry(kind protocol.Kind, table model.Table, entry protocol.Entry) error {
	message, err := protocol.NewEntry(kind, table, entry)
	if err != nil {
		return err
	}
	return p.Send(message)
}

// WriteRaw writes bytes to the client unframed and unsealed. It must
// not be called concurrently with Send.
func (p *Peer) WriteRaw(data []byte) error {
	_, err := p.raw.Write(data)
	return err
}

// Close closes the connection. The client sees end of stream.
func (p *Peer) Close() error {
	return p.conn.Close()
}
