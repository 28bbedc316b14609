// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/handshake"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/secret"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

// Options configures a Session.
type Options struct {
	// Strategy performs the handshake. Nil means
	// handshake.KeyExchange with HandshakeTimeout.
	Strategy handshake.Strategy

	// HandshakeTimeout bounds each read during the handshake and the
	// login exchange. Zero means handshake.DefaultTimeout.
	HandshakeTimeout time.Duration

	// Codec, Observer and WriteTimeout configure the connection
	// created by Dial. New uses the connection as given.
	Codec        protocol.Codec
	Observer     transport.Observer
	WriteTimeout time.Duration

	// Logger is required.
	Logger *slog.Logger

	// Replica seeds the session with previously cached state. Connect
	// uses it only when its login matches.
	Replica *replica.Replica
}

type sinkBox struct {
	sink reconcile.Sink
}

// Session is one logged-in connection to the server.
type Session struct {
	conn             *transport.Conn
	logger           *slog.Logger
	handshakeTimeout time.Duration
	handshake        *handshake.Result
	seed             *replica.Replica

	state atomic.Int32
	sink  atomic.Pointer[sinkBox]

	// mu guards the fields below and the Established → Running
	// transition.
	mu         sync.Mutex
	replica    *replica.Replica
	reconciler *reconcile.Reconciler
	running    bool
	closing    bool
	err        error

	finishOnce sync.Once
	done       chan struct{}
}

// Dial connects to the server described by config and runs the
// handshake. Failures are returned as *InitializationError.
func Dial(ctx context.Context, config transport.DialConfig, options Options) (*Session, error) {
	conn, err := transport.Dial(ctx, config, transport.Options{
		Codec:        options.Codec,
		Logger:       options.Logger,
		Observer:     options.Observer,
		WriteTimeout: options.WriteTimeout,
	})
	if err != nil {
		return nil, &InitializationError{Stage: StageDial, Err: err}
	}
	return New(ctx, conn, options)
}

// New runs the handshake on conn. On failure conn is closed and an
// *InitializationError is returned.
func New(ctx context.Context, conn *transport.Conn, options Options) (*Session, error) {
	timeout := options.HandshakeTimeout
	if timeout <= 0 {
		timeout = handshake.DefaultTimeout
	}
	strategy := options.Strategy
	if strategy == nil {
		strategy = handshake.KeyExchange{Timeout: timeout}
	}

	session := &Session{
		conn:             conn,
		logger:           options.Logger,
		handshakeTimeout: timeout,
		seed:             options.Replica,
		done:             make(chan struct{}),
	}
	session.state.Store(int32(StateHandshaking))

	result, err := strategy.Perform(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, &InitializationError{Stage: StageHandshake, Err: err}
	}
	session.handshake = result
	session.state.Store(int32(StateEstablished))
	session.logger.Info("session established",
		"handshake", strategy.Name(),
		"sealed", result.Sealed(),
	)
	return session, nil
}

// Connect logs in. It sends CONNECTION and waits for the server's
// answer with the handshake timeout. A refusal or any failure closes
// the session and returns an *InitializationError; a refusal wraps
// ErrConnectionRefused.
func (s *Session) Connect(ctx context.Context, login string, password *secret.Buffer) error {
	if s.State() != StateEstablished {
		return fmt.Errorf("connect: %w", ErrNotEstablished)
	}
	s.mu.Lock()
	loggedIn := s.reconciler != nil
	s.mu.Unlock()
	if loggedIn {
		return errors.New("connect: already logged in")
	}

	result, err := s.login(ctx, login, password)
	if err != nil {
		s.finish(StateDisconnected, err)
		return &InitializationError{Stage: StageConnect, Err: err}
	}

	target := s.seed
	if target == nil || target.Login() != login {
		target = replica.New(login)
	}
	s.mu.Lock()
	s.replica = target
	s.reconciler = reconcile.New(target, s.conn, s.logger)
	s.mu.Unlock()

	s.logger.Info("logged in", "login", login, "user_id", result.UserID, "cached", target == s.seed)
	return nil
}

func (s *Session) login(ctx context.Context, login string, password *secret.Buffer) (protocol.ConnectionResult, error) {
	request := protocol.Connection{Login: login}
	if password != nil {
		request.Password = password.String()
	}
	message, err := protocol.New(protocol.KindConnection, request)
	if err != nil {
		return protocol.ConnectionResult{}, err
	}

	previous := s.conn.ReadTimeout()
	s.conn.SetReadTimeout(s.handshakeTimeout)
	defer s.conn.SetReadTimeout(previous)

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.conn.Send(message); err != nil {
		return protocol.ConnectionResult{}, err
	}
	reply, err := s.conn.Receive()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.ConnectionResult{}, fmt.Errorf("waiting for login reply: %w", ctxErr)
		}
		return protocol.ConnectionResult{}, fmt.Errorf("waiting for login reply: %w", err)
	}
	if reply.Kind != protocol.KindConnection {
		return protocol.ConnectionResult{}, fmt.Errorf("waiting for login reply: unexpected %s", reply.Kind)
	}

	var result protocol.ConnectionResult
	if len(reply.Payload) > 0 {
		if err := reply.DecodePayload(&result); err != nil {
			return protocol.ConnectionResult{}, err
		}
	}
	if !reply.Ack {
		reason := result.Error
		if reason == "" {
			reason = "no reason given"
		}
		return protocol.ConnectionResult{}, fmt.Errorf("%w: %s", ErrConnectionRefused, reason)
	}
	return result, nil
}

// SetSink attaches the receiver of replica changes, replacing any
// previous one. Messages that arrive while no sink is attached are
// dropped, so attach it before Start to see everything.
func (s *Session) SetSink(sink reconcile.Sink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sinkBox{sink: sink})
}

func (s *Session) currentSink() reconcile.Sink {
	if box := s.sink.Load(); box != nil {
		return box.sink
	}
	return nil
}

// Start switches to unbounded reads and launches the receive loop.
// The session must be Established and logged in.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.State() != StateEstablished {
		return fmt.Errorf("start: %w", ErrNotEstablished)
	}
	if s.reconciler == nil {
		return fmt.Errorf("start: %w", ErrNotConnected)
	}
	s.running = true
	s.state.Store(int32(StateRunning))
	s.conn.SetReadTimeout(0)
	go s.run(s.reconciler)
	return nil
}

// run is the receive-dispatch loop. It owns the connection's read
// side until the session ends.
func (s *Session) run(reconciler *reconcile.Reconciler) {
	state, err := StateDisconnected, error(nil)
	for {
		message, receiveErr := s.conn.Receive()
		if receiveErr != nil {
			if errors.Is(receiveErr, transport.ErrTimeout) {
				continue
			}
			if protocol.IsInvalid(receiveErr) {
				s.logger.Warn("dropping malformed message", "error", receiveErr)
				continue
			}
			if !errors.Is(receiveErr, transport.ErrDisconnected) {
				state = StateFaulted
			}
			err = receiveErr
			break
		}

		if dispatchErr := s.dispatch(reconciler, message); dispatchErr != nil {
			if errors.Is(dispatchErr, reconcile.ErrLocalUserRemoved) {
				err = dispatchErr
				break
			}
			s.logger.Warn("applying message failed",
				"kind", message.Kind,
				"table", message.Table,
				"error", dispatchErr,
			)
		}
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing && state == StateDisconnected && !errors.Is(err, reconcile.ErrLocalUserRemoved) {
		err = nil
	}
	s.finish(state, err)
}

// dispatch applies one message, converting a panic into an error so a
// bad message cannot take the loop down.
func (s *Session) dispatch(reconciler *reconcile.Reconciler, message protocol.Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic handling %s: %v", message.Kind, recovered)
		}
	}()

	sink := s.currentSink()
	if sink == nil {
		s.logger.Debug("no sink attached, dropping message", "kind", message.Kind)
		reconciler.Discard(message)
		return nil
	}
	return reconciler.Apply(message, sink)
}

// finish moves to a terminal state once: it closes the connection,
// records err, tells the sink, and closes Done.
func (s *Session) finish(state State, err error) {
	s.finishOnce.Do(func() {
		s.conn.Close()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(state))

		if err != nil {
			s.logger.Warn("session ended", "state", state, "error", err)
		} else {
			s.logger.Info("session closed")
		}
		if sink := s.currentSink(); sink != nil {
			sink.Disconnected(err)
		}
		close(s.done)
	})
}

// Close disconnects. It does not wait for the loop; use Done for that.
// Close is idempotent and safe to call from a Sink callback.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	running := s.running
	s.mu.Unlock()

	s.conn.Close()
	if !running {
		s.finish(StateDisconnected, nil)
	}
	return nil
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil after Close, otherwise the
// read failure or reconcile.ErrLocalUserRemoved. It is nil while the
// session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Sealed reports whether the handshake installed message sealing.
func (s *Session) Sealed() bool { return s.handshake != nil && s.handshake.Sealed() }

// Replica returns the session's replica, or nil before Connect.
func (s *Session) Replica() *replica.Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica
}
