// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/protocol"
)

var (
	// ErrDisconnected means the peer closed the stream or the
	// connection was closed locally.
	ErrDisconnected = errors.New("transport: disconnected")

	// ErrTimeout means the read timeout elapsed before a full line
	// arrived.
	ErrTimeout = errors.New("transport: read timed out")
)

// readBufferSize is the bufio size; longer lines are assembled across
// several reads up to the frame size limit.
const readBufferSize = 64 << 10

// Options configures a Conn.
type Options struct {
	// Codec encodes and decodes lines. The zero Codec never
	// compresses.
	Codec protocol.Codec

	// Logger receives connection-level diagnostics. Required.
	Logger *slog.Logger

	// Observer sees every frame sent and received. Nil installs
	// LogObserver(Logger).
	Observer Observer

	// WriteTimeout bounds a single Send. Zero means no bound.
	WriteTimeout time.Duration

	// MaxFrameSize bounds a received line. Zero means
	// protocol.MaxFrameSize.
	MaxFrameSize int
}

type envelopeBox struct {
	envelope protocol.Envelope
}

// Conn is a message-oriented connection. Receive must be called from
// one goroutine at a time; Send may be called from any number.
type Conn struct {
	conn         net.Conn
	codec        protocol.Codec
	logger       *slog.Logger
	observer     Observer
	writeTimeout time.Duration
	maxFrameSize int

	readMu      sync.Mutex
	reader      *bufio.Reader
	pending     []byte
	discarding  bool
	readTimeout atomic.Int64

	writeMu sync.Mutex
	broken  bool

	envelope  atomic.Pointer[envelopeBox]
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established stream.
func NewConn(conn net.Conn, options Options) *Conn {
	observer := options.Observer
	if observer == nil {
		observer = LogObserver(options.Logger)
	}
	maxFrameSize := options.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = protocol.MaxFrameSize
	}
	return &Conn{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		codec:        options.Codec,
		logger:       options.Logger,
		observer:     observer,
		writeTimeout: options.WriteTimeout,
		reader:       bufio.NewReaderSize(conn, readBufferSize),
	}
}

// SetReadTimeout bounds each subsequent Receive. Zero waits
// indefinitely.
func (c *Conn) SetReadTimeout(timeout time.Duration) {
	c.readTimeout.Store(int64(timeout))
}

// ReadTimeout returns the current read timeout.
func (c *Conn) ReadTimeout() time.Duration {
	return time.Duration(c.readTimeout.Load())
}

// SetEnvelope installs the session envelope. From then on every
// message except KEY_XCHANGE is sealed on send and must be sealed on
// receive.
func (c *Conn) SetEnvelope(envelope protocol.Envelope) {
	c.envelope.Store(&envelopeBox{envelope: envelope})
}

// Sealed reports whether an envelope is installed.
func (c *Conn) Sealed() bool {
	return c.currentEnvelope() != nil
}

func (c *Conn) currentEnvelope() protocol.Envelope {
	if box := c.envelope.Load(); box != nil {
		return box.envelope
	}
	return nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes one message. The line is written with a single Write
// call under the send lock; if that write fails the connection is
// closed, since a partial line would corrupt every later frame.
func (c *Conn) Send(message protocol.Message) error {
	line, err := c.codec.Encode(message, c.currentEnvelope())
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.broken || c.closed.Load() {
		return fmt.Errorf("sending %s: %w", message.Kind, ErrDisconnected)
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(line); err != nil {
		c.broken = true
		c.Close()
		return fmt.Errorf("sending %s: %w", message.Kind, c.classify(err))
	}
	c.observer.Observe(DirectionSent, message, len(line))
	return nil
}

// Receive blocks until a message arrives, the read timeout elapses,
// or the connection ends.
func (c *Conn) Receive() (protocol.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return protocol.Message{}, ErrDisconnected
	}

	var deadline time.Time
	if timeout := c.ReadTimeout(); timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil && !c.closed.Load() {
		return protocol.Message{}, fmt.Errorf("setting read deadline: %w", c.classify(err))
	}

	line, err := c.readLine()
	if err != nil {
		return protocol.Message{}, err
	}

	message, err := c.codec.Decode(line, c.currentEnvelope())
	if err != nil {
		return protocol.Message{}, err
	}
	c.observer.Observe(DirectionReceived, message, len(line))
	return message, nil
}

// readLine returns the next complete line. On a read error any bytes
// already read stay in c.pending for the next call. Caller holds
// c.readMu.
func (c *Conn) readLine() ([]byte, error) {
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if c.discarding {
			if err == nil {
				c.discarding = false
				return nil, &protocol.InvalidMessageError{Reason: "frame exceeds maximum size"}
			}
		} else {
			if len(c.pending)+len(chunk) > c.maxFrameSize {
				c.pending = nil
				if err == nil {
					return nil, &protocol.InvalidMessageError{Reason: "frame exceeds maximum size"}
				}
				c.discarding = true
			} else {
				c.pending = append(c.pending, chunk...)
			}
			if err == nil {
				line := c.pending
				c.pending = nil
				return line, nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, c.classify(err)
	}
}

// classify maps a socket error to ErrDisconnected, ErrTimeout, or a
// wrapped I/O error.
func (c *Conn) classify(err error) error {
	switch {
	case c.closed.Load():
		return ErrDisconnected
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	default:
		return fmt.Errorf("transport I/O: %w", err)
	}
}

// Close closes the underlying stream, unblocking a pending Receive.
// Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }
