// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/sealed"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

// DefaultTimeout bounds the wait for the peer's KEY_XCHANGE.
const DefaultTimeout = 5 * time.Second

// ErrUnexpectedMessage means the peer answered the handshake with
// something other than KEY_XCHANGE.
var ErrUnexpectedMessage = errors.New("handshake: unexpected message")

// Result describes a completed handshake.
type Result struct {
	// LocalPublicKey and PeerPublicKey are empty for Plain.
	LocalPublicKey string
	PeerPublicKey  string
}

// Sealed reports whether the handshake installed an envelope.
func (r *Result) Sealed() bool { return r.PeerPublicKey != "" }

// Strategy performs the client side of a handshake on conn.
type Strategy interface {
	Name() string
	Perform(ctx context.Context, conn *transport.Conn) (*Result, error)
}

const (
	NameKeyExchange = "key-exchange"
	NamePlain       = "plain"
)

// ParseStrategy returns the strategy registered under name.
func ParseStrategy(name string, timeout time.Duration) (Strategy, error) {
	switch name {
	case NameKeyExchange, "":
		return KeyExchange{Timeout: timeout}, nil
	case NamePlain:
		return Plain{}, nil
	default:
		return nil, fmt.Errorf("unknown handshake %q (want %q or %q)", name, NameKeyExchange, NamePlain)
	}
}

// Plain skips the exchange.
type Plain struct{}

func (Plain) Name() string { return NamePlain }

func (Plain) Perform(ctx context.Context, conn *transport.Conn) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// KeyExchange sends a fresh public key, waits for the peer's, and
// seals the connection.
type KeyExchange struct {
	// Timeout bounds the wait for the peer's key. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

func (KeyExchange) Name() string { return NameKeyExchange }

func (k KeyExchange) Perform(ctx context.Context, conn *transport.Conn) (*Result, error) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer keypair.Close()

	if err := sendKey(conn, keypair.PublicKey); err != nil {
		return nil, err
	}
	peerKey, err := receiveKey(ctx, conn, k.timeout())
	if err != nil {
		return nil, err
	}
	if err := install(conn, keypair, peerKey); err != nil {
		return nil, err
	}
	return &Result{LocalPublicKey: keypair.PublicKey, PeerPublicKey: peerKey}, nil
}

func (k KeyExchange) timeout() time.Duration {
	if k.Timeout > 0 {
		return k.Timeout
	}
	return DefaultTimeout
}

// Accept is the responder side of KeyExchange: it waits for the
// initiator's key first, then answers with its own.
func Accept(ctx context.Context, conn *transport.Conn, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	peerKey, err := receiveKey(ctx, conn, timeout)
	if err != nil {
		return nil, err
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer keypair.Close()

	if err := sendKey(conn, keypair.PublicKey); err != nil {
		return nil, err
	}
	if err := install(conn, keypair, peerKey); err != nil {
		return nil, err
	}
	return &Result{LocalPublicKey: keypair.PublicKey, PeerPublicKey: peerKey}, nil
}

func sendKey(conn *transport.Conn, publicKey string) error {
	message, err := protocol.New(protocol.KindKeyExchange, protocol.KeyExchange{PublicKey: publicKey})
	if err != nil {
		return err
	}
	if err := conn.Send(message); err != nil {
		return fmt.Errorf("sending public key: %w", err)
	}
	return nil
}

// receiveKey waits at most timeout (or until ctx ends) for the peer's
// KEY_XCHANGE and returns the validated public key. The connection's
// previous read timeout is restored afterwards.
func receiveKey(ctx context.Context, conn *transport.Conn, timeout time.Duration) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}
	previous := conn.ReadTimeout()
	conn.SetReadTimeout(timeout)
	defer conn.SetReadTimeout(previous)

	// A cancelled context closes the connection to unblock Receive.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	message, err := conn.Receive()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for peer key: %w", ctxErr)
		}
		return "", fmt.Errorf("waiting for peer key: %w", err)
	}
	if message.Kind != protocol.KindKeyExchange {
		return "", fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, message.Kind, protocol.KindKeyExchange)
	}

	var exchange protocol.KeyExchange
	if err := message.DecodePayload(&exchange); err != nil {
		return "", err
	}
	if err := sealed.ParsePublicKey(exchange.PublicKey); err != nil {
		return "", fmt.Errorf("peer key: %w", err)
	}
	return exchange.PublicKey, nil
}

func install(conn *transport.Conn, keypair *sealed.Keypair, peerKey string) error {
	envelope, err := sealed.NewEnvelope(keypair, peerKey)
	if err != nil {
		return fmt.Errorf("building session envelope: %w", err)
	}
	conn.SetEnvelope(envelope)
	return nil
}
