// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/helpdesk/lib/codec"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
)

// Direction says which way a frame travelled.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Observer is a diagnostic hook called for every frame after it is
// written or decoded. Implementations must not block.
type Observer interface {
	Observe(direction Direction, message protocol.Message, frameSize int)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(direction Direction, message protocol.Message, frameSize int)

func (f ObserverFunc) Observe(direction Direction, message protocol.Message, frameSize int) {
	f(direction, message, frameSize)
}

// LogObserver logs each frame at debug level. Payloads are rendered in
// CBOR diagnostic notation, except CONNECTION payloads, which carry
// the password.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(direction Direction, message protocol.Message, frameSize int) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		attributes := []any{
			"direction", direction,
			"kind", message.Kind,
			"bytes", frameSize,
		}
		if message.Table != "" {
			attributes = append(attributes, "table", message.Table)
		}
		if message.Ack {
			attributes = append(attributes, "ack", true)
		}
		if len(message.Payload) > 0 && message.Kind != protocol.KindConnection {
			if diagnostic, err := codec.Diagnose(message.Payload); err == nil {
				attributes = append(attributes, "payload", diagnostic)
			}
		}
		logger.Debug("frame", attributes...)
	})
}
