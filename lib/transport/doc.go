// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries protocol messages over a stream socket,
// one line per message.
//
// [Conn] frames, encodes, and decodes messages with a
// [protocol.Codec] and distinguishes the three ways a read can end
// without a message: the peer went away ([ErrDisconnected]), the read
// timeout elapsed ([ErrTimeout], with any partial line kept for the
// next call), or the line did not decode ([protocol.InvalidMessageError]).
// Sends are serialized so concurrent callers never interleave frames.
//
// [Dial] opens a TLS connection to the helpdesk server.
package transport
