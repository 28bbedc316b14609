// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateRunning
	StateDisconnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFaulted
}

var (
	// ErrNotEstablished is returned by operations called in the wrong
	// lifecycle state.
	ErrNotEstablished = errors.New("session: not established")

	// ErrNotConnected is returned when an operation needs a logged-in
	// session and Connect has not succeeded.
	ErrNotConnected = errors.New("session: not logged in")

	// ErrConnectionRefused means the server rejected the login.
	ErrConnectionRefused = errors.New("session: connection refused")
)

// Initialization stages reported by InitializationError.
const (
	StageDial      = "dial"
	StageHandshake = "handshake"
	StageConnect   = "connect"
)

// InitializationError reports a failure before the session started
// running. The connection has been closed; callers do not retry the
// same session.
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
