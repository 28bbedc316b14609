// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// InvalidMessageError reports a frame or payload that does not decode.
// The session logs and drops such messages.
type InvalidMessageError struct {
	Reason string
	Err    error
}

func (e *InvalidMessageError) Error() string {
	if e.Err != nil {
		return "invalid message: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid message: " + e.Reason
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) *InvalidMessageError {
	return &InvalidMessageError{Reason: fmt.Sprintf(format, args...)}
}

func invalidWrap(err error, format string, args ...any) *InvalidMessageError {
	return &InvalidMessageError{Reason: fmt.Sprintf(format, args...), Err: err}
}
