// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates the logger for a command. Format "text"
// and "json" pick the handler; "auto" (or "") uses text when stderr is
// a terminal and JSON when it is piped.
//
// Callers scope the logger with command context via With():
//
//	logger := cli.NewCommandLogger(slog.LevelInfo, "auto").With("command", "watch")
func NewCommandLogger(level slog.Level, format string) (*slog.Logger, error) {
	terminal := term.IsTerminal(int(os.Stderr.Fd()))
	return newLogger(os.Stderr, level, format, terminal)
}

func newLogger(w io.Writer, level slog.Level, format string, terminal bool) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: level}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "auto", "":
		if terminal {
			return slog.New(slog.NewTextHandler(w, options)), nil
		}
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
