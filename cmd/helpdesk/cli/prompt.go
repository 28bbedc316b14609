// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/helpdesk/lib/secret"
)

// ReadPassword reads a password into a secret.Buffer. On a terminal
// it prompts on stderr without echo. Otherwise, or when fromStdin is
// set, it reads one line from stdin.
func ReadPassword(prompt string, fromStdin bool) (*secret.Buffer, error) {
	descriptor := int(os.Stdin.Fd())
	if fromStdin || !term.IsTerminal(descriptor) {
		return secret.ReadLine(os.Stdin)
	}
	return readTerminalPassword(os.Stderr, prompt, func() ([]byte, error) {
		return term.ReadPassword(descriptor)
	})
}

func readTerminalPassword(w io.Writer, prompt string, read func() ([]byte, error)) (*secret.Buffer, error) {
	fmt.Fprint(w, prompt)
	data, err := read()
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	// NewFromBytes zeroes data.
	return secret.NewFromBytes(data)
}
