// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the search key for text: decomposed, stripped of
// combining marks, recomposed, and case folded. Transformers carry
// state, so each call builds its own chain.
func Fold(text string) string {
	chain := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
		cases.Fold(),
	)
	folded, _, err := transform.String(chain, text)
	if err != nil {
		return strings.ToLower(text)
	}
	return folded
}

func matches(query string, fields ...string) bool {
	if query == "" {
		return true
	}
	needle := Fold(query)
	for _, field := range fields {
		if strings.Contains(Fold(field), needle) {
			return true
		}
	}
	return false
}
