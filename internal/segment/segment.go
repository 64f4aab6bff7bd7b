// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package segment splits streamed text into clause-sized pieces for audio
// narration. Reasoning spans wrapped in <think> tags are skipped entirely;
// nobody wants the chain of thought read aloud.
package segment

import (
	"strings"
	"unicode/utf8"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// clauseBoundaries end a narration segment when followed by whitespace or a
// newline.
const clauseBoundaries = ".!?;:"

// cjkBoundaries end a segment immediately; CJK text carries no spaces after
// sentence punctuation.
const cjkBoundaries = "。！？；："

// Segmenter is an incremental clause splitter. Feed it delta-sized chunks;
// it returns completed clauses as they close. Tags and clause boundaries
// split across chunk edges are handled by holding back ambiguous suffixes.
// Not safe for concurrent use.
type Segmenter struct {
	held    string // raw text waiting for tag disambiguation
	pending strings.Builder
	inThink bool
}

// NewSegmenter creates an empty segmenter.
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Feed consumes one chunk and returns the clauses it completed.
func (s *Segmenter) Feed(chunk string) []string {
	text := s.held + chunk
	s.held = ""

	var out []string
	for text != "" {
		if s.inThink {
			idx := strings.Index(text, thinkClose)
			if idx < 0 {
				// Hold back anything that could be the start of the
				// close tag arriving in the next chunk.
				s.held = ambiguousSuffix(text, thinkClose)
				return out
			}
			text = text[idx+len(thinkClose):]
			s.inThink = false
			continue
		}

		idx := strings.Index(text, thinkOpen)
		if idx < 0 {
			keep := ambiguousSuffix(text, thinkOpen)
			out = append(out, s.scan(text[:len(text)-len(keep)])...)
			s.held = keep
			return out
		}

		out = append(out, s.scan(text[:idx])...)
		text = text[idx+len(thinkOpen):]
		s.inThink = true
	}
	return out
}

// Flush returns whatever clause is still open. Call at stream end.
func (s *Segmenter) Flush() []string {
	if !s.inThink && s.held != "" {
		s.pending.WriteString(s.held)
	}
	s.held = ""

	clause := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if clause == "" {
		return nil
	}
	return []string{clause}
}

// scan appends plain text to the open clause, emitting at boundaries. A
// boundary rune only closes the clause once the following rune is known to
// be whitespace, so "3.14" stays whole.
func (s *Segmenter) scan(text string) []string {
	var out []string
	for _, r := range text {
		if r == '\n' {
			if clause := s.takePending(); clause != "" {
				out = append(out, clause)
			}
			continue
		}

		if isSpace(r) && s.endsWithBoundary() {
			if clause := s.takePending(); clause != "" {
				out = append(out, clause)
			}
			continue
		}

		s.pending.WriteRune(r)

		if strings.ContainsRune(cjkBoundaries, r) {
			if clause := s.takePending(); clause != "" {
				out = append(out, clause)
			}
		}
	}
	return out
}

func (s *Segmenter) takePending() string {
	clause := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return clause
}

func (s *Segmenter) endsWithBoundary() bool {
	cur := s.pending.String()
	if cur == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(cur)
	return strings.ContainsRune(clauseBoundaries, last)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r'
}

// ambiguousSuffix returns the longest suffix of text that is a proper
// prefix of tag. Such a suffix might complete into the tag with the next
// chunk, so it cannot be processed yet.
func ambiguousSuffix(text, tag string) string {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, text[len(text)-n:]) {
			return text[len(text)-n:]
		}
	}
	return ""
}
