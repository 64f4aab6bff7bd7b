// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"strings"

	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/stream"
)

// =============================================================================
// PROMPT ASSEMBLY
// =============================================================================

// buildPrompt projects the active branch into wire messages. Failed
// assistant messages and their synthetic error nodes are excluded, so a
// retry after an error re-sends only the healthy history. Reasoning spans
// are stripped from assistant turns; models should not be fed their own
// chain of thought back.
func buildPrompt(branch []*model.Message) []stream.ChatMessage {
	out := make([]stream.ChatMessage, 0, len(branch))
	for _, msg := range branch {
		if msg.IsFailed() || msg.IsEmpty() {
			continue
		}
		content := msg.DisplayContent()
		if msg.Role == model.RoleAssistant {
			content = stripThink(content)
			if strings.TrimSpace(content) == "" {
				continue
			}
		}
		out = append(out, stream.ChatMessage{
			Role:    msg.Role.String(),
			Content: content,
		})
	}
	return out
}

// promptChars counts the content bytes of a prompt, for telemetry.
func promptChars(prompt []stream.ChatMessage) int {
	total := 0
	for _, msg := range prompt {
		total += len(msg.Content)
	}
	return total
}

// stripThink removes <think>...</think> spans. An unclosed open tag removes
// everything from the tag onward.
func stripThink(s string) string {
	var sb strings.Builder
	for {
		open := strings.Index(s, "<think>")
		if open < 0 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:open])
		rest := s[open+len("<think>"):]
		closeIdx := strings.Index(rest, "</think>")
		if closeIdx < 0 {
			break
		}
		s = rest[closeIdx+len("</think>"):]
	}
	return strings.TrimSpace(sb.String())
}
