// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"strings"

	"github.com/braid-chat/braid/internal/model"
)

// FormatStats renders a one-line summary of a finished assistant message,
// e.g. "2.5s | 128 chunks | 51.2 chunks/s | TTFT 234ms". Returns "" for
// messages without stream telemetry.
func FormatStats(msg *model.Message) string {
	if msg == nil || msg.StreamStartedAt.IsZero() || msg.CompletedAt.IsZero() {
		return ""
	}

	var parts []string
	dur := msg.StreamDuration()
	parts = append(parts, fmt.Sprintf("%.1fs", dur.Seconds()))
	parts = append(parts, fmt.Sprintf("%d chunks", msg.DeltaCount))

	if gen := msg.GenerationDuration(); gen > 0 && msg.DeltaCount > 0 {
		parts = append(parts, fmt.Sprintf("%.1f chunks/s", float64(msg.DeltaCount)/gen.Seconds()))
	}
	if ttft := msg.TTFT(); ttft > 0 {
		parts = append(parts, fmt.Sprintf("TTFT %dms", ttft.Milliseconds()))
	}

	return strings.Join(parts, " | ")
}
