// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

// Narrator receives clause-sized segments of the streamed answer for audio
// narration. Reasoning spans are never narrated; the coordinator's segmenter
// filters them before they get here.
//
// Playback itself lives outside this module; NoopNarrator is the default.
type Narrator interface {
	// StartRealtimeStream is called once before the request is sent.
	StartRealtimeStream()

	// AppendRealtimeSegment delivers one completed clause.
	AppendRealtimeSegment(text string)

	// FinishRealtimeStream is called exactly once on completion, error or
	// cancel.
	FinishRealtimeStream()
}

// NoopNarrator discards everything.
type NoopNarrator struct{}

func (NoopNarrator) StartRealtimeStream()              {}
func (NoopNarrator) AppendRealtimeSegment(text string) {}
func (NoopNarrator) FinishRealtimeStream()             {}
