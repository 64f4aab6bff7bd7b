// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream ingests OpenAI-compatible streaming chat completions.
//
// The package is built from three layers:
//
//   - FrameDecoder: accumulates raw byte chunks, splits SSE "data:" lines,
//     and yields decoded JSON frames with a hard payload ceiling
//   - Reconciler: normalizes two incompatible upstream encodings of
//     "reasoning" text into one ordered delta stream with explicit
//     <think>...</think> wrapping
//   - Session: owns the HTTP connection lifecycle, a stall watchdog, the
//     error-body capture, and the push-based delta/error/finished events
//
// A Session delivers events on a single-consumer channel; the transport
// goroutine never touches the caller's state. Exactly one terminal event
// fires per session; cancellation drops silently.
package stream
