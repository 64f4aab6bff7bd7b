// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"time"
)

// =============================================================================
// DELTA TYPES
// =============================================================================

// DeltaKind labels normalized delta text.
type DeltaKind int

const (
	// DeltaBody is visible answer text.
	DeltaBody DeltaKind = iota
	// DeltaReasoning is chain-of-thought text, including the synthetic
	// <think> markers the reconciler injects.
	DeltaReasoning
)

// String returns the wire name of the delta kind.
func (k DeltaKind) String() string {
	if k == DeltaReasoning {
		return "reasoning"
	}
	return "body"
}

// Delta is one normalized unit of streamed text. At records the arrival
// time and drives the session watchdog.
type Delta struct {
	Text string
	Kind DeltaKind
	At   time.Time
}

// =============================================================================
// RECONCILER
// =============================================================================

// Synthetic reasoning markers. Upstreams that stream reasoning in a
// structured field get their output wrapped with these so downstream
// consumers see one uniform inline encoding.
const (
	ThinkOpen  = "<think>\n"
	ThinkClose = "\n</think>\n"
)

// reconcilerState is the explicit mode of the reconciler. Transitions only
// move forward; there is no path back to an earlier state.
type reconcilerState int

const (
	// statePassthrough: the upstream embeds literal <think> tags in the
	// body. Everything is forwarded untouched; the reasoning field is
	// ignored to avoid duplicating text the body already carries.
	statePassthrough reconcilerState = iota

	// stateAwaitingReasoning: nothing decisive seen yet. Body text is
	// forwarded; the first literal tag flips to passthrough, the first
	// structured reasoning text opens a synthetic block.
	stateAwaitingReasoning

	// stateReasoningOpen: a synthetic <think> has been emitted and the
	// close marker has not.
	stateReasoningOpen

	// stateClosed: the synthetic block was closed. Late reasoning text is
	// forwarded as reasoning without reopening the block.
	stateClosed
)

// Reconciler folds the two upstream reasoning encodings into one ordered
// delta stream. Not safe for concurrent use; a Session owns exactly one.
type Reconciler struct {
	state reconcilerState
	now   func() time.Time
}

// NewReconciler creates a reconciler in the undecided state.
func NewReconciler() *Reconciler {
	return &Reconciler{state: stateAwaitingReasoning, now: time.Now}
}

// Feed consumes one decoded frame and returns the normalized deltas it
// produces, in order. Frames carrying neither body nor reasoning text yield
// nothing.
func (r *Reconciler) Feed(frame Frame) []Delta {
	d := frame.Delta()
	body := d.Content
	reasoning := d.Reasoning.String()

	at := r.now()
	var out []Delta

	// Legacy detection first, before the reasoning field is considered: a
	// literal tag in this frame's body means the upstream embeds the tags
	// itself, even when the same frame also carries a reasoning field.
	// Detection is only possible before any synthetic marker went out, so
	// a stream is never double-wrapped.
	if r.state == stateAwaitingReasoning && body != "" &&
		(strings.Contains(body, "<think>") || strings.Contains(body, "</think>")) {
		r.state = statePassthrough
	}

	// Reasoning next: upstreams emit the structured field strictly before
	// the body text it precedes.
	if reasoning != "" {
		switch r.state {
		case statePassthrough:
			// Body already embeds the tags; forwarding the field too
			// would duplicate the text.
		case stateAwaitingReasoning:
			r.state = stateReasoningOpen
			out = append(out,
				Delta{Text: ThinkOpen, Kind: DeltaReasoning, At: at},
				Delta{Text: reasoning, Kind: DeltaReasoning, At: at})
		case stateReasoningOpen, stateClosed:
			out = append(out, Delta{Text: reasoning, Kind: DeltaReasoning, At: at})
		}
	}

	if body != "" {
		switch r.state {
		case stateReasoningOpen:
			r.state = stateClosed
			out = append(out,
				Delta{Text: ThinkClose, Kind: DeltaReasoning, At: at},
				Delta{Text: body, Kind: DeltaBody, At: at})
		default:
			out = append(out, Delta{Text: body, Kind: DeltaBody, At: at})
		}
	}

	return out
}

// Flush closes an unclosed synthetic block at stream termination. Safe to
// call more than once; only the first call after an open block emits.
func (r *Reconciler) Flush() []Delta {
	if r.state != stateReasoningOpen {
		return nil
	}
	r.state = stateClosed
	return []Delta{{Text: ThinkClose, Kind: DeltaReasoning, At: r.now()}}
}

// Passthrough reports whether the stream was detected as legacy inline-tag.
func (r *Reconciler) Passthrough() bool {
	return r.state == statePassthrough
}
