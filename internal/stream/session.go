// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/braid-chat/braid/internal/logging"
)

// =============================================================================
// SESSION CONSTANTS
// =============================================================================

const (
	// MaxErrorBodyBytes caps the non-2xx response body preview.
	MaxErrorBodyBytes = 32 * 1024

	// DefaultFirstTokenTimeout is the ceiling on waiting for the first
	// delta. Generously long: slow local models legitimately take minutes,
	// and the watchdog exists to catch dead connections, not slow ones.
	DefaultFirstTokenTimeout = time.Hour

	// DefaultSilenceTimeout is the ceiling between consecutive deltas.
	DefaultSilenceTimeout = time.Hour

	// watchdogInterval is how often the stall watchdog wakes up.
	watchdogInterval = time.Second

	// readBufferSize is the transport read granularity.
	readBufferSize = 4096
)

// =============================================================================
// STATE & EVENTS
// =============================================================================

// SessionState is the lifecycle phase of a stream session.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateStreaming
	StateFinished
	StateFailed
	StateCancelled
)

// String returns the wire name of the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// EventType discriminates session events.
type EventType int

const (
	// EventDelta carries one normalized text delta.
	EventDelta EventType = iota
	// EventFinished is the successful terminal event.
	EventFinished
	// EventFailed is the failing terminal event; Err is always set.
	EventFailed
)

// Event is one item on the session's event channel. RequestID lets the
// consumer reject events from a superseded session.
type Event struct {
	Type      EventType
	Delta     Delta
	Err       error
	RequestID string
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a single stream session.
type Options struct {
	BaseURL string
	Model   string

	FirstTokenTimeout time.Duration
	SilenceTimeout    time.Duration

	// HTTPClient overrides the transport; nil uses a shared default with
	// no overall deadline (streams are open-ended, the watchdog bounds
	// them instead).
	HTTPClient *http.Client
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FirstTokenTimeout <= 0 {
		out.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if out.SilenceTimeout <= 0 {
		out.SilenceTimeout = DefaultSilenceTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = defaultHTTPClient
	}
	return out
}

var defaultHTTPClient = &http.Client{}

// =============================================================================
// SESSION
// =============================================================================

// Session owns one streaming request end to end: the HTTP connection, the
// frame decoder, the reasoning reconciler, and the stall watchdog.
//
// Events are delivered on the channel returned by Events. Exactly one
// terminal event (finished or failed) is sent, after which the channel is
// closed. A cancelled session sends no terminal event; the channel simply
// closes. The consumer owns all shared state; the transport goroutine only
// ever writes to the channel.
type Session struct {
	opts      Options
	requestID string

	events chan Event

	state        atomic.Int32
	cancelled    atomic.Bool
	lastActivity atomic.Int64 // unix nanos of the last delta
	startedAt    atomic.Int64
	stallReason  atomic.Pointer[string]

	cancelOnce sync.Once
	cancelCtx  context.CancelFunc

	decoder    *FrameDecoder
	reconciler *Reconciler
}

// NewSession creates an idle session with a fresh request identity.
func NewSession(opts Options) *Session {
	return &Session{
		opts:       opts.withDefaults(),
		requestID:  "req_" + uuid.NewString(),
		events:     make(chan Event, 64),
		decoder:    NewFrameDecoder(),
		reconciler: NewReconciler(),
	}
}

// RequestID returns the immutable identity of this session's request.
func (s *Session) RequestID() string {
	return s.requestID
}

// State returns the current lifecycle phase.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Events returns the single-consumer event channel. It is closed after the
// terminal event, or without one on cancellation.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start launches the request. It returns immediately; all outcomes arrive
// on the event channel. Calling Start twice is a programming error and the
// second call is ignored.
func (s *Session) Start(ctx context.Context, messages []ChatMessage) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel

	go s.run(ctx, messages)
}

// Cancel aborts the session from any non-terminal state. Safe to call
// multiple times and after termination. The session emits no terminal
// event; the caller performs its own cancelled bookkeeping synchronously.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancelOnce.Do(func() {
		if s.cancelCtx != nil {
			s.cancelCtx()
		}
	})
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (s *Session) run(ctx context.Context, messages []ChatMessage) {
	defer close(s.events)

	s.startedAt.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	defer close(stop)
	go s.watchdog(ctx, stop)

	err := s.stream(ctx, messages)

	if s.cancelled.Load() {
		// Silent drop. Whatever the transport returned, the user asked
		// for this; the consumer finalizes on its own.
		s.state.Store(int32(StateCancelled))
		logging.L().WithField("request", s.requestID).Debug("stream cancelled")
		return
	}

	if err != nil {
		if reason := s.stallReason.Load(); reason != nil {
			err = newTimeoutError(*reason)
		}
		s.state.Store(int32(StateFailed))
		s.events <- Event{Type: EventFailed, Err: err, RequestID: s.requestID}
		return
	}

	s.state.Store(int32(StateFinished))
	s.events <- Event{Type: EventFinished, RequestID: s.requestID}
}

func (s *Session) stream(ctx context.Context, messages []ChatMessage) error {
	endpoint, err := url.JoinPath(s.opts.BaseURL, "v1", "chat", "completions")
	if err != nil {
		return newInvalidURLError(s.opts.BaseURL, err)
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return newInvalidURLError(s.opts.BaseURL, nil)
	}

	body, err := json.Marshal(ChatRequest{
		Model:    s.opts.Model,
		Stream:   true,
		Messages: messages,
	})
	if err != nil {
		return newTransportError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return newInvalidURLError(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return newTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
		return newHTTPStatusError(resp.StatusCode, string(preview))
	}

	s.state.Store(int32(StateStreaming))

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, decErr := s.decoder.Write(buf[:n])
			s.emit(frames)
			if decErr != nil {
				return decErr
			}
			if s.decoder.Done() {
				s.emit(nil) // flush only
				return nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				// Upstream closed without [DONE]; treat a stream that
				// delivered deltas as complete, matching servers that
				// terminate by closing the connection.
				s.emit(nil)
				return nil
			}
			return newTransportError(readErr)
		}
	}
}

// emit reconciles frames into deltas and pushes them on the channel. A nil
// frames slice flushes the reconciler (end of stream).
func (s *Session) emit(frames []Frame) {
	var deltas []Delta
	for _, f := range frames {
		deltas = append(deltas, s.reconciler.Feed(f)...)
	}
	if frames == nil {
		deltas = s.reconciler.Flush()
	}

	for _, d := range deltas {
		s.lastActivity.Store(d.At.UnixNano())
		s.events <- Event{Type: EventDelta, Delta: d, RequestID: s.requestID}
	}
}

// =============================================================================
// WATCHDOG
// =============================================================================

// watchdog cancels the transport when the stream stalls: either no first
// delta within the first-token ceiling, or a gap between deltas beyond the
// silence ceiling. The transport maps the cancellation back to a timeout
// error via stallReason.
func (s *Session) watchdog(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		last := s.lastActivity.Load()

		var reason string
		if last == 0 {
			started := time.Unix(0, s.startedAt.Load())
			if now.Sub(started) > s.opts.FirstTokenTimeout {
				reason = "first-token"
			}
		} else if now.Sub(time.Unix(0, last)) > s.opts.SilenceTimeout {
			reason = "silence"
		}

		if reason != "" {
			s.stallReason.Store(&reason)
			logging.L().WithField("request", s.requestID).
				WithField("reason", reason).
				Warn("stream stalled, aborting")
			s.cancelOnce.Do(func() {
				if s.cancelCtx != nil {
					s.cancelCtx()
				}
			})
			return
		}
	}
}
