// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine glues a stream session to a branch tree. The coordinator
// serializes every mutation behind one mutex (single-writer discipline);
// the transport goroutine only talks to it through the event channel, and
// events carrying a stale request identity are dropped before they touch
// shared state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/braid-chat/braid/internal/config"
	"github.com/braid-chat/braid/internal/logging"
	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/segment"
	"github.com/braid-chat/braid/internal/storage"
	"github.com/braid-chat/braid/internal/stream"
	"github.com/braid-chat/braid/internal/tree"
)

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator drives one session: it owns the tree, opens stream sessions,
// routes deltas into the streaming assistant node, persists with throttling,
// and finalizes or rolls back tree pointers on every outcome.
type Coordinator struct {
	mu sync.Mutex

	cfg      *config.Config
	client   *stream.Client
	store    storage.Store
	narrator Narrator

	sess *model.Session
	tree *tree.Manager

	current *inflight

	// Persistence throttle: a write happens at most once per
	// PersistEveryChars of new content AND at most once per second.
	limiter  *rate.Limiter
	unsynced int

	// OnDelta, when set, receives every normalized delta text as it
	// arrives. Set before the first send; used by interactive frontends.
	OnDelta func(text string)

	lastErr error
}

// inflight tracks one open stream and the tree bookkeeping needed to land
// or roll it back.
type inflight struct {
	session   *stream.Session
	requestID string

	// parentID is the pending parent: the assistant node is created under
	// it lazily on the first delta, so a request that fails immediately
	// never leaves an empty bubble.
	parentID  string
	assistant *model.Message

	// detached is the pointer cleared by regenerate/retry, restored when
	// the stream is cancelled before producing a replacement.
	detached *tree.Detached

	seg  *segment.Segmenter
	done chan struct{}

	startedAt      time.Time
	promptMessages int
	promptChars    int
}

// NewCoordinator wires a coordinator around an existing session. The
// session's graph is repaired as a side effect of tree management.
func NewCoordinator(cfg *config.Config, store storage.Store, narrator Narrator, sess *model.Session) *Coordinator {
	if narrator == nil {
		narrator = NoopNarrator{}
	}
	return &Coordinator{
		cfg:      cfg,
		client:   newClient(cfg),
		store:    store,
		narrator: narrator,
		sess:     sess,
		tree:     tree.NewManager(sess),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func newClient(cfg *config.Config) *stream.Client {
	return stream.NewClient(stream.Options{
		BaseURL:           cfg.API.BaseURL,
		Model:             cfg.API.Model,
		FirstTokenTimeout: cfg.FirstTokenTimeout(),
		SilenceTimeout:    cfg.SilenceTimeout(),
	})
}

// Session returns the coordinated session.
func (c *Coordinator) Session() *model.Session {
	return c.sess
}

// ActiveBranch returns the current visible conversation path.
func (c *Coordinator) ActiveBranch() []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.ActiveBranch()
}

// Streaming reports whether a stream is currently open.
func (c *Coordinator) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// LastError returns the most recent terminal stream error, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ListModels queries the configured endpoint for available model ids.
func (c *Coordinator) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client.ListModels(ctx)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Send appends a user message at the tail of the active branch and opens a
// stream for the reply. An already-open stream is superseded.
func (c *Coordinator) Send(text string) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endCurrentLocked(model.FinishSuperseded)

	parentID := ""
	if tail := c.tree.ActiveTail(); tail != nil {
		parentID = tail.ID
	}

	user := model.NewUserMessage(text)
	if err := c.tree.Append(user, parentID); err != nil {
		return nil, err
	}
	c.persistLocked(storage.PersistImmediate)

	c.startStreamLocked(user.ID, nil)
	return user, nil
}

// EditAndResend branches off a new user message beside the edited one and
// streams a reply for it. The old subtree stays switchable.
func (c *Coordinator) EditAndResend(baseID, newText string) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endCurrentLocked(model.FinishSuperseded)

	edited, err := c.tree.EditAndResend(baseID, newText)
	if err != nil {
		return nil, err
	}
	c.persistLocked(storage.PersistImmediate)

	c.startStreamLocked(edited.ID, nil)
	return edited, nil
}

// Regenerate replaces an assistant message with a fresh sibling. The old
// answer stays reachable via SwitchBranch.
func (c *Coordinator) Regenerate(assistantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endCurrentLocked(model.FinishRegenerate)

	detached, err := c.tree.DetachForRegenerate(assistantID)
	if err != nil {
		return err
	}

	c.startStreamLocked(detached.ParentID, detached)
	return nil
}

// Retry walks back to the user message preceding a failed response and
// re-sends from there. The failed branch stays reachable.
func (c *Coordinator) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endCurrentLocked(model.FinishRetry)

	user, detached, err := c.tree.DetachForRetry()
	if err != nil {
		return err
	}

	c.startStreamLocked(user.ID, detached)
	return nil
}

// Cancel aborts the open stream, if any. The partial answer is kept and
// finalized as cancelled; cancellation never produces an error node.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCurrentLocked(model.FinishCancelled)
}

// SwitchBranch repoints the active path at a sibling message.
func (c *Coordinator) SwitchBranch(toID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tree.SwitchBranch(toID); err != nil {
		return err
	}
	c.persistLocked(storage.PersistImmediate)
	return nil
}

// Siblings lists the alternatives at a message's branch point.
func (c *Coordinator) Siblings(id string) ([]*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Siblings(id)
}

// ApplyConfig swaps the endpoint configuration. An in-flight stream is
// cancelled and its node finalized as config-changed; the client is rebuilt
// so the next send uses the new endpoint and model.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endCurrentLocked(model.FinishConfigChanged)
	c.cfg = cfg
	c.client = newClient(cfg)
	logging.L().WithField("endpoint", cfg.API.BaseURL).
		WithField("model", cfg.API.Model).
		Info("configuration applied")
}

// Wait blocks until the current stream (if any) reaches a terminal state.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	var done chan struct{}
	if c.current != nil {
		done = c.current.done
	}
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close cancels any open stream and persists the session a final time.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCurrentLocked(model.FinishCancelled)
	c.persistLocked(storage.PersistImmediate)
}

// =============================================================================
// STREAM LIFECYCLE
// =============================================================================

// startStreamLocked opens a stream session whose reply will land under
// parentID. Caller holds the mutex.
func (c *Coordinator) startStreamLocked(parentID string, detached *tree.Detached) {
	prompt := buildPrompt(c.tree.ActiveBranch())
	session := c.client.NewSession()

	in := &inflight{
		session:        session,
		requestID:      session.RequestID(),
		parentID:       parentID,
		detached:       detached,
		seg:            segment.NewSegmenter(),
		done:           make(chan struct{}),
		startedAt:      time.Now(),
		promptMessages: len(prompt),
		promptChars:    promptChars(prompt),
	}
	c.current = in
	c.lastErr = nil
	c.unsynced = 0

	c.narrator.StartRealtimeStream()
	session.Start(context.Background(), prompt)
	go c.consume(in)
}

// consume drains one session's event channel. It runs unlocked; each event
// handler re-locks and verifies the request identity.
func (c *Coordinator) consume(in *inflight) {
	defer close(in.done)
	for ev := range in.session.Events() {
		switch ev.Type {
		case stream.EventDelta:
			c.onDelta(ev)
		case stream.EventFinished:
			c.onFinished(ev)
		case stream.EventFailed:
			c.onFailed(ev)
		}
	}
}

// matchLocked returns the in-flight record if the event belongs to it.
func (c *Coordinator) matchLocked(requestID string) *inflight {
	if c.current == nil || c.current.requestID != requestID {
		return nil
	}
	return c.current
}

func (c *Coordinator) onDelta(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.matchLocked(ev.RequestID)
	if in == nil {
		return
	}

	if in.assistant == nil {
		in.assistant = c.newAssistantNodeLocked(in, ev.Delta.At)
		if in.assistant == nil {
			return
		}
	}

	in.assistant.AppendDelta(ev.Delta.Text)
	c.sess.Touch()

	for _, clause := range in.seg.Feed(ev.Delta.Text) {
		c.narrator.AppendRealtimeSegment(clause)
	}
	if c.OnDelta != nil {
		c.OnDelta(ev.Delta.Text)
	}

	c.unsynced += len(ev.Delta.Text)
	if c.unsynced >= c.cfg.Stream.PersistEveryChars && c.limiter.Allow() {
		c.persistLocked(storage.PersistThrottled)
		c.unsynced = 0
	}
}

// newAssistantNodeLocked lazily creates the streaming assistant node on the
// first delta and snapshots request telemetry into it.
func (c *Coordinator) newAssistantNodeLocked(in *inflight, firstToken time.Time) *model.Message {
	node := model.NewAssistantMessage()
	node.Model = c.cfg.API.Model
	node.Endpoint = c.cfg.API.BaseURL
	node.RequestID = in.requestID
	node.StreamStartedAt = in.startedAt
	node.FirstTokenAt = firstToken
	node.PromptMessages = in.promptMessages
	node.PromptChars = in.promptChars

	if err := c.tree.Append(node, in.parentID); err != nil {
		logging.L().WithError(err).Error("appending assistant node failed")
		return nil
	}
	c.persistLocked(storage.PersistImmediate)
	return node
}

func (c *Coordinator) onFinished(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.matchLocked(ev.RequestID)
	if in == nil {
		return
	}
	c.current = nil

	if in.assistant == nil {
		// Zero-delta completion: nothing to finalize; put a detached
		// pointer back so regenerate/retry did not eat a branch.
		c.tree.Restore(in.detached)
		c.narrator.FinishRealtimeStream()
		return
	}

	for _, clause := range in.seg.Flush() {
		c.narrator.AppendRealtimeSegment(clause)
	}
	c.narrator.FinishRealtimeStream()

	in.assistant.Finalize(model.FinishCompleted)
	c.sess.Touch()
	c.persistLocked(storage.PersistImmediate)
}

func (c *Coordinator) onFailed(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.matchLocked(ev.RequestID)
	if in == nil {
		return
	}
	c.current = nil
	c.lastErr = ev.Err
	c.narrator.FinishRealtimeStream()

	logging.L().WithField("request", in.requestID).WithError(ev.Err).Warn("stream failed")

	// The error always becomes a node on the active branch, so it never
	// silently disappears and retry has something to walk back from.
	errNode := newErrorNode(ev.Err)

	if in.assistant != nil {
		in.assistant.Finalize(model.FinishError)
		in.assistant.ErrorText = ev.Err.Error()
		if err := c.tree.Append(errNode, in.assistant.ID); err != nil {
			logging.L().WithError(err).Error("appending error node failed")
		}
	} else {
		// No reply node was ever created; the error node takes the
		// branch instead of the detached pointer being restored.
		if err := c.tree.Append(errNode, in.parentID); err != nil {
			logging.L().WithError(err).Error("appending error node failed")
		}
	}

	c.sess.Touch()
	c.persistLocked(storage.PersistImmediate)
}

// endCurrentLocked closes the open stream with the given finish reason.
// Used for cancel, supersede, and config change; all three keep the partial
// content and never add an error node.
func (c *Coordinator) endCurrentLocked(reason model.FinishReason) {
	in := c.current
	if in == nil {
		return
	}
	c.current = nil

	in.session.Cancel()
	c.narrator.FinishRealtimeStream()

	if in.assistant != nil {
		in.assistant.Finalize(reason)
		c.sess.Touch()
		c.persistLocked(storage.PersistImmediate)
		return
	}

	// Nothing was produced; roll the tree back to where it was.
	c.tree.Restore(in.detached)
}

// persistLocked writes through the store, logging rather than failing the
// stream on storage trouble.
func (c *Coordinator) persistLocked(reason storage.PersistReason) {
	if err := c.store.Persist(c.sess, reason); err != nil {
		logging.L().WithError(err).Warn("persisting session failed")
	}
}

// =============================================================================
// ERROR NODE
// =============================================================================

// newErrorNode builds the synthetic assistant node that surfaces a stream
// failure in the conversation.
func newErrorNode(err error) *model.Message {
	node := model.NewMessage(model.RoleAssistant, fmt.Sprintf("Request failed: %v", err))
	node.FinishReason = model.FinishError
	node.ErrorText = err.Error()
	return node
}
