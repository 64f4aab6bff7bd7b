// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braid-chat/braid/internal/config"
	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/storage"
	"github.com/braid-chat/braid/internal/stream"
)

// =============================================================================
// FAKES
// =============================================================================

// recordingNarrator captures the narration call sequence.
type recordingNarrator struct {
	mu       sync.Mutex
	starts   int
	finishes int
	segments []string
}

func (n *recordingNarrator) StartRealtimeStream() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts++
}

func (n *recordingNarrator) AppendRealtimeSegment(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.segments = append(n.segments, text)
}

func (n *recordingNarrator) FinishRealtimeStream() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finishes++
}

func (n *recordingNarrator) snapshot() (int, int, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts, n.finishes, append([]string(nil), n.segments...)
}

// countingStore wraps a real store and tallies persist reasons.
type countingStore struct {
	storage.Store
	mu        sync.Mutex
	throttled int
	immediate int
}

func (s *countingStore) Persist(sess *model.Session, reason storage.PersistReason) error {
	s.mu.Lock()
	if reason == storage.PersistThrottled {
		s.throttled++
	} else {
		s.immediate++
	}
	s.mu.Unlock()
	return s.Store.Persist(sess, reason)
}

// =============================================================================
// SERVER HELPERS
// =============================================================================

// sseServer streams the given content strings as chat-completion frames.
func sseServer(t *testing.T, contents ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, content := range contents {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n", content)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}))
}

func failingServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func testCoordinator(t *testing.T, baseURL string, narrator Narrator) (*Coordinator, *countingStore) {
	t.Helper()

	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.Storage.Dir = t.TempDir()

	fs, err := storage.NewFileStore(cfg.Storage.Dir, 0)
	require.NoError(t, err)
	store := &countingStore{Store: fs}

	return NewCoordinator(cfg, store, narrator, model.NewSession()), store
}

func contents(msgs []*model.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.DisplayContent())
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestSendHappyPath(t *testing.T) {
	srv := sseServer(t, "The answer ", "is four.")
	defer srv.Close()

	c, store := testCoordinator(t, srv.URL, nil)

	user, err := c.Send("what is 2+2")
	require.NoError(t, err)
	require.NotNil(t, user)
	c.Wait()

	branch := c.ActiveBranch()
	require.Len(t, branch, 2)
	assert.Equal(t, "what is 2+2", branch[0].Content)

	reply := branch[1]
	assert.Equal(t, "The answer is four.", reply.Content)
	assert.Equal(t, model.FinishCompleted, reply.FinishReason)
	assert.False(t, reply.IsActive)
	assert.Equal(t, 2, reply.DeltaCount)
	assert.Equal(t, 1, reply.PromptMessages)
	assert.NotZero(t, reply.PromptChars)
	assert.False(t, reply.FirstTokenAt.IsZero())

	// Reload from disk: the exchange survived.
	loaded, err := store.Load(c.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.MessageCount())
}

func TestSendErrorCreatesErrorNode(t *testing.T) {
	srv := failingServer(http.StatusInternalServerError, "kaboom")
	defer srv.Close()

	c, _ := testCoordinator(t, srv.URL, nil)

	_, err := c.Send("hi")
	require.NoError(t, err)
	c.Wait()

	branch := c.ActiveBranch()
	require.Len(t, branch, 2, "user message plus synthetic error node")
	errNode := branch[1]
	assert.True(t, errNode.IsFailed())
	assert.Contains(t, errNode.Content, "Request failed")
	assert.Contains(t, errNode.ErrorText, "500")

	require.Error(t, c.LastError())
	assert.Equal(t, stream.ErrKindHTTPStatus, stream.KindOf(c.LastError()))
}

func TestRetryAfterErrorResendsOnlyHealthyHistory(t *testing.T) {
	fail := failingServer(http.StatusBadGateway, "down")
	defer fail.Close()

	c, _ := testCoordinator(t, fail.URL, nil)
	_, err := c.Send("hi")
	require.NoError(t, err)
	c.Wait()

	failedBranch := c.ActiveBranch()
	require.Len(t, failedBranch, 2)
	errNodeID := failedBranch[1].ID

	// Bring up a healthy server and point the coordinator at it.
	var gotPrompt []stream.ChatMessage
	var mu sync.Mutex
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.ChatRequest
		require.NoError(t, jsonDecode(r, &req))
		mu.Lock()
		gotPrompt = req.Messages
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer ok.Close()

	cfg := config.Default()
	cfg.API.BaseURL = ok.URL
	c.ApplyConfig(cfg)

	require.NoError(t, c.Retry())
	c.Wait()

	// Only the healthy history went out.
	mu.Lock()
	require.Len(t, gotPrompt, 1)
	assert.Equal(t, "hi", gotPrompt[0].Content)
	mu.Unlock()

	branch := c.ActiveBranch()
	require.Len(t, branch, 2)
	assert.Equal(t, "hello", branch[1].Content)

	// The error node survives on the abandoned branch.
	assert.True(t, c.Session().Has(errNodeID))
	for _, msg := range branch {
		assert.NotEqual(t, errNodeID, msg.ID)
	}
}

func TestRegeneratePreservesOldAnswer(t *testing.T) {
	first := sseServer(t, "first answer")
	defer first.Close()

	c, _ := testCoordinator(t, first.URL, nil)
	_, err := c.Send("q")
	require.NoError(t, err)
	c.Wait()

	oldReply := c.ActiveBranch()[1]
	require.Equal(t, "first answer", oldReply.Content)

	second := sseServer(t, "second answer")
	defer second.Close()
	cfg := config.Default()
	cfg.API.BaseURL = second.URL
	c.ApplyConfig(cfg)

	require.NoError(t, c.Regenerate(oldReply.ID))
	c.Wait()

	branch := c.ActiveBranch()
	require.Len(t, branch, 2)
	assert.Equal(t, "second answer", branch[1].Content)

	// Switch back: the first answer is intact.
	require.NoError(t, c.SwitchBranch(oldReply.ID))
	assert.Equal(t, []string{"q", "first answer"}, contents(c.ActiveBranch()))

	sibs, err := c.Siblings(oldReply.ID)
	require.NoError(t, err)
	assert.Len(t, sibs, 2)
}

func TestCancelBeforeFirstDeltaRestoresPointer(t *testing.T) {
	release := make(chan struct{})
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer stall.Close()
	defer close(release)

	quick := sseServer(t, "original")
	defer quick.Close()

	c, _ := testCoordinator(t, quick.URL, nil)
	_, err := c.Send("q")
	require.NoError(t, err)
	c.Wait()
	original := c.ActiveBranch()[1]

	cfg := config.Default()
	cfg.API.BaseURL = stall.URL
	c.ApplyConfig(cfg)

	// Regenerate against the stalling server, then cancel before any
	// delta arrives.
	require.NoError(t, c.Regenerate(original.ID))
	assert.True(t, c.Streaming())
	c.Cancel()
	assert.False(t, c.Streaming())

	// The detached pointer came back: the original answer is active again.
	assert.Equal(t, []string{"q", "original"}, contents(c.ActiveBranch()))
	assert.Equal(t, model.FinishCompleted, original.FinishReason,
		"cancel of an unstarted replacement must not touch the old node")
}

func TestNewSendSupersedesOpenStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.ChatRequest
		_ = jsonDecode(r, &req)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")
		w.(http.Flusher).Flush()

		if len(req.Messages) > 1 {
			// Second request: finish immediately.
			fmt.Fprint(w, "data: [DONE]\n")
			return
		}
		// First request hangs after one delta.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, _ := testCoordinator(t, srv.URL, nil)
	_, err := c.Send("first")
	require.NoError(t, err)

	// Wait until the partial delta landed.
	require.Eventually(t, func() bool {
		branch := c.ActiveBranch()
		return len(branch) == 2 && branch[1].DisplayContent() == "partial"
	}, 5*time.Second, 10*time.Millisecond)

	superseded := c.ActiveBranch()[1]

	_, err = c.Send("second")
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, model.FinishSuperseded, superseded.FinishReason)
	assert.Equal(t, "partial", superseded.Content)
}

func TestConfigChangeMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, _ := testCoordinator(t, srv.URL, nil)
	_, err := c.Send("q")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.ActiveBranch()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	node := c.ActiveBranch()[1]

	cfg := config.Default()
	cfg.API.Model = "other-model"
	cfg.API.BaseURL = srv.URL
	c.ApplyConfig(cfg)

	assert.Equal(t, model.FinishConfigChanged, node.FinishReason)
	assert.False(t, c.Streaming())
}

func TestNarratorReceivesClausesNotReasoning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning\":\"secret deliberation.\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"First clause. Second clause.\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	narrator := &recordingNarrator{}
	c, _ := testCoordinator(t, srv.URL, narrator)

	_, err := c.Send("q")
	require.NoError(t, err)
	c.Wait()

	starts, finishes, segments := narrator.snapshot()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, finishes)
	assert.Equal(t, []string{"First clause.", "Second clause."}, segments)

	// The reply itself keeps the wrapped reasoning.
	reply := c.ActiveBranch()[1]
	assert.Contains(t, reply.Content, "<think>")
	assert.Contains(t, reply.Content, "secret deliberation.")
}

func TestPersistMilestones(t *testing.T) {
	srv := sseServer(t, "short")
	defer srv.Close()

	c, store := testCoordinator(t, srv.URL, nil)
	_, err := c.Send("q")
	require.NoError(t, err)
	c.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	// Milestones: user append, assistant creation, completion.
	assert.GreaterOrEqual(t, store.immediate, 3)
}

func TestOnDeltaCallback(t *testing.T) {
	srv := sseServer(t, "a", "b", "c")
	defer srv.Close()

	c, _ := testCoordinator(t, srv.URL, nil)

	var mu sync.Mutex
	var got string
	c.OnDelta = func(text string) {
		mu.Lock()
		got += text
		mu.Unlock()
	}

	_, err := c.Send("q")
	require.NoError(t, err)
	c.Wait()

	mu.Lock()
	assert.Equal(t, "abc", got)
	mu.Unlock()
}

func TestFormatStats(t *testing.T) {
	msg := model.NewAssistantMessage()
	base := time.Now()
	msg.StreamStartedAt = base
	msg.FirstTokenAt = base.Add(200 * time.Millisecond)
	msg.AppendDelta("x")
	msg.Finalize(model.FinishCompleted)
	msg.CompletedAt = base.Add(2 * time.Second)

	line := FormatStats(msg)
	assert.Contains(t, line, "2.0s")
	assert.Contains(t, line, "1 chunks")
	assert.Contains(t, line, "TTFT 200ms")

	assert.Empty(t, FormatStats(nil))
	assert.Empty(t, FormatStats(model.NewAssistantMessage()))
}

func TestBuildPromptStripsThink(t *testing.T) {
	user := model.NewUserMessage("q")
	reply := model.NewMessage(model.RoleAssistant, "<think>\nhidden\n</think>\nvisible")
	reply.FinishReason = model.FinishCompleted

	prompt := buildPrompt([]*model.Message{user, reply})
	require.Len(t, prompt, 2)
	assert.Equal(t, "visible", prompt[1].Content)
}

// jsonDecode decodes an HTTP request body.
func jsonDecode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
