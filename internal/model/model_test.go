// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStreamingLifecycle(t *testing.T) {
	msg := NewAssistantMessage()
	require.True(t, msg.IsActive)
	assert.True(t, msg.IsEmpty())

	msg.AppendDelta("Hello")
	msg.AppendDelta(", world")
	assert.Equal(t, "Hello, world", msg.DisplayContent())
	assert.Equal(t, 2, msg.DeltaCount)
	assert.Equal(t, len("Hello, world"), msg.CharCount)
	assert.Empty(t, msg.Content, "content merges only on finalize")

	msg.Finalize(FinishCompleted)
	assert.False(t, msg.IsActive)
	assert.Equal(t, "Hello, world", msg.Content)
	assert.Equal(t, FinishCompleted, msg.FinishReason)
	assert.False(t, msg.CompletedAt.IsZero())
}

func TestMessageFinalizeIsIdempotent(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendDelta("text")

	msg.Finalize(FinishCompleted)
	first := msg.CompletedAt

	// A late terminal event must not overwrite the first.
	msg.Finalize(FinishError)
	assert.Equal(t, FinishCompleted, msg.FinishReason)
	assert.Equal(t, first, msg.CompletedAt)
}

func TestMessageDeltasDroppedAfterFinalize(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendDelta("kept")
	msg.Finalize(FinishCancelled)

	msg.AppendDelta(" dropped")
	assert.Equal(t, "kept", msg.DisplayContent())
	assert.Equal(t, 1, msg.DeltaCount)
}

func TestMessagePreview(t *testing.T) {
	msg := NewUserMessage("first line\nsecond line that goes on for quite a while")
	preview := msg.Preview(20)
	assert.NotContains(t, preview, "\n")
	assert.LessOrEqual(t, len([]rune(preview)), 20)

	short := NewUserMessage("hi")
	assert.Equal(t, "hi", short.Preview(20))
}

func TestMessageMarshalIncludesBufferedText(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendDelta("in flight")

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "in flight", decoded.Content)
	assert.True(t, decoded.IsActive)

	// Marshalling must not disturb the live message.
	msg.AppendDelta(" still going")
	assert.Equal(t, "in flight still going", msg.DisplayContent())
}

func TestMessageTimings(t *testing.T) {
	msg := NewAssistantMessage()
	base := time.Now()
	msg.StreamStartedAt = base
	msg.FirstTokenAt = base.Add(200 * time.Millisecond)
	msg.CompletedAt = base.Add(2 * time.Second)

	assert.Equal(t, 200*time.Millisecond, msg.TTFT())
	assert.Equal(t, 2*time.Second, msg.StreamDuration())
	assert.Equal(t, 1800*time.Millisecond, msg.GenerationDuration())

	assert.Zero(t, NewAssistantMessage().TTFT())
}

func TestSessionTitleFromFirstUserMessage(t *testing.T) {
	sess := NewSession()
	assert.Equal(t, "New Session", sess.GetTitle())

	user := NewUserMessage("how do goroutines get scheduled onto OS threads exactly")
	sess.Add(user)
	sess.ActiveRootID = user.ID
	sess.Add(NewAssistantMessage())

	title := sess.GetTitle()
	assert.NotEqual(t, "New Session", title)
	assert.LessOrEqual(t, len([]rune(title)), 50)

	sess.SetTitle("custom")
	assert.Equal(t, "custom", sess.GetTitle())
}

func TestSessionChildrenAndRoots(t *testing.T) {
	sess := NewSession()
	parent := NewUserMessage("root")
	sess.Add(parent)

	a := NewAssistantMessage()
	a.ParentID = parent.ID
	sess.Add(a)

	b := NewAssistantMessage()
	b.ParentID = parent.ID
	sess.Add(b)

	assert.Len(t, sess.Children(parent.ID), 2)
	assert.Empty(t, sess.Children(a.ID))

	roots := sess.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, parent.ID, roots[0].ID)
}

func TestIDsHavePrefixes(t *testing.T) {
	assert.Contains(t, NewSession().ID, "sess_")
	assert.Contains(t, NewUserMessage("x").ID, "msg_")
}
