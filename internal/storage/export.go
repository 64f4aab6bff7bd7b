// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/tree"
)

// =============================================================================
// ACTIVE BRANCH EXPORT
// =============================================================================

// ExportedMessage is the export projection of one active-branch message.
type ExportedMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model,omitempty"`
}

// ExportedSession is the export projection of a session's active branch.
// Abandoned branches are intentionally absent; export shows the
// conversation as the user last saw it.
type ExportedSession struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []ExportedMessage `json:"messages"`
}

func exportBranch(sess *model.Session) []ExportedMessage {
	branch := tree.NewManager(sess).ActiveBranch()
	out := make([]ExportedMessage, 0, len(branch))
	for _, msg := range branch {
		out = append(out, ExportedMessage{
			Role:      msg.Role.String(),
			Content:   msg.DisplayContent(),
			CreatedAt: msg.CreatedAt,
			Model:     msg.Model,
		})
	}
	return out
}

// ExportJSON renders the active branch as indented JSON.
func ExportJSON(sess *model.Session) ([]byte, error) {
	exported := ExportedSession{
		ID:        sess.ID,
		Title:     sess.GetTitle(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Messages:  exportBranch(sess),
	}
	return json.MarshalIndent(exported, "", "  ")
}

// ExportMarkdown renders the active branch as a Markdown transcript.
func ExportMarkdown(sess *model.Session) string {
	var sb strings.Builder

	sb.WriteString("# " + sess.GetTitle() + "\n\n")
	sb.WriteString(fmt.Sprintf("*Session %s, started %s*\n\n",
		sess.ID, sess.CreatedAt.Format("2006-01-02 15:04")))

	for _, msg := range exportBranch(sess) {
		switch msg.Role {
		case "user":
			sb.WriteString("## You\n\n")
		default:
			if msg.Model != "" {
				sb.WriteString("## Assistant (" + msg.Model + ")\n\n")
			} else {
				sb.WriteString("## Assistant\n\n")
			}
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}

	return sb.String()
}
