// braid - branching streaming chat for OpenAI-compatible endpoints.
//
// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/braid-chat/braid/internal/config"
	"github.com/braid-chat/braid/internal/engine"
	"github.com/braid-chat/braid/internal/logging"
	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "braid: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	store, err := storage.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "braid: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	repl := newREPL(cfg, store)
	defer repl.Close()

	// Hot reload: a valid config change mid-stream cancels the in-flight
	// request and rebuilds the client.
	if path, err := config.DefaultPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			watcher, err := config.NewWatcher(path, repl.applyConfig)
			if err == nil {
				defer watcher.Close()
			}
		}
	}

	repl.Run()
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	cfg   *config.Config
	store storage.Store
	coord *engine.Coordinator
	line  *liner.State

	historyFile string
}

func newREPL(cfg *config.Config, store storage.Store) *repl {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	historyFile := ""
	if dir, err := config.ConfigDir(); err == nil {
		historyFile = filepath.Join(dir, "history")
		if f, err := os.Open(historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	r := &repl{
		cfg:         cfg,
		store:       store,
		line:        line,
		historyFile: historyFile,
	}
	r.attach(model.NewSession())
	return r
}

// attach binds the REPL to a session, rebuilding the coordinator.
func (r *repl) attach(sess *model.Session) {
	if r.coord != nil {
		r.coord.Close()
	}
	r.coord = engine.NewCoordinator(r.cfg, r.store, engine.NoopNarrator{}, sess)
	r.coord.OnDelta = func(text string) {
		fmt.Print(text)
	}
}

func (r *repl) applyConfig(cfg *config.Config) {
	r.cfg = cfg
	r.coord.ApplyConfig(cfg)
}

func (r *repl) Close() {
	r.coord.Close()
	if r.historyFile != "" {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

func (r *repl) Run() {
	fmt.Printf("braid %s — %s @ %s (/help for commands)\n",
		Version, r.cfg.API.Model, r.cfg.API.BaseURL)

	for {
		input, err := r.line.Prompt("braid> ")
		if err != nil {
			// Ctrl+C aborts a prompt, Ctrl+D exits.
			if err == liner.ErrPromptAborted {
				fmt.Println()
				continue
			}
			fmt.Println()
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if !r.handleCommand(input) {
				return
			}
			continue
		}

		r.send(input)
	}
}

// send streams one exchange, printing deltas as they arrive.
func (r *repl) send(text string) {
	if _, err := r.coord.Send(text); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}
	r.awaitReply()
}

// awaitReply blocks until the open stream terminates, then prints stats or
// the failure.
func (r *repl) awaitReply() {
	r.coord.Wait()
	fmt.Println()

	if err := r.coord.LastError(); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}

	branch := r.coord.ActiveBranch()
	if len(branch) == 0 {
		return
	}
	if stats := engine.FormatStats(branch[len(branch)-1]); stats != "" {
		fmt.Printf("[%s]\n", stats)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// handleCommand executes one slash command; returns false to exit.
func (r *repl) handleCommand(input string) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/q", "/exit":
		return false

	case "/help", "/h":
		r.printHelp()

	case "/cancel":
		r.coord.Cancel()
		fmt.Println("[cancelled]")

	case "/new":
		r.attach(model.NewSession())
		fmt.Println("[new session]")

	case "/history":
		r.printBranch()

	case "/branches":
		r.printBranches()

	case "/switch":
		if len(args) != 1 {
			fmt.Println("usage: /switch <message-id>")
			break
		}
		if err := r.coord.SwitchBranch(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		r.printBranch()

	case "/edit":
		if len(args) < 2 {
			fmt.Println("usage: /edit <message-id> <new text>")
			break
		}
		if _, err := r.coord.EditAndResend(args[0], strings.Join(args[1:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		r.awaitReply()

	case "/regen":
		branch := r.coord.ActiveBranch()
		var target *model.Message
		for i := len(branch) - 1; i >= 0; i-- {
			if branch[i].Role == model.RoleAssistant && !branch[i].IsFailed() {
				target = branch[i]
				break
			}
		}
		if target == nil {
			fmt.Println("nothing to regenerate")
			break
		}
		if err := r.coord.Regenerate(target.ID); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		r.awaitReply()

	case "/retry":
		if err := r.coord.Retry(); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		r.awaitReply()

	case "/models":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		models, err := r.coord.ListModels(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		for _, id := range models {
			fmt.Println("  " + id)
		}

	case "/sessions":
		r.printSessions(args)

	case "/load":
		if len(args) != 1 {
			fmt.Println("usage: /load <session-id>")
			break
		}
		sess, err := r.store.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			break
		}
		r.attach(sess)
		fmt.Printf("[loaded %q]\n", sess.GetTitle())
		r.printBranch()

	case "/delete":
		if len(args) != 1 {
			fmt.Println("usage: /delete <session-id>")
			break
		}
		if err := r.store.Delete(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		}

	case "/export":
		r.export(args)

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return true
}

func (r *repl) printHelp() {
	fmt.Print(`commands:
  <text>                 send a message
  /cancel                cancel the current generation
  /regen                 regenerate the last answer (old one stays switchable)
  /retry                 retry after an error
  /edit <id> <text>      edit a message and resend (branches)
  /switch <id>           switch the active branch to a sibling
  /branches              show alternatives at the last branch point
  /history               print the active branch
  /models                list models at the configured endpoint
  /sessions [query]      list or search stored sessions
  /load <id>             load a stored session
  /delete <id>           delete a stored session
  /export md|json [file] export the active branch
  /new                   start a fresh session
  /quit                  exit
`)
}

func (r *repl) printBranch() {
	for _, msg := range r.coord.ActiveBranch() {
		fmt.Printf("%s [%s] %s\n", msg.Role.DisplayName(), msg.ID, msg.Preview(80))
	}
}

func (r *repl) printBranches() {
	branch := r.coord.ActiveBranch()
	if len(branch) == 0 {
		fmt.Println("empty session")
		return
	}
	tail := branch[len(branch)-1]
	sibs, err := r.coord.Siblings(tail.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}
	for _, sib := range sibs {
		marker := " "
		if sib.ID == tail.ID {
			marker = "*"
		}
		fmt.Printf("%s [%s] %s\n", marker, sib.ID, sib.Preview(80))
	}
}

func (r *repl) printSessions(args []string) {
	var metas []storage.SessionMeta
	var err error
	if len(args) > 0 {
		metas, err = r.store.Search(strings.Join(args, " "))
	} else {
		metas, err = r.store.List()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}
	for _, meta := range metas {
		fmt.Printf("  %s  %-40s  %d msgs  %s\n",
			meta.ID, meta.Title, meta.MessageCount,
			meta.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func (r *repl) export(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: /export md|json [file]")
		return
	}

	sess := r.coord.Session()
	var data []byte
	switch args[0] {
	case "md", "markdown":
		data = []byte(storage.ExportMarkdown(sess))
	case "json":
		var err error
		data, err = storage.ExportJSON(sess)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			return
		}
	default:
		fmt.Println("usage: /export md|json [file]")
		return
	}

	if len(args) > 1 {
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			return
		}
		fmt.Printf("[exported to %s]\n", args[1])
		return
	}
	fmt.Print(string(data))
}
