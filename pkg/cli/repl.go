// Package cli implements the interactive terminal.
//
// Lines starting with a slash are commands; anything else goes to the
// orchestrator as a user message within one persistent session.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/skynav-ai/skynav/pkg/events"
	"github.com/skynav-ai/skynav/pkg/orchestrator"
	"github.com/skynav-ai/skynav/pkg/session"
)

const helpText = `Commands:
  /help     show this help
  /status   ping the agents
  /clear    clear the current session history
  /history  print the current session history
  /stream   toggle live event rendering
  /quit     exit

Anything else is sent to the drone as a command.`

// Chatter runs one chat request.
type Chatter interface {
	Chat(ctx context.Context, req orchestrator.ChatRequest) (*orchestrator.ChatResponse, error)
}

// Pinger checks agent liveness.
type Pinger interface {
	Ping(ctx context.Context, agent string) error
	Agents() []string
}

// REPL is the interactive terminal session.
type REPL struct {
	orch     Chatter
	sessions *session.Store
	bus      *events.Bus
	pinger   Pinger
	mapID    string

	sessionID string
	stream    bool
}

// New creates a REPL bound to one orchestrator.
func New(orch Chatter, sessions *session.Store, bus *events.Bus, pinger Pinger, mapID string) *REPL {
	return &REPL{
		orch:     orch,
		sessions: sessions,
		bus:      bus,
		pinger:   pinger,
		mapID:    mapID,
	}
}

// Run reads lines until /quit or EOF.
func (r *REPL) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "skynav> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()

	fmt.Println("skynav drone control. Type /help for commands.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		r.chat(ctx, line)
	}
}

// command dispatches a slash command. Returns true on /quit.
func (r *REPL) command(ctx context.Context, line string) bool {
	switch line {
	case "/help":
		fmt.Println(helpText)
	case "/status":
		r.status(ctx)
	case "/clear":
		if sess, ok := r.sessions.Get(r.sessionID); ok {
			sess.Clear()
		}
		fmt.Println("History cleared.")
	case "/history":
		r.history()
	case "/stream":
		r.stream = !r.stream
		fmt.Printf("Event streaming %s.\n", onOff(r.stream))
	case "/quit", "/exit":
		return true
	default:
		fmt.Printf("Unknown command %s. Type /help.\n", line)
	}
	return false
}

func (r *REPL) status(ctx context.Context) {
	for _, name := range r.pinger.Agents() {
		if err := r.pinger.Ping(ctx, name); err != nil {
			fmt.Printf("  %-14s down (%v)\n", name, err)
		} else {
			fmt.Printf("  %-14s ok\n", name)
		}
	}
}

func (r *REPL) history() {
	sess, ok := r.sessions.Get(r.sessionID)
	if !ok || sess.Len() == 0 {
		fmt.Println("No history yet.")
		return
	}
	for _, turn := range sess.History() {
		fmt.Printf("[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Role, turn.Content)
	}
}

// chat sends one message, optionally rendering events live.
func (r *REPL) chat(ctx context.Context, message string) {
	var stopEvents func()
	if r.stream && r.bus != nil {
		stopEvents = r.renderEvents()
	}

	resp, err := r.orch.Chat(ctx, orchestrator.ChatRequest{
		Message:   message,
		SessionID: r.sessionID,
		MapID:     r.mapID,
	})
	if stopEvents != nil {
		stopEvents()
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	r.sessionID = resp.SessionID
	fmt.Println(resp.Answer)
	if resp.Error != "" {
		fmt.Printf("  error: %s\n", resp.Error)
	}
	fmt.Printf("  goal_achieved=%t iterations=%d duration=%dms\n",
		resp.GoalAchieved, resp.ReactIterations, resp.DurationMs)
}

// renderEvents prints observability events until the returned func runs.
func (r *REPL) renderEvents() func() {
	ch, unsubscribe := r.bus.Subscribe(events.Wildcard)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			fmt.Printf("  · %s %s/%s\n", ev.Type, ev.Agent, ev.Phase)
		}
	}()

	return func() {
		unsubscribe()
		wg.Wait()
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
