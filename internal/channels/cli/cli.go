// Package cli is the interactive terminal channel. It reads lines with
// readline and prints bot replies with a boxed sender header, so a local
// session works without any platform credentials.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/mattn/go-runewidth"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/channels"
	"github.com/crewgate/crewgate/internal/config"
)

const (
	// ChatID is the single conversation the terminal represents.
	ChatID = "local"

	defaultPrompt = "> "
	headerWidth   = 60
)

// Channel reads user input from the terminal and prints replies.
type Channel struct {
	*channels.Base
	cfg    config.CLIConfig
	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}

	streamMu sync.Mutex
}

func New(cfg config.CLIConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		Base: channels.NewBase("cli", msgBus, nil, 0),
		cfg:  cfg,
	}
}

// Start opens the readline loop in a goroutine.
func (c *Channel) Start(ctx context.Context) error {
	prompt := c.cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("cli: init readline: %w", err)
	}
	c.rl = rl

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.SetRunning(true)
	go c.readLoop(runCtx)
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.SetRunning(false)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				slog.Info("cli: input closed")
			} else {
				slog.Warn("cli: read failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.Inbound(ChatID, "user", line, nil)
	}
}

// Stop closes the readline instance and waits for the loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		c.rl.Close()
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}

// Send prints a reply under a sender header. Replies that already streamed
// to the terminal only need their block closed out.
func (c *Channel) Send(_ context.Context, env bus.MessageEnvelope) error {
	if c.rl == nil {
		return errors.New("cli: not started")
	}
	if env.Meta("streamed") == "true" {
		c.streamMu.Lock()
		fmt.Fprint(c.rl.Stdout(), "\n")
		c.printTurnNotes(env)
		fmt.Fprint(c.rl.Stdout(), "\n")
		c.streamMu.Unlock()
		c.rl.Refresh()
		return nil
	}
	sender := env.SenderID
	if sender == "" {
		sender = "crew"
	}
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n%s\n", header(sender), strings.TrimRight(env.Content, "\n"))
	c.printTurnNotes(env)
	fmt.Fprint(c.rl.Stdout(), "\n")
	c.rl.Refresh()
	return nil
}

// printTurnNotes surfaces per-turn metadata under the reply.
func (c *Channel) printTurnNotes(env bus.MessageEnvelope) {
	if notice := env.Meta("compaction_notice"); notice != "" {
		fmt.Fprintf(c.rl.Stdout(), "  · %s\n", notice)
	}
	if usage := env.Meta("context_usage"); usage != "" {
		fmt.Fprintf(c.rl.Stdout(), "  · context %s tokens\n", usage)
	}
}

// StreamEnabled reports whether incremental output is configured and the
// terminal is ready for it.
func (c *Channel) StreamEnabled() bool {
	return c.cfg.Stream && c.rl != nil
}

// OpenStream returns a per-turn sink. The sender header prints with the
// first delta so tool-only turns never leave an empty block behind.
func (c *Channel) OpenStream(_ string, sender string) func(string) {
	if sender == "" {
		sender = "crew"
	}
	started := false
	return func(delta string) {
		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if c.rl == nil {
			return
		}
		if !started {
			fmt.Fprintf(c.rl.Stdout(), "\n%s\n", header(sender))
			started = true
		}
		fmt.Fprint(c.rl.Stdout(), delta)
	}
}

// header renders "── @sender ───..." padded to a fixed display width.
// runewidth keeps the rule aligned when sender names carry wide runes.
func header(sender string) string {
	label := " @" + sender + " "
	pad := headerWidth - runewidth.StringWidth(label) - 2
	if pad < 0 {
		pad = 0
	}
	return "──" + label + strings.Repeat("─", pad)
}
