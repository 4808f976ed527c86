package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/messaging"
)

// replSource names the terminal in conversation keys.
const replSource = "repl"

// runChat talks to one bot over stdin/stdout. Every line is a direct
// message from the local operator, who may also use the tunables
// commands. The session ends at EOF, on "/quit", or on cutoff.
func runChat(ctx context.Context, stdin io.Reader, stdout, logOut io.Writer, configPath, botName string) error {
	cfg, logger, err := setup(configPath, logOut)
	if err != nil {
		return err
	}
	bot, err := pickBot(cfg, botName)
	if err != nil {
		return err
	}
	if err := bot.Generator.Validate(); err != nil {
		return fmt.Errorf("bot %s: generator: %w", bot.Name, err)
	}

	a, err := newAssistant(ctx, bot, nil, logger.With("bot", bot.Name, "interface", replSource))
	if err != nil {
		return err
	}
	defer a.Close()

	user := os.Getenv("USER")
	if user == "" {
		user = "user"
	}
	r := &repl{
		runner:   a.loop,
		tunables: messaging.NewTunables(bot.Tunables, []string{user}),
		out:      stdout,
		user:     user,
		bot:      bot.Name,
		cutoff:   bot.CutoffMessage(),
	}
	return r.run(ctx, stdin)
}

// repl is the terminal adapter.
type repl struct {
	runner   messaging.Runner
	tunables *messaging.Tunables
	out      io.Writer
	user     string
	bot      string
	cutoff   string
	seq      int
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(r.out, "Talking to %s. /quit or EOF to leave.\n", r.bot)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		err := r.handle(ctx, line)
		if errors.Is(err, messaging.ErrCutoff) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one line through the tunables commands or the loop.
func (r *repl) handle(ctx context.Context, line string) error {
	if res := r.tunables.Handle(r.user, line); res.Handled {
		fmt.Fprintln(r.out, res.Reply)
		return nil
	}

	r.seq++
	msg := &agent.Message{
		ID:         fmt.Sprintf("%d", r.seq),
		Source:     replSource,
		Sender:     agent.Sender{Name: r.user, ID: r.user},
		Recipients: []agent.Sender{{Name: r.bot, ID: r.bot}},
		Content:    line,
		Visibility: agent.VisibilityPrivate,
		Privacy:    agent.PrivacyDirect,
		Secure:     true,
		Timestamp:  time.Now(),
	}

	cb := agent.Callbacks{
		Tool: func(_ *agent.Message, inv *invoke.Invocation) {
			fmt.Fprintf(r.out, "%s %s\n", messaging.ReactionTool, inv.Slug())
		},
		Failure: func(_ *agent.Message, err error) {
			fmt.Fprintf(r.out, "%s %v\n", messaging.ReactionFailure, err)
		},
	}

	turn := r.runner.Run(ctx, msg, cb, agent.WithSampling(r.tunables.Sampling()))
	switch turn.Outcome {
	case agent.OutcomeFinished:
		fmt.Fprintf(r.out, "%s: %s\n", r.bot, strings.TrimSpace(turn.Reply))
	case agent.OutcomeCutoff:
		fmt.Fprintln(r.out, r.cutoff)
		return messaging.ErrCutoff
	}
	return nil
}
