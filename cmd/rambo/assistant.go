package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/config"
	"github.com/nugget/rambo/internal/connwatch"
	"github.com/nugget/rambo/internal/fetch"
	"github.com/nugget/rambo/internal/llm"
	"github.com/nugget/rambo/internal/mcp"
	"github.com/nugget/rambo/internal/search"
	"github.com/nugget/rambo/internal/tools"
)

// assistant is one bot wired for one interface. Every (bot, interface)
// pair gets its own loop, conversation store and registry.
type assistant struct {
	bot  config.Bot
	gen  llm.Generator
	loop *agent.Loop
	mcp  []*mcp.Client
}

// newAssistant builds the generator, registry and loop for bot. MCP
// servers that fail to connect are logged and skipped.
func newAssistant(ctx context.Context, bot config.Bot, recorder agent.TurnRecorder, logger *slog.Logger) (*assistant, error) {
	gen, err := llm.New(bot.Generator, logger)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", bot.Name, err)
	}

	loop := agent.NewLoop(bot.Name, gen, logger)
	a := &assistant{bot: bot, gen: gen, loop: loop}

	reg := loop.Registry
	tpl := bot.Instructions.Templates.WithDefaults()
	if bot.HasTool("test") {
		reg.Register(tools.NewTestTool())
	}
	if bot.HasTool("web") {
		reg.Register(tools.NewWebTool(newSearchManager(bot.Tools.Web, logger), fetch.New()))
	}
	if bot.HasTool("inspector") {
		reg.Register(tools.NewInspector(reg, tpl))
	}
	for _, srv := range bot.Tools.MCP {
		t, client, err := connectMCP(ctx, srv, logger)
		if err != nil {
			logger.Warn("MCP server unavailable, continuing without it",
				"bot", bot.Name, "server", srv.Name, "error", err)
			continue
		}
		a.mcp = append(a.mcp, client)
		reg.Register(t)
	}

	loop.Instruction = bot.Instructions.Render(bot.Name, reg.Describe(tpl))
	loop.Template = bot.Template
	loop.Sampling = bot.Tunables
	loop.Cutoff = agent.NewCutoff(bot.Cutoff.ActivePhrase())
	if bot.MaxToolCalls > 0 {
		loop.MaxToolCalls = bot.MaxToolCalls
	}
	if bot.GenerateTimeoutSec > 0 {
		loop.GenerateTimeout = time.Duration(bot.GenerateTimeoutSec) * time.Second
	}
	if recorder != nil {
		loop.Recorder = recorder
	}

	logger.Debug("assistant ready",
		"bot", bot.Name,
		"tools", len(reg.Tools()),
		"instruction_len", len(loop.Instruction),
	)
	return a, nil
}

// connectMCP opens one MCP server and bridges its tools.
func connectMCP(ctx context.Context, srv mcp.ServerConfig, logger *slog.Logger) (*tools.Tool, *mcp.Client, error) {
	client, err := mcp.Connect(ctx, srv, logger)
	if err != nil {
		return nil, nil, err
	}
	t, err := mcp.NewTool(ctx, client, srv, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return t, client, nil
}

// newSearchManager registers every configured search backend.
func newSearchManager(cfg config.WebConfig, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Provider, logger)
	if cfg.SearXNGURL != "" {
		mgr.Register(search.NewSearXNG(cfg.SearXNGURL))
	}
	if cfg.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(cfg.BraveAPIKey))
	}
	if cfg.StractURL != "" {
		mgr.Register(search.NewStract(cfg.StractURL))
	}
	if !mgr.Configured() {
		logger.Warn("web tool has no search provider; web.search is disabled")
	}
	return mgr
}

// watch registers health checks for the generator, when it can be
// pinged, and for every connected MCP server. prefix scopes the
// watcher names.
func (a *assistant) watch(ctx context.Context, m *connwatch.Manager, prefix string) {
	if p, ok := a.gen.(llm.Pinger); ok {
		m.Watch(ctx, prefix+"/generator", p.Ping, connwatch.Schedule{}, nil)
	}
	for _, c := range a.mcp {
		m.Watch(ctx, prefix+"/mcp/"+c.Name(), c.Ping, connwatch.Schedule{}, nil)
	}
}

// Close shuts down the assistant's MCP clients.
func (a *assistant) Close() error {
	var errs []error
	for _, c := range a.mcp {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
