package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/rambo/internal/config"
)

func serveBot(name string, ifaces ...string) config.Bot {
	b := config.DefaultBot()
	b.Name = name
	b.Generator.Model = "test-model"
	b.Generator.URL = "http://127.0.0.1:1"
	b.Interfaces.Enabled = ifaces
	b.Interfaces.Mattermost = config.MattermostConfig{URL: "https://chat.example.com", Token: "t"}
	b.Interfaces.Zulip = config.ZulipConfig{Site: "https://zulip.example.com", Email: "bot@example.com", APIKey: "k"}
	return b
}

func TestBuildWorkers(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	bots := []config.Bot{
		serveBot("Rambo", config.InterfaceMattermost),
		serveBot("Helper", config.InterfaceZulip, config.InterfaceMattermost),
	}

	workers, assistants, err := buildWorkers(context.Background(), cfg, bots, nil, slog.Default())
	if err != nil {
		t.Fatalf("buildWorkers: %v", err)
	}
	var names []string
	for _, w := range workers {
		names = append(names, w.name)
		if w.run == nil || w.assistant == nil {
			t.Errorf("worker %s not fully built", w.name)
		}
	}
	want := "Rambo/mattermost,Helper/zulip,Helper/mattermost"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("workers = %q, want %q", got, want)
	}
	if len(assistants) != 3 {
		t.Errorf("assistants = %d, want one per worker", len(assistants))
	}
}

func TestBuildWorkers_FailsBeforeStarting(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	bots := []config.Bot{
		serveBot("Rambo", config.InterfaceMattermost),
		serveBot("Broken", config.InterfaceMattermost, "irc"),
	}

	workers, assistants, err := buildWorkers(context.Background(), cfg, bots, nil, slog.Default())
	if err == nil || !strings.Contains(err.Error(), `bot Broken: unknown interface "irc"`) {
		t.Fatalf("buildWorkers = %v, want unknown interface error", err)
	}
	if workers != nil || assistants != nil {
		t.Errorf("buildWorkers returned %d workers and %d assistants on error, want none", len(workers), len(assistants))
	}
}
