package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/config"
	"github.com/nugget/rambo/internal/connwatch"
	"github.com/nugget/rambo/internal/mattermost"
	"github.com/nugget/rambo/internal/messaging"
	"github.com/nugget/rambo/internal/mqtt"
	signalcli "github.com/nugget/rambo/internal/signal"
	"github.com/nugget/rambo/internal/turnlog"
	"github.com/nugget/rambo/internal/zulip"
)

// runServe builds one worker per (bot, interface) pair, starts them
// under supervision and blocks until ctx is cancelled or every worker
// has stopped.
func runServe(ctx context.Context, logOut io.Writer, configPath string) error {
	cfg, logger, err := setup(configPath, logOut)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	bots, _ := cfg.Selected()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	var recorder agent.TurnRecorder
	if path := cfg.TurnLogPath(); path != "" {
		store, err := turnlog.NewStore(path)
		if err != nil {
			return fmt.Errorf("open turn log: %w", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("turn log opened", "path", path)
	}

	workers, assistants, err := buildWorkers(ctx, cfg, bots, recorder, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, a := range assistants {
			if err := a.Close(); err != nil {
				logger.Warn("assistant shutdown error", "bot", a.bot.Name, "error", err)
			}
		}
	}()

	health := connwatch.NewManager(logger)
	defer health.Stop()

	var wg sync.WaitGroup
	for _, w := range workers {
		w.assistant.watch(ctx, health, w.name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			messaging.Supervise(ctx, w.name, w.run, logger)
		}()
		logger.Info("worker started", "worker", w.name)
	}

	wg.Wait()
	for _, w := range workers {
		stats := w.assistant.loop.Store.Stats()
		logger.Info("worker stopped",
			"worker", w.name,
			"conversations", stats.Conversations,
			"entries", stats.Entries,
		)
	}
	logger.Info("all workers stopped")
	return nil
}

// worker is one built, not yet started, (bot, interface) run loop.
type worker struct {
	name      string
	assistant *assistant
	run       messaging.Worker
}

// buildWorkers builds every assistant and adapter before any of them
// starts, so a bad bot fails startup cleanly. On error the assistants
// already built are closed.
func buildWorkers(ctx context.Context, cfg *config.Config, bots []config.Bot, recorder agent.TurnRecorder, logger *slog.Logger) (_ []worker, _ []*assistant, err error) {
	var workers []worker
	var assistants []*assistant
	defer func() {
		if err == nil {
			return
		}
		for _, a := range assistants {
			_ = a.Close()
		}
	}()

	for _, bot := range bots {
		for _, iface := range bot.Interfaces.Enabled {
			a, err := newAssistant(ctx, bot, recorder, logger.With("bot", bot.Name, "interface", iface))
			if err != nil {
				return nil, nil, err
			}
			assistants = append(assistants, a)

			run, err := newWorker(cfg, a, iface, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("bot %s: %w", bot.Name, err)
			}
			workers = append(workers, worker{name: bot.Name + "/" + iface, assistant: a, run: run})
		}
	}
	return workers, assistants, nil
}

// newWorker builds the adapter run loop for one interface.
func newWorker(cfg *config.Config, a *assistant, iface string, logger *slog.Logger) (messaging.Worker, error) {
	bot := a.bot
	tunables := messaging.NewTunables(bot.Tunables, bot.Interfaces.Privileged)
	rateLimit := bot.Interfaces.RateLimit
	cutoff := bot.CutoffMessage()
	emoji := a.loop.Registry.Emoji

	switch iface {
	case config.InterfaceSignal:
		sc := bot.Interfaces.Signal
		return func(ctx context.Context) error {
			client := signalcli.NewClient(sc.Command, sc.CommandArgs(), logger)
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Close()

			return signalcli.NewBridge(signalcli.BridgeConfig{
				Client:        client,
				Runner:        a.loop,
				Tunables:      tunables,
				Logger:        logger,
				Account:       sc.Account,
				Profile:       cmp.Or(sc.ProfileName, bot.Name),
				ToolEmoji:     emoji,
				RateLimit:     rateLimit,
				CutoffMessage: cutoff,
			}).Run(ctx)
		}, nil

	case config.InterfaceMattermost:
		mc := bot.Interfaces.Mattermost
		bridge := mattermost.NewBridge(mattermost.BridgeConfig{
			API:           mattermost.NewClient(mc.URL, mc.Token, logger),
			Events:        mattermost.Connect(mc.URL, mc.Token, logger),
			Runner:        a.loop,
			Tunables:      tunables,
			Logger:        logger,
			Server:        serverName(mc.URL),
			ToolEmoji:     emoji,
			RateLimit:     rateLimit,
			CutoffMessage: cutoff,
		})
		return bridge.Run, nil

	case config.InterfaceZulip:
		zc := bot.Interfaces.Zulip
		bridge := zulip.NewBridge(zulip.BridgeConfig{
			API:           zulip.NewClient(zc.Site, zc.Email, zc.APIKey, logger),
			Runner:        a.loop,
			Tunables:      tunables,
			Logger:        logger,
			Server:        serverName(zc.Site),
			ToolEmoji:     emoji,
			RateLimit:     rateLimit,
			CutoffMessage: cutoff,
		})
		return bridge.Run, nil

	case config.InterfaceMQTT:
		qc := bot.Interfaces.MQTT
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir, bot.Name)
		if err != nil {
			return nil, err
		}
		bridge := mqtt.NewBridge(mqtt.BridgeConfig{
			Broker:          qc.Broker,
			Username:        qc.Username,
			Password:        qc.Password,
			Prefix:          qc.Prefix,
			Name:            bot.Name,
			DiscoveryPrefix: qc.DiscoveryPrefix,
			InstanceID:      instanceID,
			Workers:         qc.Workers,
			FloodLimit:      qc.FloodLimit,
			Runner:          a.loop,
			Tunables:        tunables,
			Logger:          logger,
			RateLimit:       rateLimit,
			CutoffMessage:   cutoff,
		})
		return bridge.Run, nil

	default:
		return nil, fmt.Errorf("unknown interface %q", iface)
	}
}

// serverName is the host part of a chat server URL, used in
// conversation keys.
func serverName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
