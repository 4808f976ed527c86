package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/nugget/rambo/internal/agent"
	"github.com/nugget/rambo/internal/turnlog"
)

// Defaults for the turns command.
const (
	defaultTurnsWindow = 24 * time.Hour
	defaultTurnsCount  = 10
)

// turnsReport is the json form of the turns command output.
type turnsReport struct {
	Since       time.Time             `json:"since"`
	Until       time.Time             `json:"until"`
	Turns       int                   `json:"turns"`
	Failures    int                   `json:"failures"`
	ToolCalls   int64                 `json:"tool_calls"`
	Generations int64                 `json:"generations"`
	AvgDuration string                `json:"avg_duration"`
	Outcomes    map[agent.Outcome]int `json:"outcomes"`
	Recent      []turnEntry           `json:"recent"`
}

type turnEntry struct {
	Time        time.Time     `json:"time"`
	Assistant   string        `json:"assistant"`
	Source      string        `json:"source"`
	Outcome     agent.Outcome `json:"outcome"`
	ErrorKind   agent.Kind    `json:"error_kind,omitempty"`
	Tool        string        `json:"tool,omitempty"`
	ToolCalls   int           `json:"tool_calls"`
	Generations int           `json:"generations"`
	Duration    string        `json:"duration"`
}

// runTurns reports from the turn log: totals and outcomes over a
// trailing window (default 24h), then the newest turns (default 10).
// args are [window] [count].
func runTurns(ctx context.Context, stdout, logOut io.Writer, configPath, outputFmt string, args []string) error {
	window, count, err := parseTurnsArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := setup(configPath, logOut)
	if err != nil {
		return err
	}
	path := cfg.TurnLogPath()
	if path == "" {
		return fmt.Errorf("turn log is disabled")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no turn log at %s", path)
	}
	store, err := turnlog.NewStore(path)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer store.Close()

	until := time.Now()
	since := until.Add(-window)
	sum, err := store.Summary(ctx, since, until)
	if err != nil {
		return err
	}
	outcomes, err := store.CountByOutcome(ctx, since, until)
	if err != nil {
		return err
	}
	recent, err := store.Recent(ctx, count)
	if err != nil {
		return err
	}

	rep := turnsReport{
		Since:       since.UTC(),
		Until:       until.UTC(),
		Turns:       sum.Turns,
		Failures:    sum.Failures,
		ToolCalls:   sum.ToolCalls,
		Generations: sum.Generations,
		AvgDuration: sum.AvgDuration.Round(time.Millisecond).String(),
		Outcomes:    outcomes,
		Recent:      make([]turnEntry, 0, len(recent)),
	}
	for _, r := range recent {
		rep.Recent = append(rep.Recent, turnEntry{
			Time:        r.Timestamp,
			Assistant:   r.Assistant,
			Source:      r.Source,
			Outcome:     r.Outcome,
			ErrorKind:   r.ErrorKind,
			Tool:        r.Tool,
			ToolCalls:   r.ToolCalls,
			Generations: r.Generations,
			Duration:    r.Duration.String(),
		})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printTurns(stdout, window, rep)
	return nil
}

func parseTurnsArgs(args []string) (time.Duration, int, error) {
	window, count := defaultTurnsWindow, defaultTurnsCount
	if len(args) > 2 {
		return 0, 0, fmt.Errorf("usage: rambo turns [window] [count]")
	}
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return 0, 0, fmt.Errorf("invalid window %q (expected a duration such as 24h)", args[0])
		}
		window = d
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid count %q", args[1])
		}
		count = n
	}
	return window, count, nil
}

func printTurns(w io.Writer, window time.Duration, rep turnsReport) {
	fmt.Fprintf(w, "Last %s: %d turns, %d failed, %d tool calls, %d generations, avg %s\n",
		window, rep.Turns, rep.Failures, rep.ToolCalls, rep.Generations, rep.AvgDuration)

	outcomes := make([]string, 0, len(rep.Outcomes))
	for o := range rep.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-12s %d\n", o+":", rep.Outcomes[agent.Outcome(o)])
	}

	if len(rep.Recent) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent turns:")
	for _, e := range rep.Recent {
		fmt.Fprintf(w, "  %s  %-12s %-10s %-10s tools=%d gens=%d %s",
			e.Time.Local().Format(time.DateTime), e.Assistant, e.Source, e.Outcome,
			e.ToolCalls, e.Generations, e.Duration)
		if e.ErrorKind != "" {
			fmt.Fprintf(w, " error=%s", e.ErrorKind)
		}
		if e.Tool != "" {
			fmt.Fprintf(w, " tool=%s", e.Tool)
		}
		fmt.Fprintln(w)
	}
}
