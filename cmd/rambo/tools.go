package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// toolEntry is the json form of one catalogue method.
type toolEntry struct {
	Tool        string   `json:"tool"`
	Method      string   `json:"method"`
	Description string   `json:"description"`
	Args        []string `json:"args,omitempty"`
}

// runTools prints the catalogue a bot's instruction is built from. In
// json mode it lists one entry per enabled method instead.
func runTools(ctx context.Context, stdout, logOut io.Writer, configPath, botName, outputFmt string) error {
	cfg, logger, err := setup(configPath, logOut)
	if err != nil {
		return err
	}
	bot, err := pickBot(cfg, botName)
	if err != nil {
		return err
	}

	a, err := newAssistant(ctx, bot, nil, logger.With("bot", bot.Name))
	if err != nil {
		return err
	}
	defer a.Close()

	if outputFmt != "json" {
		_, err := fmt.Fprint(stdout, a.loop.Registry.Describe(bot.Instructions.Templates.WithDefaults()))
		return err
	}

	var entries []toolEntry
	for _, t := range a.loop.Registry.Tools() {
		for _, m := range t.Methods() {
			e := toolEntry{Tool: t.Slug, Method: m.Slug, Description: m.Description}
			for _, arg := range m.Args {
				e.Args = append(e.Args, arg.Name+":"+arg.Type)
			}
			entries = append(entries, e)
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
