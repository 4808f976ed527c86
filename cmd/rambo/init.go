package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/rambo/examples"
	"github.com/nugget/rambo/internal/config"
)

// runInit writes an example config and a one-bot library into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Rambo workspace in %s\n", dir)

	for _, sub := range []string{"data", filepath.Join("bots", "rambo")} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
	}{
		{filepath.Join(dir, "config.yaml"), examples.ConfigYAML},
		{filepath.Join(dir, "bots", "rambo", config.BotFile), examples.BotTOML},
	}
	for _, f := range files {
		wrote, err := writeIfMissing(f.path, f.content)
		if err != nil {
			return err
		}
		mark := "✓"
		if !wrote {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and bots/rambo/bot.toml, then run `rambo chat`.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting whether it wrote.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
