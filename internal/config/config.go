// Package config handles Rambo configuration loading: the YAML daemon
// config and the TOML bot library it points at.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nugget/rambo/internal/llm"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rambo/config.yaml, /etc/rambo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rambo", "config.yaml"))
	}

	paths = append(paths, "/etc/rambo/config.yaml")
	return paths
}

// FindConfig locates the config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds the daemon configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// DataDir holds the turn log and MQTT instance IDs.
	DataDir string `yaml:"data_dir"`

	// TurnLog is the SQLite audit log path. Empty means
	// <data_dir>/turns.db; "off" disables it.
	TurnLog string `yaml:"turn_log"`

	// BotLibrary is a directory of <bot>/bot.toml files.
	BotLibrary string `yaml:"bot_library"`

	Bots BotsConfig `yaml:"bots"`

	// library holds bots loaded from BotLibrary, by name.
	library map[string]Bot
}

// BotsConfig selects which bots run and may declare bots inline.
type BotsConfig struct {
	// Enabled names the bots to run. Empty means every available bot.
	Enabled []string `yaml:"enabled"`

	Inline []Bot `yaml:"inline"`
}

// TurnLogOff disables the turn log when used as Config.TurnLog.
const TurnLogOff = "off"

// Default returns a default configuration.
func Default() *Config {
	dataDir := "data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "rambo")
	}
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   dataDir,
	}
}

// Load reads configuration from a YAML file and the bot library it
// names. Environment variables are expanded in both.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.BotLibrary != "" {
		dir := cfg.BotLibrary
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		lib, err := LoadLibrary(dir)
		if err != nil {
			return nil, err
		}
		cfg.library = lib
	}

	return cfg, nil
}

// TurnLogPath returns where the turn log lives, or "" when disabled.
func (c *Config) TurnLogPath() string {
	switch c.TurnLog {
	case TurnLogOff:
		return ""
	case "":
		return filepath.Join(c.DataDir, "turns.db")
	default:
		return c.TurnLog
	}
}

// Available returns every enabled bot from the library and the inline
// declarations, sorted by name. Inline bots replace library bots of
// the same name.
func (c *Config) Available() []Bot {
	byName := make(map[string]Bot, len(c.library)+len(c.Bots.Inline))
	for name, b := range c.library {
		byName[name] = b
	}
	for _, b := range c.Bots.Inline {
		byName[b.Name] = b
	}

	out := make([]Bot, 0, len(byName))
	for _, b := range byName {
		if b.Enabled {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Selected returns the bots to run: those named in bots.enabled, or
// every available bot when the list is empty.
func (c *Config) Selected() ([]Bot, error) {
	available := c.Available()
	if len(c.Bots.Enabled) == 0 {
		return available, nil
	}

	var out []Bot
	var errs []error
	for _, name := range c.Bots.Enabled {
		i := slices.IndexFunc(available, func(b Bot) bool { return b.Name == name })
		if i < 0 {
			errs = append(errs, fmt.Errorf("bots.enabled: no enabled bot named %q", name))
			continue
		}
		out = append(out, available[i])
	}
	return out, errors.Join(errs...)
}

// Validate reports every problem with the selected bots.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (expected text or json)", c.LogFormat))
	}

	bots, err := c.Selected()
	if err != nil {
		errs = append(errs, err)
	}
	if len(bots) == 0 && err == nil {
		errs = append(errs, errors.New("no enabled bots"))
	}
	for _, b := range bots {
		if err := b.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultGenerator is the generation backend bots get when they name
// none.
func DefaultGenerator() llm.Config {
	return llm.Config{
		Provider:   llm.ProviderOllama,
		URL:        "http://localhost:11434",
		TimeoutSec: 300,
	}
}
