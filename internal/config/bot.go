package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/nugget/rambo/internal/llm"
	"github.com/nugget/rambo/internal/mcp"
	"github.com/nugget/rambo/internal/tools"
)

// BotFile is the file name looked up in each bot library directory.
const BotFile = "bot.toml"

// Built-in tool names accepted in tools.enabled.
var BuiltinTools = []string{"test", "inspector", "web"}

// Interface names accepted in interfaces.enabled.
const (
	InterfaceSignal     = "signal"
	InterfaceMattermost = "mattermost"
	InterfaceMQTT       = "mqtt"
	InterfaceZulip      = "zulip"
)

// Bot is one assistant: its generator, prompt, tools and the chat
// interfaces it listens on.
type Bot struct {
	Name        string   `yaml:"name" toml:"name"`
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	Maintainers []string `yaml:"maintainers" toml:"maintainers"`

	Generator llm.Config   `yaml:"generator" toml:"generator"`
	Tunables  llm.Sampling `yaml:"tunables" toml:"tunables"`

	// Template is the prompt template name for completion backends.
	Template string `yaml:"template" toml:"template"`

	MaxToolCalls       int `yaml:"max_tool_calls" toml:"max_tool_calls"`
	GenerateTimeoutSec int `yaml:"generate_timeout_sec" toml:"generate_timeout_sec"`

	Cutoff       CutoffConfig     `yaml:"cutoff" toml:"cutoff"`
	Instructions Instructions     `yaml:"instructions" toml:"instructions"`
	Tools        ToolsConfig      `yaml:"tools" toml:"tools"`
	Interfaces   InterfacesConfig `yaml:"interfaces" toml:"interfaces"`

	// Dir is the library directory the bot was loaded from, if any.
	Dir string `yaml:"-" toml:"-"`
}

// CutoffConfig is the operator's emergency stop.
type CutoffConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Phrase  string `yaml:"phrase" toml:"phrase"`
	Hint    string `yaml:"hint" toml:"hint"`

	// Message is posted before the bot halts. {name} is replaced with
	// the bot name.
	Message string `yaml:"message" toml:"message"`
}

// ActivePhrase returns the phrase to watch for, or "" when disabled.
func (c CutoffConfig) ActivePhrase() string {
	if !c.Enabled {
		return ""
	}
	return c.Phrase
}

// ToolsConfig selects built-in tools and MCP servers.
type ToolsConfig struct {
	Enabled []string           `yaml:"enabled" toml:"enabled"`
	Web     WebConfig          `yaml:"web" toml:"web"`
	MCP     []mcp.ServerConfig `yaml:"mcp" toml:"mcp"`
}

// WebConfig configures the web tool's search backends. Provider names
// the primary one; the others configured serve as fallbacks.
type WebConfig struct {
	Provider    string `yaml:"provider" toml:"provider"`
	SearXNGURL  string `yaml:"searxng_url" toml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key" toml:"brave_api_key"`
	StractURL   string `yaml:"search_uri" toml:"search_uri"`
}

// InterfacesConfig selects the chat interfaces a bot runs on.
type InterfacesConfig struct {
	Enabled []string `yaml:"enabled" toml:"enabled"`

	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int `yaml:"rate_limit" toml:"rate_limit"`

	// Privileged senders may use TUNE and TUNABLES.
	Privileged []string `yaml:"privileged" toml:"privileged"`

	Signal     SignalConfig     `yaml:"signal" toml:"signal"`
	Mattermost MattermostConfig `yaml:"mattermost" toml:"mattermost"`
	MQTT       MQTTConfig       `yaml:"mqtt" toml:"mqtt"`
	Zulip      ZulipConfig      `yaml:"zulip" toml:"zulip"`
}

// SignalConfig configures the signal-cli subprocess.
type SignalConfig struct {
	Account string   `yaml:"account" toml:"account"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`

	// ProfileName is the account's Signal profile name. Defaults to
	// the bot name.
	ProfileName string `yaml:"profile_name" toml:"profile_name"`
}

// CommandArgs returns the signal-cli arguments, defaulting to
// jsonRpc mode for Account.
func (c SignalConfig) CommandArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return []string{"-a", c.Account, "jsonRpc"}
}

// MattermostConfig configures the Mattermost connection.
type MattermostConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`
}

// ZulipConfig configures the Zulip connection. Email and APIKey are
// the bot account's credentials from its zuliprc.
type ZulipConfig struct {
	Site   string `yaml:"site" toml:"site"`
	Email  string `yaml:"email" toml:"email"`
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// MQTTConfig configures the broker connection and topics.
type MQTTConfig struct {
	Broker          string `yaml:"broker" toml:"broker"`
	Username        string `yaml:"username" toml:"username"`
	Password        string `yaml:"password" toml:"password"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix" toml:"discovery_prefix"`
	Workers         int    `yaml:"workers" toml:"workers"`
	FloodLimit      int    `yaml:"flood_limit" toml:"flood_limit"`
}

// DefaultBot returns a bot with stock tunables, cutoff and
// instructions. Loaded files override what they set.
func DefaultBot() Bot {
	return Bot{
		Enabled:   true,
		Generator: DefaultGenerator(),
		Tunables:  llm.DefaultSampling(),
		Template:  llm.DefaultTemplate,
		Cutoff: CutoffConfig{
			Enabled: true,
			Phrase:  "bicycle built for two",
			Hint:    "It won't be a stylish marriage, I can't afford a carriage, But you'll look sweet upon the seat Of a [cutoff phrase]!",
			Message: "Emergency cutoff activated. {name} is now halted.",
		},
		Instructions: DefaultInstructions(),
		Tools: ToolsConfig{
			Enabled: []string{"inspector"},
		},
		Interfaces: InterfacesConfig{
			Signal: SignalConfig{Command: "signal-cli"},
		},
	}
}

// UnmarshalYAML applies DefaultBot before decoding inline bots.
func (b *Bot) UnmarshalYAML(value *yaml.Node) error {
	type plain Bot
	p := plain(DefaultBot())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = Bot(p)
	return nil
}

// LoadBot reads one bot.toml, expanding environment variables.
func LoadBot(path string) (Bot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bot{}, err
	}

	b := DefaultBot()
	if _, err := toml.Decode(os.ExpandEnv(string(data)), &b); err != nil {
		return Bot{}, fmt.Errorf("parse %s: %w", path, err)
	}
	b.Dir = filepath.Dir(path)
	if b.Name == "" {
		b.Name = filepath.Base(b.Dir)
	}
	return b, nil
}

// LoadLibrary reads every <dir>/<bot>/bot.toml. Directories without a
// bot file are skipped.
func LoadLibrary(dir string) (map[string]Bot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bot library: %w", err)
	}

	lib := make(map[string]Bot)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), BotFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		b, err := LoadBot(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := lib[b.Name]; ok {
			return nil, fmt.Errorf("bot %q defined in both %s and %s", b.Name, prev.Dir, b.Dir)
		}
		lib[b.Name] = b
	}
	return lib, nil
}

// CutoffMessage returns the cutoff message with the bot name filled in.
func (b Bot) CutoffMessage() string {
	return tools.Format(b.Cutoff.Message, map[string]string{"name": b.Name})
}

// HasTool reports whether a built-in tool is enabled.
func (b Bot) HasTool(name string) bool {
	return slices.Contains(b.Tools.Enabled, name)
}

// Validate reports every problem with the bot's settings.
func (b Bot) Validate() error {
	var errs []error
	if b.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := b.Generator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("generator: %w", err))
	}
	if !slices.Contains(llm.Templates(), b.Template) {
		errs = append(errs, fmt.Errorf("template: unknown template %q", b.Template))
	}
	if b.MaxToolCalls < 0 {
		errs = append(errs, errors.New("max_tool_calls must not be negative"))
	}
	if b.Cutoff.Enabled && strings.TrimSpace(b.Cutoff.Phrase) == "" {
		errs = append(errs, errors.New("cutoff: phrase is required when enabled"))
	}
	if err := b.Instructions.Validate(); err != nil {
		errs = append(errs, err)
	}

	for _, name := range b.Tools.Enabled {
		if !slices.Contains(BuiltinTools, name) {
			errs = append(errs, fmt.Errorf("tools.enabled: unknown tool %q", name))
		}
	}
	for i, s := range b.Tools.MCP {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.mcp[%d]: %w", i, err))
		}
	}

	if len(b.Interfaces.Enabled) == 0 {
		errs = append(errs, errors.New("interfaces.enabled: at least one interface is required"))
	}
	if b.Interfaces.RateLimit < 0 {
		errs = append(errs, errors.New("interfaces.rate_limit must not be negative"))
	}
	for _, name := range b.Interfaces.Enabled {
		switch name {
		case InterfaceSignal:
			if b.Interfaces.Signal.Account == "" {
				errs = append(errs, errors.New("interfaces.signal: account is required"))
			}
		case InterfaceMattermost:
			if b.Interfaces.Mattermost.URL == "" || b.Interfaces.Mattermost.Token == "" {
				errs = append(errs, errors.New("interfaces.mattermost: url and token are required"))
			}
		case InterfaceMQTT:
			if b.Interfaces.MQTT.Broker == "" {
				errs = append(errs, errors.New("interfaces.mqtt: broker is required"))
			}
		case InterfaceZulip:
			z := b.Interfaces.Zulip
			if z.Site == "" || z.Email == "" || z.APIKey == "" {
				errs = append(errs, errors.New("interfaces.zulip: site, email and api_key are required"))
			}
		default:
			errs = append(errs, fmt.Errorf("interfaces.enabled: unknown interface %q", name))
		}
	}
	return errors.Join(errs...)
}
