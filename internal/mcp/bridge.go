package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/tools"
)

// ServerConfig describes one MCP server in the daemon config.
type ServerConfig struct {
	Name string `yaml:"name" toml:"name"`

	// Transport is "stdio" or "http".
	Transport string `yaml:"transport" toml:"transport"`

	Command string   `yaml:"command,omitempty" toml:"command"`
	Args    []string `yaml:"args,omitempty" toml:"args"`
	Env     []string `yaml:"env,omitempty" toml:"env"`

	URL     string            `yaml:"url,omitempty" toml:"url"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers"`

	// Include, when set, lists the only server tools exposed. Exclude
	// hides tools otherwise exposed.
	Include []string `yaml:"include,omitempty" toml:"include"`
	Exclude []string `yaml:"exclude,omitempty" toml:"exclude"`

	Emoji string `yaml:"emoji,omitempty" toml:"emoji"`
}

// Validate checks that the transport has what it needs.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server: name is required")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio", c.Name)
		}
	case "http":
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for http", c.Name)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q (want stdio or http)", c.Name, c.Transport)
	}
	return nil
}

// Connect opens and initializes a client for cfg.
func Connect(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var tr Transport
	switch cfg.Transport {
	case "stdio":
		tr = NewStdioTransport(StdioConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Logger: logger})
	case "http":
		tr = NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger})
	}

	c := NewClient(cfg.Name, tr, logger)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Initialize(initCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// Slug converts a server or tool name into an invocation identifier:
// lowercase letters, digits and single underscores.
func Slug(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// NewTool lists the server's tools and exposes them as the methods of
// one tool whose slug is the sanitized server name.
func NewTool(ctx context.Context, client *Client, cfg ServerConfig, logger *slog.Logger) (*tools.Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", cfg.Name, err)
	}

	include := toSet(cfg.Include)
	exclude := toSet(cfg.Exclude)

	var methods []tools.Method
	for _, td := range defs {
		if len(include) > 0 && !include[td.Name] {
			continue
		}
		if exclude[td.Name] {
			continue
		}
		slug := Slug(td.Name)
		if slug == "" {
			continue
		}
		methods = append(methods, tools.Method{
			Slug:        slug,
			Description: oneLine(td.Description),
			Args:        argSpecs(td.InputSchema),
			Handler:     callHandler(client, td),
		})
		logger.Debug("bridged MCP tool", "server", cfg.Name, "mcp_name", td.Name, "method", slug)
	}

	t := tools.NewTool(Slug(cfg.Name), cfg.Name, fmt.Sprintf("Tools provided by the %s MCP server.", cfg.Name), methods...)
	t.Emoji = cfg.Emoji
	return t, nil
}

// callHandler forwards an invocation to the server tool, decoding
// array and object arguments back into JSON values.
func callHandler(client *Client, td ToolDefinition) tools.Handler {
	name := td.Name
	return func(ctx context.Context, args invoke.Args) (string, error) {
		params := make(map[string]any, len(args))
		for _, a := range args {
			v := a.Value.Interface()
			if a.Value.Kind == invoke.KindArray || a.Value.Kind == invoke.KindObject {
				var decoded any
				if err := json.Unmarshal([]byte(a.Value.Text()), &decoded); err == nil {
					v = decoded
				}
			}
			params[a.Name] = v
		}
		return client.CallTool(ctx, name, params)
	}
}

// argSpecs reads a JSON Schema object's properties, required ones
// first, each group sorted by name.
func argSpecs(schema map[string]any) []tools.ArgSpec {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	specs := make([]tools.ArgSpec, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		desc, _ := prop["description"].(string)
		desc = oneLine(desc)
		if !required[name] {
			desc = strings.TrimSpace("(optional) " + desc)
		}
		specs = append(specs, tools.ArgSpec{Name: name, Type: typ, Description: desc})
	}
	return specs
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
