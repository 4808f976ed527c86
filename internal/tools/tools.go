// Package tools defines the tools available to the agent.
//
// A tool is a named group of methods. Each method is declared once, at
// construction, with its slug, description, argument specs and bound
// handler. The model calls a method by emitting an invocation such as
// INVOKE web.search(query="go"), which the agent loop resolves through
// a [Registry].
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/rambo/internal/invoke"
)

// Handler executes one tool method. The returned text is fed back to
// the model as the next input. A returned error ends the turn.
type Handler func(ctx context.Context, args invoke.Args) (string, error)

// ArgSpec describes one named argument of a method.
type ArgSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Method is one callable capability of a tool.
type Method struct {
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Args        []ArgSpec `json:"args,omitempty"`

	// Disabled hides the method from the registry. Methods are exposed
	// unless explicitly disabled.
	Disabled bool `json:"-"`

	// Emoji is a reaction shortcode name, such as "mag", that adapters
	// show while the method runs.
	Emoji string `json:"emoji,omitempty"`

	Handler Handler `json:"-"`
}

// Tool represents a callable tool.
type Tool struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Emoji       string `json:"emoji,omitempty"`

	methods map[string]*Method
	order   []string
}

// NewTool builds a tool from its method table. Disabled methods and
// methods without a handler are dropped; a later method with the same
// slug replaces an earlier one.
func NewTool(slug, name, desc string, methods ...Method) *Tool {
	t := &Tool{
		Slug:        slug,
		Name:        name,
		Description: desc,
		methods:     make(map[string]*Method, len(methods)),
	}
	for i := range methods {
		m := methods[i]
		if m.Disabled || m.Handler == nil || m.Slug == "" {
			continue
		}
		if _, dup := t.methods[m.Slug]; !dup {
			t.order = append(t.order, m.Slug)
		}
		t.methods[m.Slug] = &m
	}
	return t
}

// WithEmoji sets the tool's reaction shortcode and returns t.
func (t *Tool) WithEmoji(emoji string) *Tool {
	t.Emoji = emoji
	return t
}

// Method returns the enabled method with the given slug.
func (t *Tool) Method(slug string) (*Method, bool) {
	m, ok := t.methods[slug]
	return m, ok
}

// Methods returns the enabled methods in declaration order.
func (t *Tool) Methods() []*Method {
	out := make([]*Method, 0, len(t.order))
	for _, slug := range t.order {
		out = append(out, t.methods[slug])
	}
	return out
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same slug.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Slug] = t
}

// Tool retrieves a tool by slug.
func (r *Registry) Tool(slug string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[slug]
	return t, ok
}

// Tools returns every registered tool sorted by slug.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Resolve finds the method addressed by tool.fn. It returns an
// [*ErrUnknownCapability] when either slug is not registered.
func (r *Registry) Resolve(tool, fn string) (*Method, error) {
	t, ok := r.Tool(tool)
	if !ok {
		return nil, &ErrUnknownCapability{Tool: tool, Func: fn}
	}
	m, ok := t.Method(fn)
	if !ok {
		return nil, &ErrUnknownCapability{Tool: tool, Func: fn, ToolKnown: true}
	}
	return m, nil
}

// Emoji returns the reaction shortcodes for inv: the tool's, then the
// method's. Unknown tools and methods contribute nothing.
func (r *Registry) Emoji(inv *invoke.Invocation) []string {
	t, ok := r.Tool(inv.Tool)
	if !ok {
		return nil
	}
	var out []string
	if t.Emoji != "" {
		out = append(out, t.Emoji)
	}
	if m, ok := t.Method(inv.Func); ok && m.Emoji != "" && m.Emoji != t.Emoji {
		out = append(out, m.Emoji)
	}
	return out
}

// Execute resolves and runs the method named by inv.
func (r *Registry) Execute(ctx context.Context, inv *invoke.Invocation) (string, error) {
	m, err := r.Resolve(inv.Tool, inv.Func)
	if err != nil {
		return "", err
	}
	return m.Handler(ctx, inv.Args)
}

// Templates are the text patterns used to render the tool catalogue
// into the assistant instruction. Placeholders use {name} syntax.
//
// ToolEntry sees {tool_slug}, {tool_name}, {tool_desc}, {func_entries}.
// FuncEntry sees {tool_slug}, {func_slug}, {func_desc}, {arg_entries}.
// ArgsEntry sees {arg_slug}, {arg_type}, {arg_desc}; each rendered
// argument is preceded by a newline.
type Templates struct {
	ToolEntry string `yaml:"tool_entry_template" toml:"tool_entry_template"`
	FuncEntry string `yaml:"func_entry_template" toml:"func_entry_template"`
	ArgsEntry string `yaml:"args_entry_template" toml:"args_entry_template"`
}

// DefaultTemplates returns the stock catalogue templates.
func DefaultTemplates() Templates {
	return Templates{
		ToolEntry: "{tool_name}: {tool_desc}\n{func_entries}\n",
		FuncEntry: "  - `{tool_slug}.{func_slug}`: {func_desc}\n    Args:{arg_entries}\n",
		ArgsEntry: "      - `{arg_slug}` (`{arg_type}`): {arg_desc}",
	}
}

// WithDefaults fills empty templates from [DefaultTemplates].
func (t Templates) WithDefaults() Templates {
	d := DefaultTemplates()
	if t.ToolEntry == "" {
		t.ToolEntry = d.ToolEntry
	}
	if t.FuncEntry == "" {
		t.FuncEntry = d.FuncEntry
	}
	if t.ArgsEntry == "" {
		t.ArgsEntry = d.ArgsEntry
	}
	return t
}

// Describe renders the full catalogue of registered tools, sorted by
// slug.
func (r *Registry) Describe(tpl Templates) string {
	var sb strings.Builder
	for _, t := range r.Tools() {
		sb.WriteString(tpl.describeTool(t))
	}
	return sb.String()
}

// DescribeTool renders one tool's catalogue entry.
func (r *Registry) DescribeTool(slug string, tpl Templates) (string, error) {
	t, ok := r.Tool(slug)
	if !ok {
		return "", fmt.Errorf("no tool with slug %q", slug)
	}
	return tpl.describeTool(t), nil
}

func (tpl Templates) describeTool(t *Tool) string {
	var funcs strings.Builder
	for _, m := range t.Methods() {
		var args strings.Builder
		for _, a := range m.Args {
			args.WriteByte('\n')
			args.WriteString(Format(tpl.ArgsEntry, map[string]string{
				"arg_slug": a.Name,
				"arg_type": a.Type,
				"arg_desc": a.Description,
			}))
		}
		funcs.WriteString(Format(tpl.FuncEntry, map[string]string{
			"tool_slug":   t.Slug,
			"func_slug":   m.Slug,
			"func_desc":   m.Description,
			"arg_entries": args.String(),
		}))
	}
	return Format(tpl.ToolEntry, map[string]string{
		"tool_slug":    t.Slug,
		"tool_name":    t.Name,
		"tool_desc":    t.Description,
		"func_entries": funcs.String(),
	})
}

// Format substitutes {key} placeholders in tpl. Placeholders without a
// value are left untouched. Substituted values are not rescanned.
func Format(tpl string, vals map[string]string) string {
	pairs := make([]string, 0, len(vals)*2)
	for k, v := range vals {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
