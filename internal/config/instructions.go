package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/rambo/internal/tools"
)

// Instructions are the templates that compose a bot's system
// instruction. Placeholders use {name} syntax; every field is
// available to the others by its key.
type Instructions struct {
	Team string `yaml:"team" toml:"team"`
	Site string `yaml:"site" toml:"site"`

	// Instruction is the outer template, typically
	// "{persona}\n\n{tool_instructions}\n\n{scene_instructions}".
	Instruction string `yaml:"instruction" toml:"instruction"`

	Persona               string `yaml:"persona" toml:"persona"`
	SceneInstructions     string `yaml:"scene_instructions" toml:"scene_instructions"`
	TimestampInstructions string `yaml:"timestamp_instructions" toml:"timestamp_instructions"`

	// ToolInstructions introduces the catalogue; {tools} is replaced
	// with it.
	ToolInstructions string `yaml:"tool_instructions" toml:"tool_instructions"`

	tools.Templates `yaml:",inline"`
}

// DefaultInstructions returns the stock instruction templates.
func DefaultInstructions() Instructions {
	return Instructions{
		Team:                  "your team",
		Site:                  "your site",
		Instruction:           "{persona}\n\n{tool_instructions}\n\n{scene_instructions}",
		Persona:               "You are {name}, an AI assistant powered by an LLM run on-premises by {team} at {site}.",
		SceneInstructions:     "You have access to an instant messaging service that enables communication between members of {team}. Continue the conversation history provided in Input.",
		TimestampInstructions: "A timestamp will accompany each message, surrounded by brackets. When referring to the time, do so in a natural human-readable way.",
		ToolInstructions: "You have access to the following tools:\n{tools}" +
			"To use a tool, respond with a message starting with `INVOKE tool.function(arg_foo=\"lorem\", arg_bar=42)` " +
			"where the tool, function and arguments appropriately complement the tool you wish to use. " +
			"The tool's result will be returned to you.",
		Templates: tools.DefaultTemplates(),
	}
}

// Validate checks that the templates reference what they must.
func (i Instructions) Validate() error {
	var errs []error
	required := []struct {
		field, value, placeholder string
	}{
		{"instruction", i.Instruction, "{persona}"},
		{"instruction", i.Instruction, "{tool_instructions}"},
		{"tool_instructions", i.ToolInstructions, "{tools}"},
		{"tool_entry_template", i.ToolEntry, "{func_entries}"},
		{"func_entry_template", i.FuncEntry, "{func_slug}"},
	}
	for _, r := range required {
		if !strings.Contains(r.value, r.placeholder) {
			errs = append(errs, fmt.Errorf("instructions.%s: missing placeholder %s", r.field, r.placeholder))
		}
	}
	if !strings.Contains(i.ToolInstructions, "INVOKE") {
		errs = append(errs, errors.New("instructions.tool_instructions: must show the INVOKE syntax"))
	}
	return errors.Join(errs...)
}

// Render composes the instruction for the bot called name, given the
// rendered tool catalogue. Inner templates are expanded before the
// outer one so they may use {name}, {team} and {site}.
func (i Instructions) Render(name, catalogue string) string {
	vals := map[string]string{
		"name": name,
		"team": i.Team,
		"site": i.Site,
	}
	vals["persona"] = tools.Format(i.Persona, vals)
	vals["scene_instructions"] = tools.Format(i.SceneInstructions, vals)
	vals["timestamp_instructions"] = tools.Format(i.TimestampInstructions, vals)
	vals["tool_instructions"] = tools.Format(i.ToolInstructions, map[string]string{"tools": catalogue})
	return tools.Format(i.Instruction, vals)
}
