package tools

import (
	"context"

	"github.com/nugget/rambo/internal/invoke"
)

// NewInspector returns a tool that describes other tools registered in
// reg, rendered with tpl.
func NewInspector(reg *Registry, tpl Templates) *Tool {
	tpl = tpl.WithDefaults()
	return NewTool("inspector", "Tool Inspector",
		"Allows you to gather further insight into tools.",
		Method{
			Slug:        "inspect",
			Description: "Get more information about a given tool, including available functions and their arguments.  (Hint: `inspector.inspect(tool_slug = \"web\")`)",
			Args: []ArgSpec{
				{Name: "tool_slug", Type: "str", Description: "The slug used to refer to the tool that should be described."},
			},
			Handler: func(_ context.Context, args invoke.Args) (string, error) {
				desc, err := reg.DescribeTool(args.StringOr("tool_slug", "inspector"), tpl)
				if err != nil {
					return "", err
				}
				return "```\n" + desc + "```", nil
			},
		},
		Method{
			Slug:        "describe",
			Description: "Describe a tool in prose",
			Args: []ArgSpec{
				{Name: "tool_slug", Type: "str", Description: "The slug used to refer to the tool that should be described"},
			},
			Disabled: true,
		},
	).WithEmoji("mag_right")
}
