package llm

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/nugget/rambo/internal/memory"
)

// Prompt template names.
const (
	TemplateAlpacaInput     = "alpaca_instruct_input"
	TemplateChat            = "rambo_instruct_chat"
	TemplateChatTimestamped = "rambo_instruct_chat_timestamped"
	DefaultTemplate         = TemplateChat
)

const (
	timestampLayout = "Mon 02 Jan 2006, 03h04m05s"
	alpacaPreamble  = "Below is an instruction that describes a task, paired with an input that provides further context. Write a response that appropriately completes the request."
)

// promptData is what templates render against.
type promptData struct {
	Instruction string
	Input       string
	Sender      string
	Assistant   string
	History     []memory.Entry
	Now         time.Time
}

var funcs = template.FuncMap{
	"stamp": func(t time.Time) string { return t.Format(timestampLayout) },
}

// The chat templates fill the alpaca input block with the transcript
// and end on the assistant's prefix so the completion is its reply.
var templates = template.Must(template.New("prompts").Funcs(funcs).Parse(`
{{- define "alpaca_instruct_input" -}}
` + alpacaPreamble + `

### Instruction:
{{.Instruction}}

### Input:
{{.Input}}

### Response:
{{end -}}

{{- define "rambo_instruct_chat" -}}
` + alpacaPreamble + `

### Instruction:
{{.Instruction}}

### Input:
{{range .History}}{{.Role}}: {{.Content}}
{{end}}{{.Sender}}: {{.Input}}

### Response:
{{.Assistant}}: {{end -}}

{{- define "rambo_instruct_chat_timestamped" -}}
` + alpacaPreamble + `

### Instruction:
{{.Instruction}}

### Input:
{{range .History}}[{{stamp .Timestamp}}] {{.Role}}: {{.Content}}
{{end}}[Now] {{.Sender}}: {{.Input}}

### Response:
[Now] {{.Assistant}}: {{end -}}
`))

// Templates returns the names of the built-in prompt templates.
func Templates() []string {
	return []string{TemplateAlpacaInput, TemplateChat, TemplateChatTimestamped}
}

// RenderPrompt renders req through its named template. An empty name
// selects DefaultTemplate.
func RenderPrompt(req *Request) (string, error) {
	name := req.Template
	if name == "" {
		name = DefaultTemplate
	}
	t := templates.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}

	var sb strings.Builder
	err := t.Execute(&sb, promptData{
		Instruction: req.Instruction,
		Input:       req.Content,
		Sender:      req.Sender,
		Assistant:   req.Assistant,
		History:     req.History,
		Now:         req.now(),
	})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return sb.String(), nil
}

// timestamped reports whether chat backends should stamp each turn.
func timestamped(name string) bool {
	return name == TemplateChatTimestamped
}

// Turn is one chat-API message.
type Turn struct {
	Assistant bool
	Text      string
}

// ChatTurns maps a request onto alternating user/assistant turns for
// chat-style backends. Entries authored by the assistant become
// assistant turns; every other entry, including tool results, becomes
// a user turn prefixed with its author. Consecutive turns of the same
// side are merged, and the sequence always starts with a user turn.
func ChatTurns(req *Request) []Turn {
	stamp := timestamped(req.Template)
	line := func(e memory.Entry, now bool) string {
		var prefix string
		switch {
		case stamp && now:
			prefix = "[Now] "
		case stamp:
			prefix = "[" + e.Timestamp.Format(timestampLayout) + "] "
		}
		if e.Role == req.Assistant {
			return prefix + e.Content
		}
		return prefix + e.Role + ": " + e.Content
	}

	var turns []Turn
	add := func(assistant bool, text string) {
		if n := len(turns); n > 0 && turns[n-1].Assistant == assistant {
			turns[n-1].Text += "\n" + text
			return
		}
		turns = append(turns, Turn{Assistant: assistant, Text: text})
	}

	for _, e := range req.History {
		add(e.Role == req.Assistant, line(e, false))
	}
	input := memory.Entry{Role: req.Sender, Content: req.Content, Timestamp: req.now()}
	if req.Sender == "" {
		add(false, input.Content)
	} else {
		add(false, line(input, true))
	}

	if turns[0].Assistant {
		turns = append([]Turn{{Text: "(conversation continues)"}}, turns...)
	}
	return turns
}
