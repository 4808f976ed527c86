package llm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/invoke"
	"github.com/nugget/rambo/internal/memory"
)

// Request is one generation call.
type Request struct {
	// Content is the new input and Sender its author: a user display
	// name, or "<tool>.<func>" for tool results.
	Content string
	Sender  string

	// Assistant is the assistant's display name; history entries with
	// this role are the model's own turns.
	Assistant string

	Instruction string

	// Template names the prompt template completion backends render.
	// Chat backends only distinguish timestamped templates.
	Template string

	History  []memory.Entry
	Sampling Sampling

	// Now stamps the new input for timestamped templates. Zero means
	// time.Now().
	Now time.Time
}

func (r *Request) now() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

// Sampling are the generation tunables.
type Sampling struct {
	Temperature      float64  `yaml:"temperature" toml:"temperature"`
	FrequencyPenalty float64  `yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64  `yaml:"presence_penalty" toml:"presence_penalty"`
	TopK             int      `yaml:"top_k" toml:"top_k"`
	TopP             float64  `yaml:"top_p" toml:"top_p"`
	Seed             int      `yaml:"seed" toml:"seed"`
	Mirostat         int      `yaml:"mirostat" toml:"mirostat"`
	MirostatEta      float64  `yaml:"mirostat_eta" toml:"mirostat_eta"`
	MirostatTau      float64  `yaml:"mirostat_tau" toml:"mirostat_tau"`
	MaxTokens        int      `yaml:"max_tokens" toml:"max_tokens"`
	Stop             []string `yaml:"stop" toml:"stop"`
}

// DefaultSampling returns the stock tunables.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:      0.0,
		FrequencyPenalty: 1.07,
		PresencePenalty:  0.0,
		TopK:             -1,
		TopP:             1.0,
		Seed:             42,
		Mirostat:         0,
		MirostatEta:      0.1,
		MirostatTau:      5.0,
		MaxTokens:        512,
	}
}

// GreedySampling returns deterministic settings for short
// classification calls.
func GreedySampling() Sampling {
	s := DefaultSampling()
	s.Temperature = 0
	s.FrequencyPenalty = 0
	s.TopK = 1
	s.TopP = 1
	s.MaxTokens = 100
	return s
}

// TunableNames lists the names accepted by [Sampling.Apply], in
// display order.
var TunableNames = []string{
	"temperature", "frequency_penalty", "presence_penalty", "top_k", "top_p",
	"seed", "mirostat", "mirostat_eta", "mirostat_tau", "max_tokens",
}

// Get returns the current value of a named tunable.
func (s *Sampling) Get(name string) (string, bool) {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	switch name {
	case "temperature":
		return f(s.Temperature), true
	case "frequency_penalty":
		return f(s.FrequencyPenalty), true
	case "presence_penalty":
		return f(s.PresencePenalty), true
	case "top_k":
		return strconv.Itoa(s.TopK), true
	case "top_p":
		return f(s.TopP), true
	case "seed":
		return strconv.Itoa(s.Seed), true
	case "mirostat":
		return strconv.Itoa(s.Mirostat), true
	case "mirostat_eta":
		return f(s.MirostatEta), true
	case "mirostat_tau":
		return f(s.MirostatTau), true
	case "max_tokens":
		return strconv.Itoa(s.MaxTokens), true
	}
	return "", false
}

// String renders every tunable as name=value, one per line.
func (s Sampling) String() string {
	var sb strings.Builder
	for i, name := range TunableNames {
		if i > 0 {
			sb.WriteByte('\n')
		}
		v, _ := s.Get(name)
		sb.WriteString(name + "=" + v)
	}
	return sb.String()
}

// Apply updates tunables from parsed name=value arguments. Nothing is
// changed unless every argument is valid.
func (s *Sampling) Apply(args invoke.Args) error {
	next := *s
	for _, arg := range args {
		if err := next.set(args, arg.Name); err != nil {
			return err
		}
	}
	*s = next
	return nil
}

func (s *Sampling) set(args invoke.Args, name string) error {
	var err error
	float := func(dst *float64) {
		var v float64
		if v, err = args.Float(name); err == nil {
			*dst = v
		}
	}
	integer := func(dst *int) {
		var v int64
		if v, err = args.Int(name); err == nil {
			*dst = int(v)
		}
	}

	switch name {
	case "temperature":
		float(&s.Temperature)
	case "frequency_penalty":
		float(&s.FrequencyPenalty)
	case "presence_penalty":
		float(&s.PresencePenalty)
	case "top_k":
		integer(&s.TopK)
	case "top_p":
		float(&s.TopP)
	case "seed":
		integer(&s.Seed)
	case "mirostat":
		integer(&s.Mirostat)
	case "mirostat_eta":
		float(&s.MirostatEta)
	case "mirostat_tau":
		float(&s.MirostatTau)
	case "max_tokens":
		integer(&s.MaxTokens)
	default:
		return fmt.Errorf("unknown tunable %q", name)
	}
	return err
}
