// Package invoke parses structured tool invocations out of free-form
// model output.
//
// The wire grammar is
//
//	INVOKE <tool>.<func>(<name>=<value>, ...)
//
// and must start at offset 0 of the response. Values are classified in
// a fixed precedence order; see [Classify]. Parsing never fails: input
// that does not match the grammar yields a nil *Invocation, and
// arguments that cannot be classified are dropped.
package invoke

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// Marker is the literal that must open a response for it to be
// treated as a tool invocation.
const Marker = "INVOKE"

// Invocation is a tool call parsed from model output.
type Invocation struct {
	Tool string
	Func string
	Args Args
}

// Slug returns the "<tool>.<func>" identity used as the sender of the
// tool result in conversational memory.
func (inv *Invocation) Slug() string {
	return inv.Tool + "." + inv.Func
}

// String renders the invocation back into wire syntax.
func (inv *Invocation) String() string {
	var sb strings.Builder
	sb.WriteString(Marker)
	sb.WriteByte(' ')
	sb.WriteString(inv.Slug())
	sb.WriteByte('(')
	for i, arg := range inv.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(arg.Name)
		sb.WriteByte('=')
		sb.WriteString(arg.Value.Literal())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Parse extracts an invocation from text. It returns nil unless text
// begins with [Marker] followed by a "tool.func(" head. A missing
// closing parenthesis is tolerated: the remainder of the text is
// parsed as the argument list.
func Parse(text string) *Invocation {
	if !strings.HasPrefix(text, Marker) {
		return nil
	}
	rest := strings.TrimLeft(text[len(Marker):], " \t")

	tool, rest := cutSlug(rest)
	if tool == "" || !strings.HasPrefix(rest, ".") {
		return nil
	}
	fn, rest := cutSlug(rest[1:])
	if fn == "" {
		return nil
	}
	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, "(") {
		return nil
	}

	body := rest[1:]
	if end := closingParen(body); end >= 0 {
		body = body[:end]
	}

	return &Invocation{
		Tool: tool,
		Func: fn,
		Args: ParseArgs(body),
	}
}

// ParseArgs parses a comma-separated list of name=value pairs. Commas
// inside quotes, brackets, braces or parentheses do not split. Pairs
// without '=', with an invalid name, or with an unclassifiable value
// are skipped.
func ParseArgs(list string) Args {
	var args Args
	for _, part := range splitTopLevel(list) {
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !isIdent(name) {
			continue
		}
		v, ok := Classify(raw)
		if !ok {
			continue
		}
		args.set(name, v)
	}
	return args
}

// Classify determines the type of a raw value span. Forms are tried in
// this order and the first match wins:
//
//  1. boolean literal, true or false in any case
//  2. single- or double-quoted string
//  3. [ ... ] array, kept as raw text
//  4. { ... } object, kept as raw text
//  5. number containing a decimal point
//  6. integer, or a float when it overflows int64
//  7. bare identifier
//
// The second result is false when no form matches.
func Classify(raw string) (Value, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Value{}, false
	}

	if strings.EqualFold(s, "true") {
		return BoolValue(true), true
	}
	if strings.EqualFold(s, "false") {
		return BoolValue(false), true
	}

	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		q := string(s[0])
		return StringValue(strings.ReplaceAll(s[1:len(s)-1], `\`+q, q)), true
	}

	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return ArrayValue(s), true
	}
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return ObjectValue(s), true
	}

	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return FloatValue(f), true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(n), true
	} else if errors.Is(err, strconv.ErrRange) {
		// Integers beyond int64 keep their magnitude as a float.
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return FloatValue(f), true
		}
	}

	if isIdentValue(s) {
		return IdentValue(s), true
	}
	return Value{}, false
}

// cutSlug splits a leading tool or function slug off s.
func cutSlug(s string) (string, string) {
	i := 0
	for i < len(s) && isSlugByte(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isSlugByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdent(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return s != ""
}

// isIdentValue accepts identifiers plus '.' and '-' after the first
// rune, so bare values like entity.name or en-US classify.
func isIdentValue(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '.' || r == '-' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return s != ""
}

// scanner tracks quote and nesting state while walking an argument list.
type scanner struct {
	quote  byte
	escape bool
	depth  int
}

// step consumes one byte and reports whether it sits at the top
// level, outside any quote or nested delimiter.
func (sc *scanner) step(c byte) bool {
	if sc.quote != 0 {
		switch {
		case sc.escape:
			sc.escape = false
		case c == '\\':
			sc.escape = true
		case c == sc.quote:
			sc.quote = 0
		}
		return false
	}
	switch c {
	case '"', '\'':
		sc.quote = c
		return false
	case '[', '{', '(':
		sc.depth++
		return false
	case ']', '}', ')':
		if sc.depth > 0 {
			sc.depth--
			return false
		}
	}
	return sc.depth == 0
}

// closingParen returns the index of the ')' that closes an argument
// list, or -1 if there is none.
func closingParen(s string) int {
	var sc scanner
	for i := 0; i < len(s); i++ {
		if sc.step(s[i]) && s[i] == ')' {
			return i
		}
	}
	return -1
}

func splitTopLevel(s string) []string {
	var parts []string
	var sc scanner
	start := 0
	for i := 0; i < len(s); i++ {
		if sc.step(s[i]) && s[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if tail := s[start:]; strings.TrimSpace(tail) != "" {
		parts = append(parts, tail)
	}
	return parts
}
