package invoke

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which member of the value union a Value holds.
type Kind int

const (
	// KindBool is a true/false literal.
	KindBool Kind = iota + 1
	// KindString is a single- or double-quoted string with quotes removed.
	KindString
	// KindArray is a bracket-delimited span kept as raw text.
	KindArray
	// KindObject is a brace-delimited span kept as raw text.
	KindObject
	// KindFloat is a number containing a decimal point.
	KindFloat
	// KindInt is a bare integer.
	KindInt
	// KindIdent is a bare identifier, treated as an unquoted string.
	KindIdent
)

// String returns the lowercase name used in argument specs and errors.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindIdent:
		return "identifier"
	default:
		return "unknown"
	}
}

// Value is one typed argument value. The zero Value is invalid.
type Value struct {
	Kind Kind

	text string // string, array, object and identifier payloads
	b    bool
	f    float64
	i    int64
}

// BoolValue returns a KindBool value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, b: b} }

// StringValue returns a KindString value.
func StringValue(s string) Value { return Value{Kind: KindString, text: s} }

// ArrayValue returns a KindArray value holding raw, unparsed text.
func ArrayValue(raw string) Value { return Value{Kind: KindArray, text: raw} }

// ObjectValue returns a KindObject value holding raw, unparsed text.
func ObjectValue(raw string) Value { return Value{Kind: KindObject, text: raw} }

// FloatValue returns a KindFloat value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, f: f} }

// IntValue returns a KindInt value.
func IntValue(i int64) Value { return Value{Kind: KindInt, i: i} }

// IdentValue returns a KindIdent value.
func IdentValue(s string) Value { return Value{Kind: KindIdent, text: s} }

// Text renders the value as plain text: strings without quotes,
// arrays and objects as their raw span, numbers in decimal.
func (v Value) Text() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.text
	}
}

// Literal renders the value back into invocation syntax.
func (v Value) Literal() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.text)
	case KindFloat:
		s := v.Text()
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return v.Text()
	}
}

// Interface returns the value as a plain Go value: bool, string,
// float64 or int64. Arrays and objects are returned as raw strings.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.b
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	default:
		return v.text
	}
}

// Arg is a single name=value pair.
type Arg struct {
	Name  string
	Value Value
}

// Args is an argument list ordered by first appearance. A repeated
// name keeps its original position and takes the later value.
type Args []Arg

// ArgError reports a missing or mistyped argument.
type ArgError struct {
	Name string
	Want string
	Got  Kind // zero when the argument is missing
}

// Error implements the error interface.
func (e *ArgError) Error() string {
	if e.Got == 0 {
		return fmt.Sprintf("argument %q is required", e.Name)
	}
	return fmt.Sprintf("argument %q: want %s, got %s", e.Name, e.Want, e.Got)
}

func (a *Args) set(name string, v Value) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Value = v
			return
		}
	}
	*a = append(*a, Arg{Name: name, Value: v})
}

// Get returns the value bound to name.
func (a Args) Get(name string) (Value, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether name is bound.
func (a Args) Has(name string) bool {
	_, ok := a.Get(name)
	return ok
}

// Map returns the arguments as a map of plain Go values.
func (a Args) Map() map[string]any {
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Name] = arg.Value.Interface()
	}
	return m
}

// String returns the textual form of any bound value. Models often
// omit quotes, so identifiers and numbers are accepted as strings.
func (a Args) String(name string) (string, error) {
	v, ok := a.Get(name)
	if !ok {
		return "", &ArgError{Name: name, Want: "string"}
	}
	return v.Text(), nil
}

// StringOr returns the string bound to name, or def when unbound.
func (a Args) StringOr(name, def string) string {
	if s, err := a.String(name); err == nil {
		return s
	}
	return def
}

// Int returns an integer argument. Integral floats and numeric
// strings are converted.
func (a Args) Int(name string) (int64, error) {
	v, ok := a.Get(name)
	if !ok {
		return 0, &ArgError{Name: name, Want: "int"}
	}
	switch v.Kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), nil
		}
	case KindString, KindIdent:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.text), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, &ArgError{Name: name, Want: "int", Got: v.Kind}
}

// IntOr returns the integer bound to name, or def when unbound or
// not convertible.
func (a Args) IntOr(name string, def int64) int64 {
	if n, err := a.Int(name); err == nil {
		return n
	}
	return def
}

// Float returns a numeric argument as float64.
func (a Args) Float(name string) (float64, error) {
	v, ok := a.Get(name)
	if !ok {
		return 0, &ArgError{Name: name, Want: "float"}
	}
	switch v.Kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindString, KindIdent:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64); err == nil {
			return f, nil
		}
	}
	return 0, &ArgError{Name: name, Want: "float", Got: v.Kind}
}

// Bool returns a boolean argument. Quoted "true"/"false" strings are
// accepted.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a.Get(name)
	if !ok {
		return false, &ArgError{Name: name, Want: "bool"}
	}
	switch v.Kind {
	case KindBool:
		return v.b, nil
	case KindString, KindIdent:
		if b, err := strconv.ParseBool(strings.TrimSpace(v.text)); err == nil {
			return b, nil
		}
	}
	return false, &ArgError{Name: name, Want: "bool", Got: v.Kind}
}

// Raw returns the raw text of an array or object argument.
func (a Args) Raw(name string) (string, error) {
	v, ok := a.Get(name)
	if !ok {
		return "", &ArgError{Name: name, Want: "array or object"}
	}
	if v.Kind != KindArray && v.Kind != KindObject {
		return "", &ArgError{Name: name, Want: "array or object", Got: v.Kind}
	}
	return v.text, nil
}
