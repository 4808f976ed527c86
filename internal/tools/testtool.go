package tools

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nugget/rambo/internal/invoke"
)

// maxSlowDuration caps test.slow_function.
const maxSlowDuration = 5 * time.Second

// ErrIntentional is returned by test.test_error when asked to fail.
var ErrIntentional = errors.New("✅ Error handling works! This is an intentional test error.")

// NewTestTool returns the function-calling tester, a set of trivial
// methods that exercise each argument type end to end.
func NewTestTool() *Tool {
	return NewTool("test", "Function Calling Tester",
		"A simple tool to verify that function calling is working correctly",
		Method{
			Slug:        "echo",
			Description: "Echo back a message to verify basic function calling",
			Args:        []ArgSpec{{Name: "message", Type: "str", Description: "Message to echo back"}},
			Handler:     testEcho,
		},
		Method{
			Slug:        "add",
			Description: "Add two numbers together",
			Args: []ArgSpec{
				{Name: "a", Type: "int", Description: "First number"},
				{Name: "b", Type: "int", Description: "Second number"},
			},
			Handler: testAdd,
		},
		Method{
			Slug:        "current_time",
			Description: "Get the current timestamp",
			Handler:     testCurrentTime,
		},
		Method{
			Slug:        "random_number",
			Description: "Generate a random number within a range",
			Args: []ArgSpec{
				{Name: "min_val", Type: "int", Description: "Minimum value (inclusive)"},
				{Name: "max_val", Type: "int", Description: "Maximum value (inclusive)"},
			},
			Handler: testRandomNumber,
		},
		Method{
			Slug:        "string_ops",
			Description: "Perform multiple string operations on text",
			Args: []ArgSpec{
				{Name: "text", Type: "str", Description: "Text to manipulate"},
				{Name: "operation", Type: "str", Description: "Operation: uppercase, lowercase, reverse, or length"},
			},
			Handler: testStringOps,
		},
		Method{
			Slug:        "test_boolean",
			Description: "Test boolean parameter handling",
			Args: []ArgSpec{
				{Name: "include_timestamp", Type: "bool", Description: "Whether to include timestamp in response"},
				{Name: "message", Type: "str", Description: "Message to display"},
			},
			Handler: testBoolean,
		},
		Method{
			Slug:        "slow_function",
			Description: "Test function that simulates processing time",
			Args:        []ArgSpec{{Name: "duration", Type: "float", Description: "How many seconds to wait (max 5 seconds)"}},
			Handler:     testSlow,
		},
		Method{
			Slug:        "test_error",
			Description: "Test error handling in function calls",
			Args:        []ArgSpec{{Name: "should_error", Type: "bool", Description: "Whether this function should intentionally raise an error"}},
			Handler:     testError,
		},
		Method{
			Slug:        "test_summary",
			Description: "Show a summary of all available test functions",
			Handler:     testSummary,
		},
	).WithEmoji("test_tube")
}

func testEcho(_ context.Context, args invoke.Args) (string, error) {
	msg, err := args.String("message")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Function calling works! You said: '%s'", msg), nil
}

func testAdd(_ context.Context, args invoke.Args) (string, error) {
	a, err := args.Int("a")
	if err != nil {
		return "", err
	}
	b, err := args.Int("b")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Math function calling works! %d + %d = %d", a, b, a+b), nil
}

func testCurrentTime(_ context.Context, _ invoke.Args) (string, error) {
	return "✅ No-parameter function calling works! Current time: " + time.Now().Format("2006-01-02 15:04:05"), nil
}

func testRandomNumber(_ context.Context, args invoke.Args) (string, error) {
	lo, err := args.Int("min_val")
	if err != nil {
		return "", err
	}
	hi, err := args.Int("max_val")
	if err != nil {
		return "", err
	}
	if lo > hi {
		return fmt.Sprintf("❌ Error: min_val (%d) cannot be greater than max_val (%d)", lo, hi), nil
	}
	n := lo
	if span := hi - lo + 1; span > 0 {
		n += rand.Int64N(span)
	} else {
		n = rand.Int64()
	}
	return fmt.Sprintf("✅ Random number function calling works! Random number between %d and %d: %d", lo, hi, n), nil
}

func testStringOps(_ context.Context, args invoke.Args) (string, error) {
	text, err := args.String("text")
	if err != nil {
		return "", err
	}
	op, err := args.String("operation")
	if err != nil {
		return "", err
	}

	switch op = strings.ToLower(op); op {
	case "uppercase":
		return fmt.Sprintf("✅ String manipulation works! Uppercase: '%s'", strings.ToUpper(text)), nil
	case "lowercase":
		return fmt.Sprintf("✅ String manipulation works! Lowercase: '%s'", strings.ToLower(text)), nil
	case "reverse":
		r := []rune(text)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return fmt.Sprintf("✅ String manipulation works! Reversed: '%s'", string(r)), nil
	case "length":
		return fmt.Sprintf("✅ String manipulation works! Length of '%s': %d characters", text, len([]rune(text))), nil
	default:
		return fmt.Sprintf("❌ Unknown operation: '%s'. Try: uppercase, lowercase, reverse, or length", op), nil
	}
}

func testBoolean(_ context.Context, args invoke.Args) (string, error) {
	include, err := args.Bool("include_timestamp")
	if err != nil {
		return "", err
	}
	msg, err := args.String("message")
	if err != nil {
		return "", err
	}
	resp := fmt.Sprintf("✅ Boolean function calling works! Message: '%s'", msg)
	if include {
		resp += fmt.Sprintf(" [Time: %s]", time.Now().Format("15:04:05"))
	}
	return resp, nil
}

func testSlow(ctx context.Context, args invoke.Args) (string, error) {
	secs, err := args.Float("duration")
	if err != nil {
		return "", err
	}
	d := min(time.Duration(secs*float64(time.Second)), maxSlowDuration)
	d = max(d, 0)

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return fmt.Sprintf("✅ Slow function calling works! Requested %gs, actual %.2fs", d.Seconds(), time.Since(start).Seconds()), nil
}

func testError(_ context.Context, args invoke.Args) (string, error) {
	fail, err := args.Bool("should_error")
	if err != nil {
		return "", err
	}
	if fail {
		return "", ErrIntentional
	}
	return "✅ Error handling works! Function completed successfully without errors.", nil
}

func testSummary(_ context.Context, _ invoke.Args) (string, error) {
	return `✅ Function Calling Test Tool Summary:

🔹 echo(message) - Test basic string parameters
🔹 add(a, b) - Test numeric parameters and math
🔹 current_time() - Test functions with no parameters
🔹 random_number(min_val, max_val) - Test multiple numeric parameters
🔹 string_ops(text, operation) - Test string operations and validation
🔹 test_boolean(include_timestamp, message) - Test boolean parameters
🔹 slow_function(duration) - Test float parameters and processing time
🔹 test_error(should_error) - Test error handling
🔹 test_summary() - Show this summary

Try asking me to use any of these functions to verify function calling is working!`, nil
}
