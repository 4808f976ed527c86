// Command rambo runs chat assistants that answer on Signal, Mattermost,
// Zulip and MQTT and call declared tools mid-conversation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nugget/rambo/internal/buildinfo"
	"github.com/nugget/rambo/internal/config"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stderr; command output and
// the chat transcript go to stdout. Arguments are parsed by hand so
// run can be called concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var botName string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-bot" && i+1 < len(args):
			botName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-bot="):
			botName = strings.TrimPrefix(args[i], "-bot=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath, botName)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, botName, outputFmt)
	case "turns":
		return runTurns(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Rambo - chat assistants with tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: rambo [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run every enabled bot on its interfaces")
	fmt.Fprintln(w, "  chat         Talk to a bot on this terminal")
	fmt.Fprintln(w, "  tools        Print a bot's tool catalogue")
	fmt.Fprintln(w, "  turns [window] [count]")
	fmt.Fprintln(w, "               Summarize the turn log (default: 24h, 10 recent)")
	fmt.Fprintln(w, "  init [dir]   Write an example config and bot library (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -bot <name>       Bot for chat and tools (default: first enabled)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/rambo/config.yaml, /etc/rambo/config.yaml")
	return nil
}

// loadConfig locates and parses the config. A .env file beside it is
// loaded first so the config can reference its variables; variables
// already set in the environment win.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, cfgPath, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads the config and builds the logger it asks for.
func setup(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded", "path", cfgPath, "version", buildinfo.Version)
	return cfg, logger, nil
}

// pickBot returns the named bot, or the first selected one.
func pickBot(cfg *config.Config, name string) (config.Bot, error) {
	if name == "" {
		bots, err := cfg.Selected()
		if err != nil {
			return config.Bot{}, err
		}
		if len(bots) == 0 {
			return config.Bot{}, fmt.Errorf("no enabled bots")
		}
		return bots[0], nil
	}
	for _, b := range cfg.Available() {
		if strings.EqualFold(b.Name, name) {
			return b, nil
		}
	}
	return config.Bot{}, fmt.Errorf("no enabled bot named %q", name)
}
