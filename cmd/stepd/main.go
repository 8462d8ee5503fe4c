package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/taskexec"
	"github.com/mattjoyce/stepd/internal/tui/watch"
)

const version = "0.3.0"

// defaultConfigPath is used when neither --config nor STEPD_CONFIG is set.
const defaultConfigPath = "/etc/stepd"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "start":
		if hasHelpFlag(rest) {
			printStartHelp()
			return 0
		}
		return runStart(rest)
	case taskexec.HelperCommand:
		return runStepExec(rest)
	case "config":
		return runConfigNoun(rest)
	case "step":
		return runStepNoun(rest)
	case "watch":
		if hasHelpFlag(rest) {
			printWatchHelp()
			return 0
		}
		return runWatch(rest)
	case "version":
		fmt.Printf("stepd version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `stepd - node-local job step launch daemon

Usage:
  stepd <command> [flags]

Commands:
  start             Run the daemon in the foreground
  config check      Validate configuration and host readiness
  config lock       Authorize the current configuration (write .checksums)
  config show       Print the resolved configuration
  step list         List recorded steps from the step log
  step show <id>    Show one recorded step and its output files
  watch             Follow a running daemon's steps in the terminal
  step-exec -- ...  Task trampoline (started by the daemon, not by hand)
  version           Show version information
  help              Show this help message

The configuration path defaults to $STEPD_CONFIG, then /etc/stepd.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printStartHelp() {
	fmt.Println("Usage: stepd start [--config PATH]")
	fmt.Println("Run the step launch daemon in the foreground.")
}

func printWatchHelp() {
	fmt.Println("Usage: stepd watch [--url URL] [--token TOKEN] [--config PATH]")
	fmt.Println("Follow live and recent steps of a running daemon.")
}

// resolveConfigPath applies the --config, STEPD_CONFIG, default order.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("STEPD_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

// runStepExec is the child side of a helper launch: argv after "--" is the
// task. The exit status is the task's when a task epilog keeps the trampoline
// alive, or a trampoline status when the task never ran.
func runStepExec(args []string) int {
	if len(args) < 2 || args[0] != "--" {
		fmt.Fprintf(os.Stderr, "Usage: stepd %s -- <command> [args...]\n", taskexec.HelperCommand)
		return taskexec.ExitSetup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	status, err := taskexec.NewTrampoline().Run(ctx, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stepd %s: %v\n", taskexec.HelperCommand, err)
	}
	return status
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "", "Daemon base URL (default: from config api.listen)")
	token := fs.String("token", os.Getenv("STEPD_TOKEN"), "Bearer token")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	target, tok := *url, *token
	if target == "" {
		target = "http://" + config.Defaults().API.Listen
		if cfg, err := config.Load(resolveConfigPath(*configPath)); err == nil {
			target = "http://" + cfg.API.Listen
			if tok == "" {
				tok = cfg.API.Token
			}
		}
	}

	if err := watch.Run(target, tok); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
