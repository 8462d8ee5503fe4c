package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/inspect"
	"github.com/mattjoyce/stepd/internal/steplog"
	"github.com/mattjoyce/stepd/internal/storage"
)

func runStepNoun(args []string) int {
	if len(args) < 1 {
		printStepNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printStepNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stepd step list [--config PATH] [--job ID] [--limit N]")
			fmt.Println("List recorded steps, newest first.")
			return 0
		}
		return runStepList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stepd step show [--config PATH] [--json] <step-id>")
			fmt.Println("Show one recorded step and its task output files.")
			return 0
		}
		return runStepShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown step action: %s\n", action)
		return 1
	}
}

func printStepNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: stepd step <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show")
}

// openStepLog opens the configured step log without creating it.
func openStepLog(ctx context.Context, configPath string) (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, nil, fmt.Errorf("no step log at %s: %w", cfg.State.Path, err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func runStepList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jobID := fs.Uint("job", 0, "Only steps of this job")
	limit := fs.Int("limit", 50, "Maximum number of steps")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	_, db, err := openStepLog(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Step list failed: %v\n", err)
		return 1
	}
	defer db.Close()

	out, err := inspect.BuildList(ctx, steplog.New(db), uint32(*jobID), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Step list failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runStepShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stepd step show [--config PATH] [--json] <step-id>")
		return 1
	}

	ctx := context.Background()
	cfg, db, err := openStepLog(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Step show failed: %v\n", err)
		return 1
	}
	defer db.Close()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, steplog.New(db), cfg.Node.SpoolDir, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Step show failed: %v\n", err)
		return 1
	}
	fmt.Println(out)
	return 0
}
