package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/doctor"
)

const redacted = "<redacted>"

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: stepd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: stepd config check [--config PATH] [--json] [--strict]")
	fmt.Println("Validate configuration syntax, values and integrity, then check host readiness.")
	fmt.Println("With --strict, readiness warnings also fail the check.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: stepd config lock [--config PATH]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hash to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: stepd config show [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration with secrets redacted.")
}

// configFile resolves a config path that may name a directory.
func configFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config not found: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(path, config.DefaultFileName), nil
	}
	return path, nil
}

type checkResult struct {
	Valid    bool           `json:"valid"`
	Path     string         `json:"path"`
	Locked   bool           `json:"locked"`
	Error    string         `json:"error,omitempty"`
	Errors   []doctor.Issue `json:"errors,omitempty"`
	Warnings []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	strict := fs.Bool("strict", false, "Treat host readiness warnings as failures")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	res := checkResult{Path: resolveConfigPath(*configPath)}
	if file, err := configFile(res.Path); err == nil {
		res.Path = file
		if _, err := config.LoadChecksums(filepath.Dir(file)); err == nil {
			res.Locked = true
		}
	}
	cfg, err := config.Load(res.Path)
	if err != nil {
		res.Error = err.Error()
	} else {
		host := doctor.New(cfg).Validate()
		res.Errors, res.Warnings = host.Errors, host.Warnings
		res.Valid = host.Valid && (!*strict || len(host.Warnings) == 0)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	} else {
		printCheckResult(res)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func printCheckResult(res checkResult) {
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", res.Error)
		return
	}
	for _, is := range res.Errors {
		fmt.Fprintf(os.Stderr, "ERROR [%s] %s: %s\n", is.Category, is.Field, is.Message)
	}
	for _, is := range res.Warnings {
		fmt.Printf("WARN  [%s] %s: %s\n", is.Category, is.Field, is.Message)
	}
	if !res.Valid {
		fmt.Fprintf(os.Stderr, "Node not ready: %s\n", res.Path)
		return
	}
	fmt.Printf("Configuration OK: %s\n", res.Path)
	if !res.Locked {
		fmt.Println("Warning: no .checksums manifest; run 'stepd config lock' to authorize this file.")
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	file, err := configFile(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	// Lock only what would load.
	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	base := filepath.Base(file)
	fmt.Printf("HASH %s: %s\n", base, manifest.Hashes[base])
	fmt.Printf("WROTE %s\n", filepath.Join(filepath.Dir(file), ".checksums"))
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	redact(cfg)

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

func redact(cfg *config.Config) {
	if cfg.Report.CallbackSecret != "" {
		cfg.Report.CallbackSecret = redacted
	}
	if cfg.API.Token != "" {
		cfg.API.Token = redacted
	}
}
