package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and validates the configuration at configPath.
// A directory is accepted and resolved to its stepd.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// DefaultFileName is the config file looked up inside a config directory.
const DefaultFileName = "stepd.yaml"

// Parse interpolates, decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	// Booleans cannot be defaulted after decoding, so the api section starts
	// from its defaults and the document overrides it.
	cfg := Config{API: Defaults().API}
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest next to it.
// A directory without a manifest is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: stepd config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: stepd config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills every unset field from Defaults.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Node.Name == "" {
		cfg.Node.Name = defaults.Node.Name
	}
	if cfg.Node.Hostname == "" {
		cfg.Node.Hostname = defaults.Node.Hostname
	}
	if cfg.Node.SpoolDir == "" {
		cfg.Node.SpoolDir = defaults.Node.SpoolDir
	}

	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = defaults.Daemon.LogLevel
	}
	if cfg.Daemon.LogFormat == "" {
		cfg.Daemon.LogFormat = defaults.Daemon.LogFormat
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = defaults.Daemon.PIDFile
	}

	if cfg.Scripts.PrologTimeout == 0 {
		cfg.Scripts.PrologTimeout = defaults.Scripts.PrologTimeout
	}
	if cfg.Scripts.EpilogTimeout == 0 {
		cfg.Scripts.EpilogTimeout = defaults.Scripts.EpilogTimeout
	}
	if cfg.Scripts.TaskScriptTimeout == 0 {
		cfg.Scripts.TaskScriptTimeout = defaults.Scripts.TaskScriptTimeout
	}
	if cfg.Scripts.KillWait == 0 {
		cfg.Scripts.KillWait = defaults.Scripts.KillWait
	}

	if cfg.Interconnect.Type == "" {
		cfg.Interconnect.Type = defaults.Interconnect.Type
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = defaults.State.Retention
	}
	if cfg.Report.CallbackTimeout == 0 {
		cfg.Report.CallbackTimeout = defaults.Report.CallbackTimeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Daemon.LogLevel] {
		return fmt.Errorf("daemon.log_level must be one of: debug, info, warn, error (got %q)", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.LogFormat != "json" && cfg.Daemon.LogFormat != "text" {
		return fmt.Errorf("daemon.log_format must be json or text (got %q)", cfg.Daemon.LogFormat)
	}

	if cfg.Node.SpoolDir == "" {
		return fmt.Errorf("node.spool_dir is required")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Scripts.KillWait < 0 {
		return fmt.Errorf("scripts.kill_wait must not be negative")
	}

	scripts := map[string]string{
		"scripts.prolog":      cfg.Scripts.Prolog,
		"scripts.epilog":      cfg.Scripts.Epilog,
		"scripts.task_prolog": cfg.Scripts.TaskProlog,
		"scripts.task_epilog": cfg.Scripts.TaskEpilog,
		"tasks.exec_helper":   cfg.Tasks.ExecHelper,
	}
	for key, path := range scripts {
		if path == "" {
			continue
		}
		if envVarPattern.MatchString(path) {
			return fmt.Errorf("%s: environment variable %s is not set", key, envVarPattern.FindString(path))
		}
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s must be an absolute path (got %q)", key, path)
		}
	}

	switch cfg.Interconnect.Type {
	case "none":
	case "static":
		if cfg.Interconnect.Slots < 1 {
			return fmt.Errorf("interconnect.slots must be at least 1 for the static fabric")
		}
	default:
		return fmt.Errorf("interconnect.type must be none or static (got %q)", cfg.Interconnect.Type)
	}
	for k, v := range cfg.Interconnect.Env {
		if envVarPattern.MatchString(v) {
			return fmt.Errorf("interconnect.env.%s: environment variable %s is not set", k, envVarPattern.FindString(v))
		}
	}

	limits := map[string]string{
		"nofile":  cfg.Tasks.Limits.NoFile,
		"core":    cfg.Tasks.Limits.Core,
		"stack":   cfg.Tasks.Limits.Stack,
		"memlock": cfg.Tasks.Limits.MemLock,
	}
	for name, v := range limits {
		if _, err := ParseLimit(v); err != nil {
			return fmt.Errorf("tasks.limits.%s: %w", name, err)
		}
	}

	if cfg.Report.CallbackTimeout < 0 {
		return fmt.Errorf("report.callback_timeout must not be negative")
	}
	if envVarPattern.MatchString(cfg.Report.CallbackSecret) {
		return fmt.Errorf("report.callback_secret: environment variable %s is not set", envVarPattern.FindString(cfg.Report.CallbackSecret))
	}

	if envVarPattern.MatchString(cfg.API.Token) {
		return fmt.Errorf("api.token: environment variable %s is not set", envVarPattern.FindString(cfg.API.Token))
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	return nil
}
