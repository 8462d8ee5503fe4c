package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete stepd daemon configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Scripts      ScriptsConfig      `yaml:"scripts"`
	Interconnect InterconnectConfig `yaml:"interconnect"`
	Tasks        TasksConfig        `yaml:"tasks"`
	State        StateConfig        `yaml:"state"`
	Report       ReportConfig       `yaml:"report"`
	API          APIConfig          `yaml:"api"`
}

// NodeConfig identifies this compute node.
type NodeConfig struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
	SpoolDir string `yaml:"spool_dir"`
}

// DaemonConfig defines process-level settings.
type DaemonConfig struct {
	// UserID is the uid the daemon itself is expected to run as.
	UserID     uint32   `yaml:"user_id"`
	LogLevel   string   `yaml:"log_level"`
	LogFormat  string   `yaml:"log_format"`
	LogFile    string   `yaml:"log_file,omitempty"`
	DebugFlags []string `yaml:"debug_flags,omitempty"`
	PIDFile    string   `yaml:"pid_file"`
}

// ScriptsConfig defines the administrator hooks run around steps and tasks.
// A negative timeout means no bound.
type ScriptsConfig struct {
	Prolog            string        `yaml:"prolog,omitempty"`
	Epilog            string        `yaml:"epilog,omitempty"`
	TaskProlog        string        `yaml:"task_prolog,omitempty"`
	TaskEpilog        string        `yaml:"task_epilog,omitempty"`
	PrologTimeout     time.Duration `yaml:"prolog_timeout"`
	EpilogTimeout     time.Duration `yaml:"epilog_timeout"`
	TaskScriptTimeout time.Duration `yaml:"task_script_timeout"`
	// KillWait is the grace between SIGTERM and SIGKILL.
	KillWait time.Duration `yaml:"kill_wait"`
}

// InterconnectConfig selects the fabric variant.
type InterconnectConfig struct {
	Type  string            `yaml:"type"` // none | static
	Slots int               `yaml:"slots,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
}

// TasksConfig defines how task processes are started.
type TasksConfig struct {
	// ExecHelper is the stepd binary used as the task trampoline. When empty
	// tasks are exec'd directly.
	ExecHelper    string       `yaml:"exec_helper,omitempty"`
	PropagatePrio bool         `yaml:"propagate_prio"`
	Limits        LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds task resource limits: a number, "unlimited", or empty
// to inherit the daemon's limit.
type LimitsConfig struct {
	NoFile  string `yaml:"nofile,omitempty"`
	Core    string `yaml:"core,omitempty"`
	Stack   string `yaml:"stack,omitempty"`
	MemLock string `yaml:"memlock,omitempty"`
}

// StateConfig defines step log storage settings.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ReportConfig defines how terminal step reports are delivered to the
// reply_to address of a request.
type ReportConfig struct {
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	// CallbackSecret, when set, signs callback bodies with HMAC-SHA256.
	CallbackSecret string `yaml:"callback_secret,omitempty"`
}

// APIConfig defines the HTTP intake settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every /v1 and
	// /events request.
	Token string `yaml:"token,omitempty"`
}

const (
	// LimitInherit leaves the daemon's own limit in place.
	LimitInherit int64 = -1
	// LimitUnlimited maps to RLIM_INFINITY.
	LimitUnlimited int64 = -2
)

// ParseLimit converts a limit setting to its numeric form.
func ParseLimit(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return LimitInherit, nil
	case "unlimited", "infinity":
		return LimitUnlimited, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid limit %q: must not be negative", s)
	}
	return n, nil
}

// RlimitValue converts a parsed limit to the kernel representation.
func RlimitValue(v int64) uint64 {
	if v == LimitUnlimited {
		return math.MaxUint64
	}
	return uint64(v)
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	short, _, _ := strings.Cut(hostname, ".")

	return &Config{
		Node: NodeConfig{
			Name:     short,
			Hostname: hostname,
			SpoolDir: "/var/spool/stepd",
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "/run/stepd/stepd.pid",
		},
		Scripts: ScriptsConfig{
			PrologTimeout:     5 * time.Minute,
			EpilogTimeout:     5 * time.Minute,
			TaskScriptTimeout: 1 * time.Minute,
			KillWait:          5 * time.Second,
		},
		Interconnect: InterconnectConfig{
			Type: "none",
		},
		State: StateConfig{
			Path:      "./data/stepd.db",
			Retention: 30 * 24 * time.Hour,
		},
		Report: ReportConfig{
			CallbackTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:6818",
		},
	}
}
