package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
node:
  name: n01
  spool_dir: /tmp/spool
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Node.Name != "n01" {
					t.Errorf("node.name = %q", cfg.Node.Name)
				}
				if cfg.Scripts.KillWait != 5*time.Second {
					t.Errorf("kill_wait default not applied: %v", cfg.Scripts.KillWait)
				}
				if cfg.Interconnect.Type != "none" {
					t.Errorf("interconnect default not applied: %q", cfg.Interconnect.Type)
				}
				if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:6818" {
					t.Errorf("api defaults not applied: %+v", cfg.API)
				}
			},
		},
		{
			name: "full config",
			yaml: `
node:
  name: n02
  hostname: n02.cluster
  spool_dir: /var/spool/stepd
daemon:
  log_level: debug
  log_format: text
  debug_flags: [steps, fabric]
scripts:
  prolog: /etc/stepd/prolog
  epilog: /etc/stepd/epilog
  prolog_timeout: -1s
  epilog_timeout: 30s
  kill_wait: 2s
interconnect:
  type: static
  slots: 4
  env:
    FABRIC_DEV: hfi1_0
tasks:
  exec_helper: /usr/sbin/stepd
  propagate_prio: true
  limits:
    nofile: "4096"
    core: unlimited
report:
  callback_timeout: 3s
  callback_secret: s3cret
api:
  enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Scripts.PrologTimeout >= 0 {
					t.Errorf("negative prolog_timeout must survive defaults, got %v", cfg.Scripts.PrologTimeout)
				}
				if cfg.Scripts.EpilogTimeout != 30*time.Second {
					t.Errorf("epilog_timeout = %v", cfg.Scripts.EpilogTimeout)
				}
				if cfg.Interconnect.Slots != 4 || cfg.Interconnect.Env["FABRIC_DEV"] != "hfi1_0" {
					t.Errorf("interconnect not parsed: %+v", cfg.Interconnect)
				}
				if len(cfg.Daemon.DebugFlags) != 2 {
					t.Errorf("debug_flags = %v", cfg.Daemon.DebugFlags)
				}
				if cfg.Report.CallbackTimeout != 3*time.Second || cfg.Report.CallbackSecret != "s3cret" {
					t.Errorf("report not parsed: %+v", cfg.Report)
				}
				if cfg.API.Enabled {
					t.Error("api.enabled: false must not be overridden by defaults")
				}
				if !cfg.Tasks.PropagatePrio || cfg.Tasks.Limits.Core != "unlimited" {
					t.Errorf("tasks not parsed: %+v", cfg.Tasks)
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
scripts:
  prolog: ${STEPD_TEST_PROLOG}
`,
			env: map[string]string{"STEPD_TEST_PROLOG": "/opt/prolog"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Scripts.Prolog != "/opt/prolog" {
					t.Errorf("prolog = %q", cfg.Scripts.Prolog)
				}
			},
		},
		{
			name:    "unresolved env var",
			yaml:    "scripts:\n  epilog: ${STEPD_TEST_UNSET_VAR}\n",
			wantErr: true,
		},
		{
			name:    "relative script path",
			yaml:    "scripts:\n  prolog: ./prolog.sh\n",
			wantErr: true,
		},
		{
			name:    "bad log level",
			yaml:    "daemon:\n  log_level: verbose\n",
			wantErr: true,
		},
		{
			name:    "unknown interconnect",
			yaml:    "interconnect:\n  type: myrinet\n",
			wantErr: true,
		},
		{
			name:    "static without slots",
			yaml:    "interconnect:\n  type: static\n",
			wantErr: true,
		},
		{
			name:    "bad limit",
			yaml:    "tasks:\n  limits:\n    stack: lots\n",
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			yaml:    "node: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", LimitInherit, false},
		{"unlimited", LimitUnlimited, false},
		{"Infinity", LimitUnlimited, false},
		{"0", 0, false},
		{" 1024 ", 1024, false},
		{"-5", 0, true},
		{"1k", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if RlimitValue(LimitUnlimited) != ^uint64(0) {
		t.Error("unlimited must map to RLIM_INFINITY")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte("node:\n  name: fromdir\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Node.Name != "fromdir" {
		t.Errorf("node.name = %q", cfg.Node.Name)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
