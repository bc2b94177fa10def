package wizard

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/wolbridge/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name    string
		answers func(a *Answers)
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name:    "defaults",
			answers: func(a *Answers) {},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.Listen != ":12000" {
					t.Errorf("Listen = %q", cfg.Server.Listen)
				}
				if len(cfg.Bridges) != 0 {
					t.Errorf("Bridges = %v", cfg.Bridges)
				}
				if cfg.Wake.Port != 7 || cfg.Wake.Count != 5 {
					t.Errorf("Wake = %+v", cfg.Wake)
				}
				if !cfg.Control.Enabled || cfg.Control.SocketPath != "wolbridge.sock" {
					t.Errorf("Control = %+v", cfg.Control)
				}
			},
		},
		{
			name: "bridges and lookups",
			answers: func(a *Answers) {
				a.Name = " home "
				a.Bridges = []config.BridgeConfig{
					{Name: "home", Address: "office.example.com:12000", HeartbeatSeconds: 30},
				}
				a.EndpointsFile = "/etc/wolbridge/endpoints"
				a.ComputersFile = "/etc/wolbridge/computers"
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.Name != "home" {
					t.Errorf("Name = %q", cfg.Server.Name)
				}
				if len(cfg.Bridges) != 1 || cfg.Bridges[0].HeartbeatSeconds != 30 {
					t.Errorf("Bridges = %+v", cfg.Bridges)
				}
				if cfg.Lookups.EndpointsFile != "/etc/wolbridge/endpoints" || cfg.Lookups.ComputersFile != "/etc/wolbridge/computers" {
					t.Errorf("Lookups = %+v", cfg.Lookups)
				}
			},
		},
		{
			name: "wake options",
			answers: func(a *Answers) {
				a.WakePort = 9
				a.WakeCount = 2
				a.WakeBroadcast = true
				a.WakeSilent = true
			},
			check: func(t *testing.T, cfg *config.Config) {
				want := config.WakeConfig{Port: 9, Count: 2, Broadcast: true, Silent: true}
				if cfg.Wake != want {
					t.Errorf("Wake = %+v, want %+v", cfg.Wake, want)
				}
			},
		},
		{
			name: "monitoring",
			answers: func(a *Answers) {
				a.ConfigPath = "/etc/wolbridge/config.yaml"
				a.LogLevel = "debug"
				a.HealthEnabled = true
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.LogLevel != "debug" || cfg.Server.LogFormat != "text" {
					t.Errorf("logging = %s/%s", cfg.Server.LogLevel, cfg.Server.LogFormat)
				}
				if !cfg.Health.Enabled || cfg.Health.Address != ":8080" {
					t.Errorf("Health = %+v", cfg.Health)
				}
				if cfg.Control.SocketPath != "/etc/wolbridge/wolbridge.sock" {
					t.Errorf("SocketPath = %q", cfg.Control.SocketPath)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := DefaultAnswers()
			a.Name = "office"
			tc.answers(&a)

			cfg := BuildConfig(a)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "wolbridge.yaml")

	a := DefaultAnswers()
	a.Name = "office"
	a.Bridges = []config.BridgeConfig{{Name: "home", Address: "home.example.com:12000"}}
	cfg := BuildConfig(a)

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# wolbridge configuration") {
		t.Errorf("missing header:\n%s", data)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Name != "office" || len(loaded.Bridges) != 1 || loaded.Bridges[0].Address != "home.example.com:12000" {
		t.Errorf("loaded config = %+v", loaded)
	}
	if loaded.Connections.RetryInterval != time.Second {
		t.Errorf("RetryInterval = %v", loaded.Connections.RetryInterval)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"config yaml", validateConfigPath, "a/b.yaml", false},
		{"config toml", validateConfigPath, "b.TOML", false},
		{"config json", validateConfigPath, "b.json", true},
		{"config empty", validateConfigPath, "", true},
		{"name ok", validateName, "office", false},
		{"name comma", validateName, "a,b", true},
		{"name space", validateName, "my office", true},
		{"name empty", validateName, "  ", true},
		{"port ok", validatePort, "9", false},
		{"port zero", validatePort, "0", true},
		{"port high", validatePort, "70000", true},
		{"port text", validatePort, "seven", true},
		{"positive ok", validatePositive, "3", false},
		{"positive zero", validatePositive, "0", true},
		{"optional file empty", validateOptionalFile, "", false},
		{"optional file missing", validateOptionalFile, "/does/not/exist", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn(tc.input)
			if (err != nil) != tc.wantErr {
				t.Errorf("validate(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestParseHeartbeat(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{" 30 ", 30, false},
		{"5", 5, false},
		{"4", 0, true},
		{"-1", 0, true},
		{"soon", 0, true},
	}

	for _, tc := range tests {
		got, err := parseHeartbeat(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseHeartbeat(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("parseHeartbeat(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestTestBridgeConnectivity(t *testing.T) {
	w := New()
	w.dialTimeout = time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	open := ln.Addr().String()

	if err := w.testBridgeConnectivity(config.BridgeConfig{Address: open}); err != nil {
		t.Errorf("reachable bridge reported error: %v", err)
	}

	ln.Close()
	if err := w.testBridgeConnectivity(config.BridgeConfig{Address: open}); err == nil {
		t.Error("closed port reported reachable")
	}
}
