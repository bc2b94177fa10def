package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/wolbridge/internal/control"
	"github.com/postalsys/wolbridge/internal/peer"
)

type toggler struct {
	mu      sync.Mutex
	enabled bool
	calls   []bool
}

func (t *toggler) SetHeartbeatsEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	t.calls = append(t.calls, enabled)
}

func (t *toggler) HeartbeatsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func TestHandleConsoleLine(t *testing.T) {
	tests := []struct {
		line    string
		want    string
		enabled bool
	}{
		{"dh", "heartbeats disabled", false},
		{"  DH \r", "heartbeats disabled", false},
		{"eh", "heartbeats enabled", true},
		{"", "", true},
		{"   ", "", true},
		{"xx", `unknown command "xx" (use dh or eh)`, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tg := &toggler{enabled: true}
			if got := handleConsoleLine(tt.line, tg); got != tt.want {
				t.Errorf("handleConsoleLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
			if tg.HeartbeatsEnabled() != tt.enabled {
				t.Errorf("enabled = %v, want %v", tg.HeartbeatsEnabled(), tt.enabled)
			}
		})
	}
}

func TestRunConsole_ClosesAtEOF(t *testing.T) {
	tg := &toggler{enabled: true}
	var out bytes.Buffer

	done := runConsole(strings.NewReader("dh\n\neh\ndh\n"), tg, &out)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not finish at end of input")
	}

	if len(tg.calls) != 3 || tg.calls[0] || !tg.calls[1] || tg.calls[2] {
		t.Errorf("calls = %v, want [false true false]", tg.calls)
	}
	if strings.Count(out.String(), "\n") != 3 {
		t.Errorf("output = %q", out.String())
	}
}

func newConfigCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringP("config", "c", defaultConfigPath, "")
	return cmd
}

func TestLoadConfig(t *testing.T) {
	t.Run("default path missing uses defaults", func(t *testing.T) {
		dir := t.TempDir()
		wd, _ := os.Getwd()
		if err := os.Chdir(dir); err != nil {
			t.Fatal(err)
		}
		defer os.Chdir(wd)

		cfg, err := loadConfig(newConfigCmd(t))
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Server.Listen != ":12000" {
			t.Errorf("Listen = %q", cfg.Server.Listen)
		}
	})

	t.Run("explicit path missing fails", func(t *testing.T) {
		cmd := newConfigCmd(t)
		cmd.Flags().Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
		if _, err := loadConfig(cmd); err == nil {
			t.Error("loadConfig() error = nil")
		}
	})

	t.Run("explicit path is loaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.yaml")
		data := "server:\n  name: office\n  listen: \"127.0.0.1:12001\"\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		cmd := newConfigCmd(t)
		cmd.Flags().Set("config", path)

		cfg, err := loadConfig(cmd)
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Server.Name != "office" || cfg.Server.Listen != "127.0.0.1:12001" {
			t.Errorf("server = %+v", cfg.Server)
		}
	})
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &control.StatusResponse{
		Name:              "office",
		Running:           true,
		ListenAddress:     "[::]:12000",
		StartedAt:         time.Now().Add(-2 * time.Hour),
		BridgeCount:       1200,
		HeartbeatsEnabled: false,
	})

	s := out.String()
	for _, want := range []string{"office", "running", "[::]:12000", "2 hours ago", "1,200", "disabled"} {
		if !strings.Contains(s, want) {
			t.Errorf("status output missing %q:\n%s", want, s)
		}
	}
}

func TestPrintBridges(t *testing.T) {
	var out bytes.Buffer
	printBridges(&out, nil)
	if !strings.Contains(out.String(), "No live bridges") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	printBridges(&out, []peer.Info{
		{Name: "lab", Role: peer.RoleBridgeClientSide, Endpoint: "lab.example.com:12000", HeartbeatInterval: 30 * time.Second},
		{Name: "office", Role: peer.RoleBridgeServerSide, RemoteAddr: "10.0.0.2:50123"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), out.String())
	}
	for i, want := range []string{"lab.example.com:12000", "10.0.0.2:50123"} {
		if !strings.Contains(lines[i+1], want) {
			t.Errorf("line %d = %q, want %q", i+1, lines[i+1], want)
		}
	}
	if !strings.Contains(lines[1], "30s") {
		t.Errorf("heartbeat missing: %q", lines[1])
	}
}
