// Package wizard provides an interactive setup wizard for wolbridge.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/wolbridge/internal/config"
	"github.com/postalsys/wolbridge/internal/protocol"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string
	Name       string
	Listen     string

	Bridges []config.BridgeConfig

	EndpointsFile string
	BridgesFile   string
	ComputersFile string

	WakePort      int
	WakeCount     int
	WakeBroadcast bool
	WakeSilent    bool

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// DefaultAnswers returns the values the forms start with.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:     "./wolbridge.yaml",
		Name:           def.Server.Name,
		Listen:         def.Server.Listen,
		WakePort:       def.Wake.Port,
		WakeCount:      def.Wake.Count,
		LogLevel:       "info",
		HealthEnabled:  false,
		ControlEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme

	// dialTimeout bounds the optional bridge reachability check
	dialTimeout time.Duration
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme:       huh.ThemeDracula(),
		dialTimeout: 3 * time.Second,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askBridges(&a); err != nil {
		return nil, err
	}
	if err := w.askLookups(&a); err != nil {
		return nil, err
	}
	if err := w.askWake(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
              _ _          _     _
 __      _____ | | |__  _ __(_) __| | __ _  ___
 \ \ /\ / / _ \| | '_ \| '__| |/ _' |/ _' |/ _ \
  \ V  V / (_) | | |_) | |  | | (_| | (_| |  __/
   \_/\_/ \___/|_|_.__/|_|  |_|\__,_|\__, |\___|
                                     |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Wake-on-LAN Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Name this node and choose where it listens."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./wolbridge.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Server Name").
				Description("Other nodes route to this node by this name").
				Value(&a.Name).
				Validate(validateName),

			huh.NewInput().
				Title("Listen Address").
				Description("TCP address for incoming connections").
				Placeholder(fmt.Sprintf(":%d", config.DefaultPort)).
				Value(&a.Listen).
				Validate(func(s string) error {
					return config.ValidateAddress(s, true)
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askBridges(a *Answers) error {
	var addBridges bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Bridges").
				Description("A bridge is a persistent link this node dials.\nUse one to reach a node behind NAT or a firewall."),

			huh.NewConfirm().
				Title("Add bridges?").
				Value(&addBridges),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	addMore := addBridges
	for addMore {
		bridge, err := w.askSingleBridge(len(a.Bridges) + 1)
		if err != nil {
			return err
		}
		a.Bridges = append(a.Bridges, bridge)

		if err := w.testBridgeConnectivity(bridge); err != nil {
			fmt.Println(lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Render(fmt.Sprintf("  ! %s is not reachable right now (%v); it will be retried at runtime", bridge.Address, err)))
		}

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another bridge?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askSingleBridge(num int) (config.BridgeConfig, error) {
	var name, address, heartbeat string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Bridge #%d", num)),

			huh.NewInput().
				Title("Bridge Name").
				Description("Name both ends register the link under").
				Value(&name).
				Validate(validateName),

			huh.NewInput().
				Title("Remote Address").
				Description("Address of the remote node (host:port)").
				Placeholder(fmt.Sprintf("office.example.com:%d", config.DefaultPort)).
				Value(&address).
				Validate(func(s string) error {
					return config.ValidateAddress(s, false)
				}),

			huh.NewInput().
				Title("Heartbeat Seconds").
				Description(fmt.Sprintf("Ask the remote end for heartbeats (empty or 0 disables, minimum %d)", protocol.MinHeartbeatSeconds)).
				Placeholder("0").
				Value(&heartbeat).
				Validate(func(s string) error {
					_, err := parseHeartbeat(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.BridgeConfig{}, err
	}

	secs, _ := parseHeartbeat(heartbeat)
	return config.BridgeConfig{Name: name, Address: address, HeartbeatSeconds: secs}, nil
}

// testBridgeConnectivity checks that the bridge address accepts TCP connections.
func (w *Wizard) testBridgeConnectivity(b config.BridgeConfig) error {
	conn, err := net.DialTimeout("tcp", b.Address, w.dialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (w *Wizard) askLookups(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Lookup Files").
				Description("Optional flat files, one entry per line.\nLines starting with * are comments. Leave empty to skip."),

			huh.NewInput().
				Title("Endpoints File").
				Description("name host:port, used when no bridge matches").
				Value(&a.EndpointsFile).
				Validate(validateOptionalFile),

			huh.NewInput().
				Title("Bridges File").
				Description("name host:port [heartbeat], opened at startup").
				Value(&a.BridgesFile).
				Validate(validateOptionalFile),

			huh.NewInput().
				Title("Computers File").
				Description("name MAC, for waking local computers by name").
				Value(&a.ComputersFile).
				Validate(validateOptionalFile),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askWake(a *Answers) error {
	port := strconv.Itoa(a.WakePort)
	count := strconv.Itoa(a.WakeCount)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Wake-on-LAN").
				Description("How magic packets are sent on the local network."),

			huh.NewInput().
				Title("UDP Port").
				Value(&port).
				Validate(validatePort),

			huh.NewInput().
				Title("Packets Per Target").
				Value(&count).
				Validate(validatePositive),

			huh.NewConfirm().
				Title("Use 255.255.255.255?").
				Description("Otherwise each interface's broadcast address is used").
				Value(&a.WakeBroadcast),

			huh.NewConfirm().
				Title("Silent mode?").
				Description("Log wakes instead of sending packets").
				Value(&a.WakeSilent),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.WakePort, _ = strconv.Atoi(strings.TrimSpace(port))
	a.WakeCount, _ = strconv.Atoi(strings.TrimSpace(count))
	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, bridges, heartbeats)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Server.Name = strings.TrimSpace(a.Name)
	cfg.Server.Listen = a.Listen
	cfg.Server.LogLevel = a.LogLevel
	cfg.Server.LogFormat = "text"
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if len(a.Bridges) > 0 {
		cfg.Bridges = append([]config.BridgeConfig(nil), a.Bridges...)
	}

	cfg.Lookups.EndpointsFile = a.EndpointsFile
	cfg.Lookups.BridgesFile = a.BridgesFile
	cfg.Lookups.ComputersFile = a.ComputersFile

	if a.WakePort > 0 {
		cfg.Wake.Port = a.WakePort
	}
	if a.WakeCount > 0 {
		cfg.Wake.Count = a.WakeCount
	}
	cfg.Wake.Broadcast = a.WakeBroadcast
	cfg.Wake.Silent = a.WakeSilent

	cfg.Health.Enabled = a.HealthEnabled

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled && a.ConfigPath != "" {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.ConfigPath), "wolbridge.sock")
	}

	return cfg
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# wolbridge configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Server name:  %s\n", cfg.Server.Name)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listener:     tcp://%s\n", cfg.Server.Listen)

	for _, b := range cfg.Bridges {
		fmt.Printf("  Bridge:       %s -> %s\n", b.Name, b.Address)
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Printf("    wolbridge serve -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".yaml", ".yml", ".toml":
		return nil
	}
	return fmt.Errorf("config file should have a .yaml, .yml or .toml extension")
}

func validateName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(s, ",") {
		return fmt.Errorf("name must not contain a comma")
	}
	if strings.ContainsAny(s, " \t") {
		return fmt.Errorf("name must not contain whitespace")
	}
	return nil
}

// parseHeartbeat accepts an empty string or 0 (no heartbeats) or an
// interval of at least the protocol minimum.
func parseHeartbeat(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("heartbeat must be a whole number of seconds")
	}
	if n > 0 && n < protocol.MinHeartbeatSeconds {
		return 0, fmt.Errorf("heartbeat must be at least %d seconds", protocol.MinHeartbeatSeconds)
	}
	return n, nil
}

func validateOptionalFile(s string) error {
	if s == "" {
		return nil
	}
	info, err := os.Stat(s)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", s, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", s)
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}
