package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/wolbridge/internal/control"
	"github.com/postalsys/wolbridge/internal/peer"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
	valueStyle = lipgloss.NewStyle().Bold(true)
	onStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
)

// controlClient builds a client for the --socket flag, falling back to the
// configured control socket.
func controlClient(cmd *cobra.Command) (*control.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")
	if socket == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		socket = cfg.Control.SocketPath
	}
	return control.NewClient(socket), nil
}

func addSocketFlag(cmd *cobra.Command) {
	cmd.Flags().String("socket", "", "Control socket path (default from config)")
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}
			printStatus(os.Stdout, st)
			return nil
		},
	}
	addSocketFlag(cmd)
	return cmd
}

func bridgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "List the live bridges of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			resp, err := client.Bridges(ctx)
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}
			printBridges(os.Stdout, resp.Bridges)
			return nil
		},
	}
	addSocketFlag(cmd)
	return cmd
}

func heartbeatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "heartbeats [enable|disable]",
		Short:     "Show or toggle heartbeat transmission",
		Long:      "Without an argument, print whether the server sends heartbeats.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"enable", "disable"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var enabled bool
			if len(args) == 0 {
				enabled, err = client.Heartbeats(ctx)
			} else {
				enabled, err = client.SetHeartbeats(ctx, args[0] == "enable")
			}
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}
			fmt.Printf("Heartbeats: %s\n", onOff(enabled))
			return nil
		},
	}
	addSocketFlag(cmd)
	return cmd
}

func onOff(enabled bool) string {
	if enabled {
		return onStyle.Render("enabled")
	}
	return offStyle.Render("disabled")
}

func printStatus(w io.Writer, st *control.StatusResponse) {
	row := func(label, value string) {
		fmt.Fprintln(w, labelStyle.Render(label)+value)
	}

	row("Name", valueStyle.Render(st.Name))
	if st.Running {
		row("State", onStyle.Render("running"))
	} else {
		row("State", offStyle.Render("stopped"))
	}
	row("Listening", st.ListenAddress)
	if !st.StartedAt.IsZero() {
		row("Started", humanize.Time(st.StartedAt))
	}
	row("Bridges", humanize.Comma(int64(st.BridgeCount)))
	row("Heartbeats", onOff(st.HeartbeatsEnabled))
}

var bridgeColumns = []struct {
	title string
	width int
}{
	{"NAME", 16},
	{"ROLE", 15},
	{"PEER", 24},
	{"HEARTBEAT", 11},
	{"CONNECTED", 0},
}

func printBridges(w io.Writer, bridges []peer.Info) {
	if len(bridges) == 0 {
		fmt.Fprintln(w, "No live bridges.")
		return
	}

	cells := func(values ...string) string {
		var b strings.Builder
		for i, v := range values {
			b.WriteString(lipgloss.NewStyle().Width(bridgeColumns[i].width).Render(v))
		}
		return b.String()
	}

	titles := make([]string, len(bridgeColumns))
	for i, c := range bridgeColumns {
		titles[i] = c.title
	}
	fmt.Fprintln(w, headStyle.Render(cells(titles...)))

	for _, b := range bridges {
		addr := b.Endpoint
		if addr == "" {
			addr = b.RemoteAddr
		}
		hb := "-"
		if b.HeartbeatInterval > 0 {
			hb = b.HeartbeatInterval.String()
		}
		since := "-"
		if !b.ConnectedSince.IsZero() {
			since = humanize.Time(b.ConnectedSince)
		}
		fmt.Fprintln(w, cells(b.Name, b.Role.String(), addr, hb, since))
	}
}
