// Package main provides the CLI entry point for the wolbridge relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/wolbridge/internal/config"
	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/lookup"
	"github.com/postalsys/wolbridge/internal/peer"
	"github.com/postalsys/wolbridge/internal/protocol"
	"github.com/postalsys/wolbridge/internal/routing"
	"github.com/postalsys/wolbridge/internal/server"
	"github.com/postalsys/wolbridge/internal/wake"
	"github.com/postalsys/wolbridge/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

const defaultConfigPath = "./wolbridge.yaml"

func main() {
	rootCmd := &cobra.Command{
		Use:   "wolbridge",
		Short: "wolbridge - Wake-on-LAN relay",
		Long: `wolbridge relays Wake-on-LAN commands across networks.

A wakeup names a chain of nodes ending in a computer, for example
"office,lab,desk-42". Each node forwards the rest of the chain over a
persistent bridge or a direct connection, and the last node sends the
magic packet on its local network.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML or TOML)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(wakeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bridgesCmd())
	rootCmd.AddCommand(heartbeatsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file. A missing file is only an error when
// the flag was set explicitly; otherwise defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	var name, listen string
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Start the relay server with the specified configuration.

When standard input is a terminal, typing "dh" disables heartbeat
transmission, "eh" enables it again, and end of input shuts down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Server.Name = name
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			fmt.Printf("Starting wolbridge server %q...\n", srv.Name())

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("Listening on %s (bridges: %d)\n", srv.ListenAddress(), len(cfg.Bridges))
			if cfg.Health.Enabled {
				fmt.Printf("Health endpoint: http://%s/health\n", cfg.Health.Address)
			}
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var eof <-chan struct{}
			if !noConsole && stdinIsTerminal() {
				eof = runConsole(os.Stdin, srv, os.Stdout)
			}

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-eof:
				fmt.Println("\nEnd of input, shutting down...")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Override server.name")
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not read console commands from standard input")

	return cmd
}

func wakeCmd() *cobra.Command {
	var serverAddr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wake <route>",
		Short: "Send a wakeup",
		Long: `Send a wakeup command.

A route with a single element ("desk-42" or a MAC address) is woken on the
local network. A longer route ("office,desk-42") is sent to the server
given by --server or client.server, and the command waits for that
server to acknowledge it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if serverAddr != "" {
				cfg.Client.Server = serverAddr
			}
			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			route := strings.TrimSpace(args[0])
			if route == "" {
				return routing.ErrEmptyPayload
			}

			if !strings.Contains(route, routing.Separator) {
				w := wake.New(wake.Config{
					Port:      cfg.Wake.Port,
					Broadcast: cfg.Wake.Broadcast,
					Count:     cfg.Wake.Count,
					Silent:    cfg.Wake.Silent,
					Computers: lookup.NewComputerTable(cfg.Lookups.ComputersFile, cfg.Lookups.Computers, logger),
					Logger:    logger,
				})
				if err := w.Wake(ctx, route); err != nil {
					return err
				}
				fmt.Printf("Woke %s\n", route)
				return nil
			}

			if cfg.Client.Server == "" {
				return fmt.Errorf("no server to send %q to: use --server or set client.server", route)
			}
			if err := config.ValidateAddress(cfg.Client.Server, false); err != nil {
				return fmt.Errorf("invalid server address: %w", err)
			}

			opts := peer.DefaultOptions()
			opts.Logger = logger
			opts.RetryInterval = cfg.Connections.RetryInterval
			opts.FailureLogInterval = cfg.Connections.FailureLogInterval
			opts.PostSendDelay = cfg.Client.PostSendDelay

			c := peer.NewForeground(ctx, cfg.Client.Server, opts)
			if err := c.Send(protocol.CommandWakeup, route); err != nil {
				return fmt.Errorf("failed to send wakeup: %w", err)
			}

			fmt.Printf("Sent %s to %s\n", route, cfg.Client.Server)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server to send multi-hop wakeups to (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Give up after this long")

	return cmd
}
