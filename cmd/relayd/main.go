// Command relayd is the gateway entry point.
//
// relayd accepts ground stations, vehicles and API clients over TCP, QUIC,
// WebSocket and WebRTC, authenticates them, records missions and relays
// mavlink between connections that share a vehicle.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gigglesninja/senior-design/internal/app"
	"github.com/gigglesninja/senior-design/internal/auth"
	"github.com/gigglesninja/senior-design/internal/config"
	"github.com/gigglesninja/senior-design/internal/transport"
	"github.com/gigglesninja/senior-design/internal/util"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Telemetry gateway and mavlink relay for ground stations and vehicles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd(), hashpwCmd())
	return root
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		cfgPath string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Root context, cancelled on Ctrl+C or SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgPath, debug)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to relayd.yaml (default: search ., ./configs, ~/.relayd)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func hashpwCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hashpw [password]",
		Short: "Print a bcrypt hash for provisioning a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				pw = askPassword()
			}
			hash, err := auth.HashPassword(pw, cost)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", config.Default().Auth.BcryptCost, "bcrypt cost")
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runServe loads configuration, opens the stores and serves until ctx ends.
func runServe(ctx context.Context, cfgPath string, debug bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	closer, err := util.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	pterm.Info.Println(fmt.Sprintf("relayd v%s (protocol %d)", version, cfg.ProtocolVersion))
	pterm.Println()
	printEndpoints(cfg)

	srv, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer srv.Close()

	srv.OnListen = func(kind transport.Kind, addr net.Addr) {
		util.LogSuccess("%s listening on %s", kind, addr)
	}

	util.StartStatsReporter(ctx)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	util.LogInfo("all connections closed, bye")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// printEndpoints renders the configured listeners as a table.
func printEndpoints(cfg *config.Config) {
	rows := [][]string{{"Transport", "Address"}}
	add := func(name, addr string) {
		if addr != "" {
			rows = append(rows, []string{name, addr})
		}
	}
	add("tcp", cfg.Listen.TCP)
	add("quic", cfg.Listen.QUIC)
	if cfg.Listen.HTTP != "" {
		add("websocket", cfg.Listen.HTTP+"/ws")
		add("webrtc signaling", cfg.Listen.HTTP+"/rtc")
		if cfg.Admin.APIKey != "" {
			add("status api", cfg.Listen.HTTP+"/api")
		}
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		util.LogDebug("render endpoint table: %v", err)
	}
	pterm.Println()
}

// askPassword prompts until a non-empty password is entered.
func askPassword() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithMask("*").
			WithDefaultText("Password to hash").
			Show()

		if pw := strings.TrimSpace(raw); pw != "" {
			pterm.Println()
			return pw
		}
		util.LogWarning("password must not be empty")
	}
}
