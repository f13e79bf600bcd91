// Package main provides the CLI entry point for the relais-agent
// reverse-tunnel client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/relais-tunnel/relais-agent/internal/config"
	"github.com/relais-tunnel/relais-agent/internal/control"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/metrics"
	"github.com/relais-tunnel/relais-agent/internal/protocol"
	"github.com/relais-tunnel/relais-agent/internal/reliability"
	"github.com/relais-tunnel/relais-agent/internal/supervisor"
	"github.com/relais-tunnel/relais-agent/internal/tokenstore"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "relais-agent",
		Short: "Relais reverse-tunnel client agent",
		Long: `relais-agent exposes a local TCP or HTTP service through a remote
relay. It dials out over an encrypted control channel, requests a
public endpoint, and splices every data channel the relay opens back
to the local service until it is told to stop.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	tunnel := tunnelCmd()
	tunnel.GroupID = "start"
	rootCmd.AddCommand(tunnel)

	setToken := setTokenCmd()
	setToken.GroupID = "admin"
	rootCmd.AddCommand(setToken)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <token>",
		Short: "Save the relay auth token",
		Long: `Writes the auth token to the platform-conventional token file with
owner-only permissions. The running agent reads this file only at
startup; set-token never touches a live session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tokenstore.Save(args[0]); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			path, err := tokenstore.Path()
			if err != nil {
				return err
			}
			fmt.Printf("Token saved to %s\n", path)
			return nil
		},
	}
}

func tunnelCmd() *cobra.Command {
	var (
		localPort           int
		localHost           string
		relayAddr           string
		protoFlag           string
		domain              string
		remotePort          int
		token               string
		timeoutSeconds      int
		healthCheck         bool
		noHealthCheck       bool
		healthCheckInterval int
		insecure            bool
		verbose             bool
	)

	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Start the reverse tunnel and keep it alive",
		Long: `tunnel dials the relay, establishes the encrypted control channel,
requests a public endpoint for a local service, and then runs the
reconnect supervisor forever. Only an authentication failure ends the
process; every other error is retried according to its kind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveInteractive(&localPort, &relayAddr); err != nil {
				return err
			}
			if localPort <= 0 {
				return fmt.Errorf("local port is required: use -p")
			}
			if relayAddr == "" {
				return fmt.Errorf("relay address is required: use -s")
			}

			if token == "" {
				if saved, err := tokenstore.Load(); err == nil {
					token = saved
				} else if !errors.Is(err, tokenstore.ErrNoToken) {
					return fmt.Errorf("load saved token: %w", err)
				}
			}

			if noHealthCheck {
				healthCheck = false
			}

			cfg := &config.Session{
				LocalHost:           localHost,
				LocalPort:           localPort,
				RelayAddr:           relayAddr,
				Protocol:            protocol.ProtocolKind(protoFlag),
				Domain:              domain,
				RequestedPort:       remotePort,
				Token:               token,
				EstablishTimeout:    secondsToDuration(timeoutSeconds),
				HealthCheckInterval: secondsToDuration(healthCheckInterval),
				HealthCheckEnabled:  healthCheck,
				EncryptionEnabled:   !insecure,
				Verbose:             verbose,
			}

			warnings, err := cfg.Validate()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level := "info"
			if verbose {
				level = "debug"
			}
			color := term.IsTerminal(int(os.Stdout.Fd()))
			base := logging.NewLoggerWithWriter(level, "text", os.Stderr).Handler()
			logger := logging.NewLoggerFromHandler(newStatusHandler(base, color))

			for _, w := range warnings {
				logger.Warn("configuration value clamped", logging.KeyComponent, "cli", "field", w.Field, "detail", w.Message)
			}

			m := metrics.Default()

			newSession := func() supervisor.Runner {
				sess := control.New(cfg, logger)
				sess.SetMetrics(m)
				return sess
			}

			sv := supervisor.New(cfg, newSession, control.RelayHealthURL(cfg.RelayAddr), logger)
			sv.SetMetrics(m)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = sv.Run(ctx)
			if errors.Is(err, supervisor.ErrAuthFatal) {
				os.Exit(reliability.AuthErrorExitCode)
			}
			if errors.Is(err, context.Canceled) {
				fmt.Println("shutting down")
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&localPort, "port", "p", 0, "local port to expose (required)")
	cmd.Flags().StringVarP(&localHost, "host", "h", "localhost", "local host the service listens on")
	cmd.Flags().StringVarP(&relayAddr, "server", "s", "", "relay control address (host:port, required)")
	cmd.Flags().StringVarP(&protoFlag, "type", "t", string(protocol.ProtocolHTTP), "tunnel protocol: http or tcp")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "request a specific custom domain")
	cmd.Flags().IntVarP(&remotePort, "remote-port", "r", 0, "request a specific remote port (tcp tunnels only)")
	cmd.Flags().StringVarP(&token, "key", "k", "", "auth token (falls back to the saved token file)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 30, "establishment timeout in seconds")
	cmd.Flags().BoolVar(&healthCheck, "health-check", true, "enable relay and tunnel health monitoring")
	cmd.Flags().BoolVar(&noHealthCheck, "no-health-check", false, "disable relay and tunnel health monitoring")
	cmd.Flags().IntVar(&healthCheckInterval, "health-check-interval", 30, "health check interval in seconds")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "disable the encrypted control channel handshake")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "emit per-frame and per-transition trace logging")
	cmd.MarkFlagsMutuallyExclusive("health-check", "no-health-check")

	return cmd
}

// resolveInteractive fills in a missing local port or relay address from
// an interactive prompt when stdin is a terminal, instead of failing
// outright on missing flags. Non-interactive runs are left untouched; the
// caller turns a still-missing value into the required exit-1 error.
func resolveInteractive(localPort *int, relayAddr *string) error {
	if *localPort > 0 && *relayAddr != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	var portStr string
	if *localPort > 0 {
		portStr = strconv.Itoa(*localPort)
	}
	var fields []huh.Field
	if *localPort <= 0 {
		fields = append(fields, huh.NewInput().
			Title("Local port").
			Description("TCP port the local service listens on").
			Value(&portStr))
	}
	if *relayAddr == "" {
		fields = append(fields, huh.NewInput().
			Title("Relay address").
			Description("host:port of the relay's control endpoint").
			Value(relayAddr))
	}
	if len(fields) == 0 {
		return nil
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive setup cancelled: %w", err)
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid local port %q: %w", portStr, err)
		}
		*localPort = port
	}
	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
