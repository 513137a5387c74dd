// Command bevy-debugger is the MCP↔BRP debugging bridge (spec §6.3): it
// speaks MCP tool calls on one side and the Bevy Remote Protocol on the
// other. Besides the spec §6.3 flags and environment variables it takes
// --diagnostics-addr, --data-dir, --principal-capabilities and
// --tcp-auth-secret, and has a version subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries the process exit code a failure should produce, per
// spec §6.3: 1 on initialization failure, 2 on transport fatal error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(runMain())
}

func runMain() int {
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.err)
			return ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		if ctx.Err() != nil {
			return 130
		}
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	var stdioFlag, tcpFlag bool

	root := &cobra.Command{
		Use:   "bevy-debugger",
		Short: "MCP bridge between an AI agent and a running Bevy game's Remote Protocol endpoint",
		Long: `bevy-debugger exposes Bevy's entity/component state, experiment and
stress-test tooling, and hypothesis/anomaly analysis to an MCP-speaking
AI agent, relaying to the game process over the Bevy Remote Protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case stdioFlag && tcpFlag:
				return &exitError{code: 1, err: fmt.Errorf("--stdio and --tcp are mutually exclusive")}
			case stdioFlag:
				cfg.Mode = config.TransportStdio
			case tcpFlag:
				cfg.Mode = config.TransportTCP
			default:
				return &exitError{code: 1, err: fmt.Errorf("exactly one of --stdio or --tcp is required")}
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: 1, err: err}
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().BoolVar(&stdioFlag, "stdio", false, "serve MCP over stdin/stdout (newline-delimited JSON-RPC)")
	root.Flags().BoolVar(&tcpFlag, "tcp", false, "serve MCP over TCP (length-prefixed JSON-RPC)")

	root.PersistentFlags().StringVar(&cfg.BRPHost, "brp-host", config.EnvOrDefault("BEVY_BRP_HOST", "localhost"), "Bevy Remote Protocol host")
	root.PersistentFlags().IntVar(&cfg.BRPPort, "brp-port", envOrDefaultInt("BEVY_BRP_PORT", 15702), "Bevy Remote Protocol port")
	root.PersistentFlags().IntVar(&cfg.MCPPort, "mcp-port", envOrDefaultInt("MCP_PORT", 3000), "MCP TCP listen port (tcp mode only)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.DiagnosticsAddr, "diagnostics-addr", config.EnvOrDefault("BEVY_DIAGNOSTICS_ADDR", ""), "Loopback address for the health/debug HTTP surface (empty disables it)")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", config.EnvOrDefault("BEVY_DATA_DIR", "./data"), "Directory for session/checkpoint persistence")
	root.PersistentFlags().StringVar(&cfg.PrincipalCapabilitiesCSV, "principal-capabilities", config.EnvOrDefault("BEVY_PRINCIPAL_CAPS", "read,write,admin,stress,replay"), "Capabilities granted to the single stdio-mode principal")
	root.PersistentFlags().StringVar(&cfg.TCPAuthSecret, "tcp-auth-secret", config.EnvOrDefault("BEVY_TCP_AUTH_SECRET", ""), "Shared secret TCP bearer tokens are signed/validated against (required in tcp mode)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bevy-debugger %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := config.EnvOrDefault(key, "")
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
