package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c),
		createFallbackCommand(c, &FallbackFlags{}),
		createResolveCommand(c),
		createBootstrapCommand(c),
		createStatusCommand(c, &APIFlags{}),
		createStartCommand(c, &APIFlags{}),
		createStopCommand(c, &APIFlags{}),
		createRestartCommand(c, &APIFlags{}),
		createPlatformCommand(c, &APIFlags{}),
		createOpenCommand(c, &APIFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "cipherhost",
		Short:         "Host and supervise the embedded Cipher backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `cipherhost locates the bundled Rails backend, prepares its database,
supervises the backend process and serves built-in pages whenever the
backend is unavailable.

Examples:
  cipherhost run                          # Launch backend + fallback + control API
  cipherhost run --config=cipherhost.toml
  cipherhost status                       # Ask a running host for backend status
  cipherhost fallback --listen=127.0.0.1:3000`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Launch the host",
		Long: `Resolve the backend bundle, prepare the database and start the backend,
serving the fallback pages while it warms up (or permanently when no bundle
is present or the platform is mobile). The control API listens on
[server].listen until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// createFallbackCommand creates the fallback subcommand
func createFallbackCommand(c command, flags *FallbackFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Serve only the built-in pages",
		Long: `Serve the built-in pages without starting the backend.

Examples:
  cipherhost fallback
  cipherhost fallback --listen=127.0.0.1:3300 --starting`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fallback(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (defaults to [fallback].listen)")
	cmd.Flags().BoolVar(&flags.Starting, "starting", false, "serve the backend-starting page for every route")
	return cmd
}

// createResolveCommand creates the resolve subcommand
func createResolveCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Print the backend root that would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resolve(cmd.OutOrStdout())
		},
	}
}

// createBootstrapCommand creates the bootstrap subcommand
func createBootstrapCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Prepare the backend database without starting it",
		Long: `Run the database preparation chain (schema load, falling back to migrate)
against the resolved backend root and print the outcome with per-step
diagnostics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Bootstrap(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (defaults to [server].listen + base_path)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", timeout, "request timeout")
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend status",
		Long: `Show the backend status reported by a running host.

Examples:
  cipherhost status
  cipherhost status --api-url=http://127.0.0.1:7420/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	addAPIFlags(cmd, flags, 10*time.Second)
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the backend on a running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	addAPIFlags(cmd, flags, 60*time.Second)
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend on a running host",
		Long: `Stop the backend on a running host.

Examples:
  cipherhost stop
  cipherhost stop --wait=5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "time to wait for the backend to exit (server default when 0)")
	addAPIFlags(cmd, flags, 60*time.Second)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the backend on a running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "time to wait for the backend to exit (server default when 0)")
	addAPIFlags(cmd, flags, 90*time.Second)
	return cmd
}

// createPlatformCommand creates the platform subcommand
func createPlatformCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Print the platform tag of a running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Platform(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	addAPIFlags(cmd, flags, 10*time.Second)
	return cmd
}

// createOpenCommand creates the open subcommand
func createOpenCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Open an http(s) URL in the system browser via the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Open(cmd.Context(), cmd.OutOrStdout(), *flags, args[0])
		},
	}
	addAPIFlags(cmd, flags, 10*time.Second)
	return cmd
}
