package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/portpilot/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{in: os.Stdin, out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildRoot wires every subcommand to cmd, filling in its global flags.
func buildRoot(cmd command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd.global = globalFlags

	root := createRootCommand(globalFlags)
	root.SetOut(cmd.out)
	root.AddCommand(
		createStartCommand(cmd, &StartFlags{}),
		createProbeCommand(cmd, &ProbeFlags{}),
		createWhoCommand(cmd),
		createFreeCommand(cmd),
		createServeCommand(cmd, &ServeFlags{}),
		createListCommand(cmd, &RemoteFlags{}),
		createStopCommand(cmd, &StopFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "portpilot",
		Short: "Start dev servers on the ports they want",
		Long: `Portpilot starts local development servers, negotiates with whatever
already listens on the desired port, and stops them cleanly.

Examples:
  portpilot start --framework=vite --dir=./web
  portpilot start web                       # [[servers]] entry from portpilot.toml
  portpilot probe 3000 --count=5
  portpilot who 5173
  portpilot free 5173
  portpilot serve                           # HTTP API daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./portpilot.toml when present)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text, json")
	return root
}

func createStartCommand(c command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [server]",
		Short: "Run a dev server in the foreground",
		Long: `Start a dev server and stream its output until it exits or you press Ctrl+C.
A server name refers to a [[servers]] entry in the config; flags override it.

When the port is taken by another server of the same workspace you are asked
what to do, unless --answer is set or stdin is not a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.Start(ctx, *flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name")
	cmd.Flags().StringVar(&flags.Framework, "framework", "", "framework preset (vite, next, astro, ...)")
	cmd.Flags().StringVar(&flags.Command, "command", "", "command to run")
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "working directory")
	cmd.Flags().StringVar(&flags.Workspace, "workspace", "", "workspace root (defaults to --dir)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "desired port (defaults to the framework's)")
	cmd.Flags().StringVar(&flags.Policy, "policy", "", "port conflict policy: ask, cooperative, aggressive")
	cmd.Flags().StringVar(&flags.ForeignPolicy, "foreign-policy", "", "policy for ports held by other programs: alternative, stop, ask, cancel")
	cmd.Flags().StringSliceVar(&flags.EnvKVs, "env", nil, "extra KEY=VALUE environment entries")
	cmd.Flags().StringSliceVar(&flags.EnvFiles, "env-file", nil, "dotenv files to load")
	cmd.Flags().BoolVar(&flags.UseOSEnv, "use-os-env", false, "pass the current environment to the server")
	cmd.Flags().DurationVar(&flags.ReadyTimeout, "ready-timeout", 0, "how long to wait for the server to report ready")
	cmd.Flags().StringVar(&flags.Answer, "answer", "", "answer conflict prompts with: alternative, stop, cancel")
	return cmd
}

func createProbeCommand(c command, flags *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <port>",
		Short: "Check whether a port is free and suggest alternatives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return c.Probe(cmd.Context(), port, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Framework, "framework", "", "try this framework's alternate ports first")
	cmd.Flags().IntVar(&flags.Count, "count", 3, "number of alternatives to list")
	return cmd
}

func createWhoCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "who <port>",
		Short: "Show which process listens on a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return c.Who(cmd.Context(), port)
		},
	}
}

func createFreeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "free <port>",
		Short: "Stop whatever listens on a port",
		Long: `Stop the process listening on a port with the configured shutdown plan:
interrupt, then terminate, then kill.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return c.Free(cmd.Context(), port)
		},
	}
}

func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API daemon",
		Long: `Run the HTTP API. Listen address and base path come from the [server]
section of the config unless overridden.

Examples:
  portpilot serve
  portpilot serve --listen=127.0.0.1:7272 --base-path=/pp
  portpilot serve --daemonize --pidfile=/tmp/portpilot.pid --logfile=/tmp/portpilot.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.Serve(ctx, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default "+client.DefaultBaseURL+")")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.Insecure, "api-insecure", false, "skip TLS verification of an HTTPS daemon")
	cmd.Flags().StringVar(&flags.CACert, "api-ca", "", "CA certificate of an HTTPS daemon (its tls_ca.crt)")
}

func createListCommand(c command, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List servers managed by a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *flags)
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createStopCommand(c command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server managed by a running daemon",
		Long: `Stop a server on a running daemon, selected by id or by workspace and port.

Examples:
  portpilot stop --id=4f1c...
  portpilot stop --workspace=. --port=5173`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id")
	cmd.Flags().StringVar(&flags.Workspace, "workspace", "", "workspace root")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "desired port the server was started with")
	addRemoteFlags(cmd, &flags.RemoteFlags)
	return cmd
}
