package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/keel/config"
	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/status"
)

var version = "dev"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &application{level: &levelVar, logger: logging.NewCLI(os.Stdout, &levelVar)}
	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		app.logger.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// application carries what the root command resolves for its subcommands.
type application struct {
	level  *slog.LevelVar
	logger *slog.Logger
	cfg    config.Config

	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand(app *application) *cobra.Command {
	root := &cobra.Command{
		Use:           "keel",
		Short:         "Run a headless Windows guest VM exposing its container engine API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "YAML configuration file (environment variables take precedence)")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Log verbosity (debug, info, success, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&app.logFormat, "log-format", "", "Log format (cli, json); overrides LOG_FORMAT")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return app.load(cmd.Name() != "version")
	}

	root.AddCommand(
		newRunCommand(app),
		newBuildCommand(app),
		newNetworkCommand(app),
		newStatusCommand(app),
		newVersionCommand(),
	)
	return root
}

// load resolves configuration and logging. Flags win over the environment,
// which wins over the file.
func (app *application) load(validate bool) error {
	cfg := config.Default()
	if app.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(cfg, app.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Load(cfg, os.LookupEnv)
	if err != nil {
		return err
	}
	if app.logLevel != "" {
		cfg.LogLevel = app.logLevel
	}
	if app.logFormat != "" {
		cfg.LogFormat = app.logFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	app.level.Set(level)
	app.logger = logging.New(format, os.Stdout, app.level)
	slog.SetDefault(app.logger)

	if validate {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	app.cfg = cfg
	return nil
}

func newRunCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the sandbox VM and keep its API healthy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := app.logger.With("command", "run")
			logger.Info("starting sandbox; press Ctrl+C to stop",
				"template", app.cfg.TemplatePath,
				"memory", app.cfg.RAMSize,
				"cpus", app.cfg.CPUCores,
			)
			if err := simple.Run(cmd.Context(), app.cfg, logger); err != nil {
				return err
			}
			logger.Info("sandbox stopped")
			return nil
		},
	}
}

func newBuildCommand(app *application) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the template image from the installation media",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := app.logger.With("command", "build")
			err := simple.Build(cmd.Context(), app.cfg, force, logger)
			if errors.Is(err, context.Canceled) {
				logger.Warn("build interrupted")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the template already exists")
	return cmd
}

func newNetworkCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Inspect host networking",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Show the network mode a run would select, without changing the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := simple.ProbeNetwork(cmd.Context(), app.cfg, app.logger.With("command", "network.probe"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), simple.Describe(mode))
			return nil
		},
	})
	return cmd
}

func newStatusCommand(app *application) *cobra.Command {
	var asJSON, check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the status server of a running sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.cfg.StatusAddr == "" {
				return errors.New("STATUS_ADDR is not set")
			}
			client := status.NewClient(app.cfg.StatusAddr)
			out := cmd.OutOrStdout()
			if check {
				healthy, state, err := client.Healthy(cmd.Context())
				if err != nil {
					return err
				}
				if !healthy {
					return fmt.Errorf("sandbox is not healthy (state %s)", state)
				}
				fmt.Fprintln(out, "healthy")
				return nil
			}

			snap, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprintf(out, "run %s: %s (api healthy: %t)\n", snap.RunID, snap.State, snap.APIHealthy)
			if snap.Mode != "" {
				fmt.Fprintf(out, "  %s: %s\n  api %s\n  app %s\n", snap.Mode, snap.Network, snap.API, snap.App)
			}
			if snap.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", snap.Error)
			}
			if !snap.Healthy() {
				return fmt.Errorf("sandbox is not healthy (state %s)", snap.State)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot")
	cmd.Flags().BoolVar(&check, "check", false, "Only query health; for container health checks")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "keel", version)
		},
	}
}
