// keyguardd is the keystroke-dynamics intrusion detection daemon.
//
// It captures key timing, enrolls users, trains per-user classifiers and
// watches live typing for impostors. Operators drive it with keyguardctl
// over a local socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"keyguard/internal/config"
	"keyguard/internal/daemon"
	"keyguard/internal/logging"
	"keyguard/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "keyguardd",
		Short:         "Keystroke-dynamics intrusion detection daemon",
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file (default: platform config dir)")
	root.Flags().String("data-dir", "", "override the storage root")
	root.Flags().Bool("simulate", false, "type a synthetic profile instead of reading a keyboard")
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE:  runDaemon,
	}
	run.Flags().AddFlagSet(root.Flags())
	root.AddCommand(run, newConfigCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "keyguardd", root.Version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer loader.Close()

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.Root = dir
	}
	if sim, _ := cmd.Flags().GetBool("simulate"); sim {
		cfg.Capture.Source = "simulated"
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	opts := []daemon.Option{daemon.WithLogger(logger.Logger), daemon.WithVersion(version)}
	if cfg.Metrics.Enabled {
		opts = append(opts, daemon.WithMetrics(metrics.New()))
	}
	d, err := daemon.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	var mu sync.Mutex
	current := cfg
	loader.OnChange(func(_, next *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		next.Storage.Root = current.Storage.Root
		next.Capture.Source = current.Capture.Source
		d.Apply(current, next)
		current = next
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", path, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := loader.Reload(); err != nil {
					logger.Warn("reload config", "error", err)
				}
			case err := <-loader.Errors():
				logger.Warn("config watcher", "error", err)
			}
		}
	}()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("keyguardd stopped")
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	var err error
	if lc.Level, err = logging.ParseLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	if lc.Format, err = logging.ParseFormat(cfg.Logging.Format); err != nil {
		return nil, err
	}
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.LogPath()
	lc.MaxSize = cfg.Logging.MaxSizeMB
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	lc.RedactPatterns = cfg.Logging.Redact
	lc.Component = "keyguardd"
	return logging.New(lc)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as TOML",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration if none exists",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Flags().GetString("config")
				if path == "" {
					path = config.ConfigPath()
				}
				_, created, err := config.LoadOrCreate(path)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), path, "already exists")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration file",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
				return nil
			},
		},
	)
	return cmd
}
