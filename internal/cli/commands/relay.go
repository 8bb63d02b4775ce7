// Package commands provides CLI subcommands for Robolink.
package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robolink/robolink/internal/config"
	"github.com/robolink/robolink/internal/keepalive"
	"github.com/robolink/robolink/internal/reaper"
	"github.com/robolink/robolink/internal/relay"
	"github.com/robolink/robolink/internal/sched"
	"github.com/robolink/robolink/internal/session"
	"github.com/robolink/robolink/internal/store"
)

// NewRelayCommand creates the relay subcommand.
func NewRelayCommand() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the relay server",
		Long: `Start the signaling relay: the websocket channel endpoint, the
signal router, and the scheduled reaper and keepalive jobs.`,
		Example: `  robolink relay
  robolink relay --host 0.0.0.0 --port 9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Relay.Host = host
			}
			if port != 0 {
				cfg.Relay.Port = port
			}
			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind host (default: from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "bind port (default: from config)")

	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func runRelay(cfg *config.Config) error {
	logger := newLogger(cfg)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var sessions session.Closer = session.NopCloser{}
	if cfg.Session.Endpoint != "" {
		sessions = session.NewClient(cfg.Session.Endpoint, cfg.Session.Token, logger)
	}

	server := relay.New(cfg, st, logger)

	reap := reaper.New(reaper.Config{
		Staleness:    cfg.Liveness.Staleness,
		GraceWindow:  cfg.Liveness.GraceWindow,
		MinBatchSize: cfg.Liveness.MinBatchSize,
		MaxBatches:   cfg.Liveness.MaxBatches,
		Strict:       cfg.Liveness.Strict,
		RunBudget:    cfg.Liveness.RunBudget,
		LockPath:     filepath.Join(config.StateDir(), "reaper.lock"),
	}, st, server.Hub(), sessions, logger)

	pinger := keepalive.New(keepalive.Config{
		MaxPages: cfg.Keepalive.MaxPages,
	}, st, server.Hub(), logger)

	scheduler := sched.NewScheduler(logger)
	if err := scheduler.AddJob("reaper", cfg.Liveness.Interval, cfg.Liveness.RunBudget, func(ctx context.Context) (interface{}, error) {
		return reap.Run(ctx)
	}); err != nil {
		return err
	}
	if err := scheduler.AddJob("keepalive", cfg.Keepalive.Interval, 0, func(ctx context.Context) (interface{}, error) {
		return pinger.Run(ctx)
	}); err != nil {
		return err
	}

	// Manual runs go through the scheduler so its overlap guard covers
	// both the timer and the HTTP trigger.
	server.RegisterJob("reaper", func(ctx context.Context) (interface{}, error) {
		return scheduler.RunNow("reaper")
	})
	server.RegisterJob("keepalive", func(ctx context.Context) (interface{}, error) {
		return scheduler.RunNow("keepalive")
	})

	scheduler.Start()
	defer scheduler.Stop()

	return server.Start()
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.Store.Path == "" {
		logger.Warn().Msg("no store path configured, using in-memory registry")
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.Store.Path, logger)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
