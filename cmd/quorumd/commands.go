package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aurigraph/quorum-engine/config"
	"github.com/aurigraph/quorum-engine/db"
	"github.com/aurigraph/quorum-engine/engine"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/ingest"
	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/policy"
	"github.com/aurigraph/quorum-engine/queue"
	"github.com/aurigraph/quorum-engine/recovery"
	"github.com/aurigraph/quorum-engine/telemetry"
)

// Version info, set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	dbFileName           = "quorum_data.db"
	notificationBufSize  = 1024
	defaultHomeDirSuffix = ".quorumd"
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
}

func startCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the quorum engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveHome(home)
			if err != nil {
				return err
			}

			cfg, err := config.Load(dataDir)
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
			log.Info().Str("data_dir", dataDir).Stringer("config", cfg).Msg("starting quorumd")

			database, err := db.OpenFileDB(dataDir, dbFileName, true)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics := telemetry.NewMetrics()
			notifier := engine.NewChannelNotifier(notificationBufSize, log)

			st := entitystore.NewStore(database.Client(), log)
			resolver := policy.NewResolver(cfg)
			eng := engine.New(st, resolver, cfg, log, engine.Options{
				Metrics:  metrics,
				Notifier: notifier,
			})

			submitQueue := queue.New[engine.SubmitRequest]()
			worker := ingest.NewWorker(ingest.Config{
				Engine:    eng,
				Queue:     submitQueue,
				Metrics:   metrics,
				BatchSize: cfg.QueueMaxBatchSize,
				MaxWait:   cfg.QueueMaxWait(),
				Logger:    log,
			})
			worker.Start(ctx)

			sweeper := recovery.NewSweeper(recovery.Config{
				Engine:        eng,
				Metrics:       metrics,
				SweepInterval: cfg.SweepInterval(),
				StuckAge:      cfg.StuckAge(),
				AutoRetry:     cfg.AutoRetry,
				Logger:        log,
			})
			sweeper.Start(ctx)

			go logNotifications(ctx, notifier, log)

			go func() {
				if err := metrics.Serve(cfg.MetricsAddr, log); err != nil {
					log.Error().Err(err).Msg("metrics server stopped")
				}
			}()

			<-ctx.Done()
			log.Info().Msg("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "data directory (default: $HOME/.quorumd)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print quorumd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", Version)
			fmt.Printf("Commit:  %s\n", Commit)
		},
	}
}

func resolveHome(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultHomeDirSuffix), nil
}

// logNotifications consumes transition notifications so daemon operators see
// the entity lifecycle in the logs.
func logNotifications(ctx context.Context, notifier *engine.ChannelNotifier, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifier.C():
			log.Info().
				Str("entity_id", n.EntityID).
				Str("category", n.Category).
				Str("from_status", n.FromStatus).
				Str("to_status", n.ToStatus).
				Str("reason", n.Reason).
				Msg("entity transitioned")
		}
	}
}
