package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailingService/internal/config"
	"MailingService/internal/db"
	"MailingService/internal/email"
	"MailingService/internal/worker"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Mailing scheduler: sends due mailings to their owners' clients",
	Long: `mailer sends scheduled mailings.

Every dispatch cycle picks the created and running mailings whose next send
time has passed, sends each one to all clients of its owner, records the
attempt, and moves the mailing on: recurring mailings (daily, weekly,
monthly) are rescheduled, one-time mailings are finished.

Examples:
  mailer run                       # Daemon: cron scheduler, ops API, metrics
  mailer dispatch                  # Run one dispatch cycle now
  mailer send-now 12               # Send mailing 12 immediately
  mailer finish 12                 # Stop a recurring mailing
  mailer clients import --owner 3 clients.csv`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = newLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(sendNowCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(mailingsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func openStore(ctx context.Context) (db.Store, error) {
	store, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return store, nil
}

func newDispatcher(store db.Store) *worker.Dispatcher {
	return &worker.Dispatcher{
		Store: store,
		Sender: &email.Sender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		},
		Limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		Log:     logger,
	}
}

func parseMailingID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mailing id %q", arg)
	}
	return id, nil
}
