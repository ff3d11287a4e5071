package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailingService/internal/models"
)

var (
	ErrNotFound   = errors.New("mailing not found")
	ErrNotRunning = errors.New("mailing is not running")
	ErrNotActive  = errors.New("mailing is finished")
)

// Store persists mailings, clients and the append-only attempt log.
type Store interface {
	Migrate(ctx context.Context) error

	ActiveMailings(ctx context.Context) ([]models.Mailing, error)
	GetMailing(ctx context.Context, id int64) (models.Mailing, error)
	// ListMailings returns the mailings of one owner, or all of them when
	// ownerID is 0.
	ListMailings(ctx context.Context, ownerID int64) ([]models.Mailing, error)
	InsertMailing(ctx context.Context, m *models.Mailing) error

	ClientEmails(ctx context.Context, ownerID int64) ([]string, error)
	UpsertClients(ctx context.Context, ownerID int64, clients []models.Client) (int, error)

	// RecordAttempt appends log and, when tr is not nil, moves the mailing to
	// tr.To in the same transaction. The move is skipped, and applied is
	// false, when the stored status or next send time no longer match
	// tr.From; the log is kept either way.
	RecordAttempt(ctx context.Context, log models.MailingLog, tr *models.Transition) (applied bool, err error)
	RescheduleNow(ctx context.Context, id int64, at time.Time) (models.Mailing, error)
	FinishMailing(ctx context.Context, id int64) error

	ListLogs(ctx context.Context, mailingID int64, limit int) ([]models.MailingLog, error)
	Stats(ctx context.Context) (models.Stats, error)

	// AcquireDispatchLock guards a dispatch cycle across processes sharing
	// the store. acquired is false when another holder has it.
	AcquireDispatchLock(ctx context.Context) (release func(), acquired bool, err error)

	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	Logger      *zap.Logger
}

// Open connects the configured store and applies the schema.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var (
		store Store
		err   error
	)
	switch strings.ToLower(opts.Driver) {
	case "", "postgres":
		store, err = NewPostgres(ctx, opts.DatabaseURL, opts.Logger)
	case "sqlite":
		store, err = NewSQLite(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func mailingFrom(status, regularity string, m *models.Mailing) error {
	st, err := models.ParseStatus(status)
	if err != nil {
		return err
	}
	reg, err := models.ParseRegularity(regularity)
	if err != nil {
		return err
	}
	m.Status = st
	m.Regularity = reg
	return nil
}
