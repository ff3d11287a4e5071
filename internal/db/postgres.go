package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"MailingService/internal/models"
)

//go:embed schema_postgres.sql
var postgresSchema string

// dispatchLockKey is the advisory lock key shared by every mailer process.
const dispatchLockKey int64 = 0x6d61696c6572

// PgxPool is the part of *pgxpool.Pool the store uses.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type PostgresStore struct {
	Pool PgxPool
}

// NewPostgres opens the pool and waits for the database with exponential
// backoff, so the service can start before Postgres accepts connections.
func NewPostgres(ctx context.Context, conn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, postgresSchema)
	return err
}

const pgMailingColumns = `id, title, body, COALESCE(slug, ''), next_send_at, regularity, status, owner_id, created_at, updated_at`

func scanPgMailing(row pgx.Row) (models.Mailing, error) {
	var (
		m                  models.Mailing
		status, regularity string
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Body, &m.Slug, &m.NextSendAt,
		&regularity, &status, &m.OwnerID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	return m, mailingFrom(status, regularity, &m)
}

func (s *PostgresStore) queryMailings(ctx context.Context, sql string, args ...any) ([]models.Mailing, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mailings []models.Mailing
	for rows.Next() {
		m, err := scanPgMailing(rows)
		if err != nil {
			return nil, err
		}
		mailings = append(mailings, m)
	}
	return mailings, rows.Err()
}

func (s *PostgresStore) ActiveMailings(ctx context.Context) ([]models.Mailing, error) {
	return s.queryMailings(ctx,
		`SELECT `+pgMailingColumns+`
		 FROM mailings
		 WHERE status IN ($1, $2)
		 ORDER BY next_send_at, id`,
		string(models.StatusCreated),
		string(models.StatusRunning),
	)
}

func (s *PostgresStore) ListMailings(ctx context.Context, ownerID int64) ([]models.Mailing, error) {
	return s.queryMailings(ctx,
		`SELECT `+pgMailingColumns+`
		 FROM mailings
		 WHERE $1::bigint = 0 OR owner_id = $1
		 ORDER BY id`,
		ownerID,
	)
}

func (s *PostgresStore) GetMailing(ctx context.Context, id int64) (models.Mailing, error) {
	m, err := scanPgMailing(s.Pool.QueryRow(ctx,
		`SELECT `+pgMailingColumns+` FROM mailings WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) InsertMailing(ctx context.Context, m *models.Mailing) error {
	if m.Status == "" {
		m.Status = models.StatusCreated
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO mailings
		 (title, body, next_send_at, regularity, status, owner_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 RETURNING id, created_at, updated_at`,
		m.Title,
		m.Body,
		m.NextSendAt,
		string(m.Regularity),
		string(m.Status),
		m.OwnerID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return err
	}

	m.Slug = models.Slugify(m.Title, m.ID)
	if _, err := tx.Exec(ctx, `UPDATE mailings SET slug=$1 WHERE id=$2`, m.Slug, m.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ClientEmails(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT email FROM clients WHERE owner_id=$1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) UpsertClients(ctx context.Context, ownerID int64, clients []models.Client) (int, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	for _, c := range clients {
		_, err := tx.Exec(ctx,
			`INSERT INTO clients (email, full_name, comment, owner_id)
			 VALUES ($1,$2,$3,$4)
			 ON CONFLICT (email, owner_id)
			 DO UPDATE SET full_name=EXCLUDED.full_name, comment=EXCLUDED.comment`,
			c.Email,
			c.FullName,
			c.Comment,
			ownerID,
		)
		if err != nil {
			return 0, fmt.Errorf("client %s: %w", c.Email, err)
		}
	}

	return len(clients), tx.Commit(ctx)
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, log models.MailingLog, tr *models.Transition) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO mailing_logs (mailing_id, attempted_at, success, response)
		 VALUES ($1,$2,$3,$4)`,
		log.MailingID,
		log.AttemptedAt,
		log.Success,
		log.Response,
	)
	if err != nil {
		return false, err
	}

	applied := false
	if tr != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE mailings
			 SET status=$1,
			     next_send_at=$2,
			     updated_at=NOW()
			 WHERE id=$3 AND status=$4 AND next_send_at=$5`,
			string(tr.To.Status),
			tr.To.NextSendAt,
			tr.From.ID,
			string(tr.From.Status),
			tr.From.NextSendAt,
		)
		if err != nil {
			return false, err
		}
		applied = tag.RowsAffected() == 1
	}

	return applied, tx.Commit(ctx)
}

func (s *PostgresStore) RescheduleNow(ctx context.Context, id int64, at time.Time) (models.Mailing, error) {
	m, err := scanPgMailing(s.Pool.QueryRow(ctx,
		`UPDATE mailings
		 SET next_send_at=LEAST(next_send_at, $1),
		     updated_at=NOW()
		 WHERE id=$2 AND status IN ($3, $4)
		 RETURNING `+pgMailingColumns,
		at,
		id,
		string(models.StatusCreated),
		string(models.StatusRunning),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetMailing(ctx, id); err != nil {
			return m, err
		}
		return m, ErrNotActive
	}
	return m, err
}

func (s *PostgresStore) FinishMailing(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE mailings
		 SET status=$1,
		     updated_at=NOW()
		 WHERE id=$2 AND status=$3`,
		string(models.StatusFinished),
		id,
		string(models.StatusRunning),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMailing(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, mailingID int64, limit int) ([]models.MailingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, mailing_id, attempted_at, success, response
		 FROM mailing_logs
		 WHERE mailing_id=$1
		 ORDER BY attempted_at DESC, id DESC
		 LIMIT $2`,
		mailingID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MailingLog, error) {
		var l models.MailingLog
		err := row.Scan(&l.ID, &l.MailingID, &l.AttemptedAt, &l.Success, &l.Response)
		return l, err
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.Pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM mailings),
		   (SELECT COUNT(*) FROM mailings WHERE status <> $1),
		   (SELECT COUNT(DISTINCT email) FROM clients)`,
		string(models.StatusFinished),
	).Scan(&st.TotalMailings, &st.ActiveMailings, &st.UniqueClients)
	return st, err
}

// AcquireDispatchLock holds a transaction-scoped advisory lock for the
// cycle. Committing the transaction releases it, and so does a dropped
// connection.
func (s *PostgresStore) AcquireDispatchLock(ctx context.Context) (func(), bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, dispatchLockKey).Scan(&ok); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, err
	}
	if !ok {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}

	release := func() {
		_ = tx.Commit(context.Background())
	}
	return release, true, nil
}
