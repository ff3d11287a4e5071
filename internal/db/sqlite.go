package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"MailingService/internal/models"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Fixed width keeps stored timestamps ordered as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the file-backed store used for local runs and tests.
type SQLiteStore struct {
	DB   *sql.DB
	path string
}

// NewSQLite opens path, or a private in-memory database for ":memory:".
func NewSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: in-memory databases are per connection and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{DB: db, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, sqliteSchema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, v)
}

const sqliteMailingColumns = `id, title, body, COALESCE(slug, ''), next_send_at, regularity, status, owner_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMailing(row rowScanner) (models.Mailing, error) {
	var (
		m                          models.Mailing
		status, regularity         string
		nextSend, created, updated string
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Body, &m.Slug, &nextSend,
		&regularity, &status, &m.OwnerID, &created, &updated,
	)
	if err != nil {
		return m, err
	}
	if m.NextSendAt, err = parseTime(nextSend); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(created); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return m, err
	}
	return m, mailingFrom(status, regularity, &m)
}

func (s *SQLiteStore) queryMailings(ctx context.Context, query string, args ...any) ([]models.Mailing, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mailings []models.Mailing
	for rows.Next() {
		m, err := scanSQLiteMailing(rows)
		if err != nil {
			return nil, err
		}
		mailings = append(mailings, m)
	}
	return mailings, rows.Err()
}

func (s *SQLiteStore) ActiveMailings(ctx context.Context) ([]models.Mailing, error) {
	return s.queryMailings(ctx,
		`SELECT `+sqliteMailingColumns+`
		 FROM mailings
		 WHERE status IN (?, ?)
		 ORDER BY next_send_at, id`,
		string(models.StatusCreated),
		string(models.StatusRunning),
	)
}

func (s *SQLiteStore) ListMailings(ctx context.Context, ownerID int64) ([]models.Mailing, error) {
	return s.queryMailings(ctx,
		`SELECT `+sqliteMailingColumns+`
		 FROM mailings
		 WHERE ? = 0 OR owner_id = ?
		 ORDER BY id`,
		ownerID,
		ownerID,
	)
}

func (s *SQLiteStore) GetMailing(ctx context.Context, id int64) (models.Mailing, error) {
	m, err := scanSQLiteMailing(s.DB.QueryRowContext(ctx,
		`SELECT `+sqliteMailingColumns+` FROM mailings WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) InsertMailing(ctx context.Context, m *models.Mailing) error {
	if m.Status == "" {
		m.Status = models.StatusCreated
	}
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO mailings
		 (title, body, next_send_at, regularity, status, owner_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		m.Title,
		m.Body,
		formatTime(m.NextSendAt),
		string(m.Regularity),
		string(m.Status),
		m.OwnerID,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	m.Slug = models.Slugify(m.Title, m.ID)
	if _, err := tx.ExecContext(ctx, `UPDATE mailings SET slug=? WHERE id=?`, m.Slug, m.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.CreatedAt, m.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) ClientEmails(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT email FROM clients WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func (s *SQLiteStore) UpsertClients(ctx context.Context, ownerID int64, clients []models.Client) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, c := range clients {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clients (email, full_name, comment, owner_id)
			 VALUES (?,?,?,?)
			 ON CONFLICT (email, owner_id)
			 DO UPDATE SET full_name=excluded.full_name, comment=excluded.comment`,
			c.Email,
			c.FullName,
			c.Comment,
			ownerID,
		)
		if err != nil {
			return 0, fmt.Errorf("client %s: %w", c.Email, err)
		}
	}

	return len(clients), tx.Commit()
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, log models.MailingLog, tr *models.Transition) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mailing_logs (mailing_id, attempted_at, success, response)
		 VALUES (?,?,?,?)`,
		log.MailingID,
		formatTime(log.AttemptedAt),
		log.Success,
		log.Response,
	)
	if err != nil {
		return false, err
	}

	applied := false
	if tr != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE mailings
			 SET status=?,
			     next_send_at=?,
			     updated_at=?
			 WHERE id=? AND status=? AND next_send_at=?`,
			string(tr.To.Status),
			formatTime(tr.To.NextSendAt),
			formatTime(time.Now()),
			tr.From.ID,
			string(tr.From.Status),
			formatTime(tr.From.NextSendAt),
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		applied = n == 1
	}

	return applied, tx.Commit()
}

func (s *SQLiteStore) RescheduleNow(ctx context.Context, id int64, at time.Time) (models.Mailing, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE mailings
		 SET next_send_at=MIN(next_send_at, ?),
		     updated_at=?
		 WHERE id=? AND status IN (?, ?)`,
		formatTime(at),
		formatTime(time.Now()),
		id,
		string(models.StatusCreated),
		string(models.StatusRunning),
	)
	if err != nil {
		return models.Mailing{}, err
	}

	m, err := s.GetMailing(ctx, id)
	if err != nil {
		return m, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return m, err
	} else if n == 0 {
		return m, ErrNotActive
	}
	return m, nil
}

func (s *SQLiteStore) FinishMailing(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE mailings
		 SET status=?,
		     updated_at=?
		 WHERE id=? AND status=?`,
		string(models.StatusFinished),
		formatTime(time.Now()),
		id,
		string(models.StatusRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMailing(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, mailingID int64, limit int) ([]models.MailingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, mailing_id, attempted_at, success, response
		 FROM mailing_logs
		 WHERE mailing_id=?
		 ORDER BY attempted_at DESC, id DESC
		 LIMIT ?`,
		mailingID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.MailingLog
	for rows.Next() {
		var (
			l  models.MailingLog
			at string
		)
		if err := rows.Scan(&l.ID, &l.MailingID, &at, &l.Success, &l.Response); err != nil {
			return nil, err
		}
		if l.AttemptedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.DB.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM mailings),
		   (SELECT COUNT(*) FROM mailings WHERE status <> ?),
		   (SELECT COUNT(DISTINCT email) FROM clients)`,
		string(models.StatusFinished),
	).Scan(&st.TotalMailings, &st.ActiveMailings, &st.UniqueClients)
	return st, err
}

// AcquireDispatchLock takes an exclusive lock file next to the database,
// so separate mailer processes on one file never dispatch at the same time.
// In-memory databases are private to the process and need no lock.
func (s *SQLiteStore) AcquireDispatchLock(context.Context) (func(), bool, error) {
	if s.path == ":memory:" {
		return func() {}, true, nil
	}

	lock := flock.New(s.path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("dispatch lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = lock.Unlock() }, true, nil
}
