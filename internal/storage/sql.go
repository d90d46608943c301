package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlStore implements the record operations shared by the SQLite and
// PostgreSQL backends. Queries are written with ? placeholders and rebound
// for the active dialect.
type sqlStore struct {
	db         *sql.DB
	logger     *logrus.Logger
	dollarArgs bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollarArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q queryer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, q queryer, query string, args ...interface{}) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q queryer, query string, args ...interface{}) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db, nil
}

// withTx runs fn inside a database transaction. Errors returned by fn roll
// the transaction back and are passed through unchanged.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.WithError(rbErr).Warn("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

func (s *sqlStore) applyMigrations(migrations []*Migration) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to create migrations table", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to read applied migrations", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to scan migration", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		err := s.withTx(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(migration.SQL); err != nil {
				return err
			}
			_, err := s.exec(context.Background(), tx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				migration.Version, migration.Description, time.Now().UTC())
			return err
		})
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// GetStorageStats returns record counts
func (s *sqlStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM accounts", &stats.TotalAccounts},
		{"SELECT COUNT(*) FROM credit_transactions", &stats.TotalTransactions},
		{"SELECT COUNT(*) FROM reservations WHERE status = 'pending'", &stats.PendingReservations},
		{"SELECT COUNT(*) FROM sites", &stats.TotalSites},
		{"SELECT COUNT(*) FROM pages", &stats.TotalPages},
		{"SELECT COUNT(*) FROM indexing_history", &stats.TotalHistory},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to collect storage stats", err)
		}
	}
	return stats, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
