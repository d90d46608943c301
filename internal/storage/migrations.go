package storage

import (
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     string    `db:"version"`
	Description string    `db:"description"`
	SQL         string    `db:"sql"`
	AppliedAt   time.Time `db:"applied_at"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create credit ledger tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					user_id TEXT PRIMARY KEY,
					email TEXT NOT NULL DEFAULT '',
					balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS credit_transactions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES accounts(user_id),
					delta INTEGER NOT NULL,
					kind TEXT NOT NULL CHECK (kind IN ('purchase', 'usage')),
					reason TEXT NOT NULL DEFAULT '',
					reference TEXT NOT NULL DEFAULT '',
					package_id TEXT NOT NULL DEFAULT '',
					amount_paid_cents INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference ON credit_transactions(reference);

				CREATE TABLE IF NOT EXISTS reservations (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES accounts(user_id),
					amount INTEGER NOT NULL CHECK (amount > 0),
					reference TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL CHECK (status IN ('pending', 'settled')),
					settled_amount INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					settled_at DATETIME
				);

				CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create oauth tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oauth_tokens (
					user_id TEXT PRIMARY KEY,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					expiry DATETIME,
					connected BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at DATETIME NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create sites and pages tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS sites (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					name TEXT NOT NULL,
					url TEXT NOT NULL,
					property_id TEXT NOT NULL DEFAULT '',
					total_pages INTEGER NOT NULL DEFAULT 0,
					indexed_pages INTEGER NOT NULL DEFAULT 0,
					last_scan_status TEXT NOT NULL DEFAULT '',
					last_scan_message TEXT NOT NULL DEFAULT '',
					last_scan_at DATETIME,
					last_reindex_status TEXT NOT NULL DEFAULT '',
					last_reindex_message TEXT NOT NULL DEFAULT '',
					last_reindex_at DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE (user_id, url)
				);

				CREATE TABLE IF NOT EXISTS pages (
					id TEXT PRIMARY KEY,
					site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
					url TEXT NOT NULL,
					indexed BOOLEAN NOT NULL DEFAULT FALSE,
					status TEXT NOT NULL DEFAULT '',
					last_checked_at DATETIME,
					last_reindex_requested_at DATETIME,
					updated_at DATETIME NOT NULL,
					UNIQUE (site_id, url)
				);

				CREATE INDEX IF NOT EXISTS idx_pages_site_indexed ON pages(site_id, indexed);
			`,
		},
		{
			Version:     "004",
			Description: "Create indexing history tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexing_history (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					site_ids TEXT NOT NULL, -- JSON
					action TEXT NOT NULL,
					status TEXT NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					reservation_id TEXT NOT NULL DEFAULT '',
					credits_estimated INTEGER NOT NULL DEFAULT 0,
					credits_used INTEGER,
					initial_count INTEGER NOT NULL DEFAULT 0,
					processed_count INTEGER NOT NULL DEFAULT 0,
					indexed_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					completed_at DATETIME
				);

				CREATE INDEX IF NOT EXISTS idx_indexing_history_user ON indexing_history(user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_indexing_history_status ON indexing_history(status);

				CREATE TABLE IF NOT EXISTS history_sites (
					history_id TEXT NOT NULL REFERENCES indexing_history(id),
					position INTEGER NOT NULL,
					site_id TEXT NOT NULL,
					site_name TEXT NOT NULL DEFAULT '',
					outcome TEXT NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					processed INTEGER NOT NULL DEFAULT 0,
					indexed INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (history_id, position)
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create credit ledger tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					user_id VARCHAR(128) PRIMARY KEY,
					email VARCHAR(320) NOT NULL DEFAULT '',
					balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS credit_transactions (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(128) NOT NULL REFERENCES accounts(user_id),
					delta BIGINT NOT NULL,
					kind VARCHAR(16) NOT NULL CHECK (kind IN ('purchase', 'usage')),
					reason VARCHAR(64) NOT NULL DEFAULT '',
					reference VARCHAR(64) NOT NULL DEFAULT '',
					package_id VARCHAR(64) NOT NULL DEFAULT '',
					amount_paid_cents BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference ON credit_transactions(reference);

				CREATE TABLE IF NOT EXISTS reservations (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(128) NOT NULL REFERENCES accounts(user_id),
					amount BIGINT NOT NULL CHECK (amount > 0),
					reference VARCHAR(64) NOT NULL DEFAULT '',
					status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'settled')),
					settled_amount BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL,
					settled_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create oauth tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oauth_tokens (
					user_id VARCHAR(128) PRIMARY KEY,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					expiry TIMESTAMPTZ,
					connected BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMPTZ NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create sites and pages tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS sites (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(128) NOT NULL,
					name VARCHAR(255) NOT NULL,
					url TEXT NOT NULL,
					property_id TEXT NOT NULL DEFAULT '',
					total_pages INTEGER NOT NULL DEFAULT 0,
					indexed_pages INTEGER NOT NULL DEFAULT 0,
					last_scan_status VARCHAR(32) NOT NULL DEFAULT '',
					last_scan_message TEXT NOT NULL DEFAULT '',
					last_scan_at TIMESTAMPTZ,
					last_reindex_status VARCHAR(32) NOT NULL DEFAULT '',
					last_reindex_message TEXT NOT NULL DEFAULT '',
					last_reindex_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					UNIQUE (user_id, url)
				);

				CREATE TABLE IF NOT EXISTS pages (
					id VARCHAR(64) PRIMARY KEY,
					site_id VARCHAR(64) NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
					url TEXT NOT NULL,
					indexed BOOLEAN NOT NULL DEFAULT FALSE,
					status VARCHAR(128) NOT NULL DEFAULT '',
					last_checked_at TIMESTAMPTZ,
					last_reindex_requested_at TIMESTAMPTZ,
					updated_at TIMESTAMPTZ NOT NULL,
					UNIQUE (site_id, url)
				);

				CREATE INDEX IF NOT EXISTS idx_pages_site_indexed ON pages(site_id, indexed);
			`,
		},
		{
			Version:     "004",
			Description: "Create indexing history tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexing_history (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(128) NOT NULL,
					site_ids JSONB NOT NULL,
					action VARCHAR(16) NOT NULL,
					status VARCHAR(32) NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					reservation_id VARCHAR(64) NOT NULL DEFAULT '',
					credits_estimated BIGINT NOT NULL DEFAULT 0,
					credits_used BIGINT,
					initial_count INTEGER NOT NULL DEFAULT 0,
					processed_count INTEGER NOT NULL DEFAULT 0,
					indexed_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_indexing_history_user ON indexing_history(user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_indexing_history_status ON indexing_history(status);

				CREATE TABLE IF NOT EXISTS history_sites (
					history_id VARCHAR(64) NOT NULL REFERENCES indexing_history(id),
					position INTEGER NOT NULL,
					site_id VARCHAR(64) NOT NULL,
					site_name VARCHAR(255) NOT NULL DEFAULT '',
					outcome VARCHAR(16) NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					processed INTEGER NOT NULL DEFAULT 0,
					indexed INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (history_id, position)
				);
			`,
		},
	}
}
