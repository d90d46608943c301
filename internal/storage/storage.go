// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/smartdevs17/indexcheck/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost to a concurrent
	// or earlier one (already settled, already terminal, duplicate key)
	ErrConflict = errors.New("conflicting update")
	// ErrInsufficientBalance is returned when a reservation exceeds the balance
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Storage defines the persistence operations of the service
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	LedgerStore
	TokenStore
	SiteStore
	HistoryStore

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// LedgerStore holds credit accounts, reservations and the transaction log.
// Every mutating method changes the balance and appends the matching
// transaction in one database transaction.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account *models.Account, opening *models.CreditTransaction) error
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	ReserveCredits(ctx context.Context, reservation *models.Reservation) (*models.CreditTransaction, error)
	SettleReservation(ctx context.Context, reservationID string, actual int64, at time.Time) (*SettleResult, error)
	CreditAccount(ctx context.Context, tx *models.CreditTransaction) (*models.Account, error)
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	GetPendingReservations(ctx context.Context) ([]*models.Reservation, error)
	GetTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error)
	SumTransactions(ctx context.Context, userID string) (int64, error)
}

// TokenStore holds OAuth credentials per user
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (*models.OAuthToken, error)
	// SaveToken upserts the token. An empty refresh token keeps the stored one.
	SaveToken(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error)
	SetConnected(ctx context.Context, userID string, connected bool) error
}

// SiteStore holds sites and their page projection
type SiteStore interface {
	CreateSite(ctx context.Context, site *models.Site) error
	GetSite(ctx context.Context, userID, siteID string) (*models.Site, error)
	GetSites(ctx context.Context, userID string) ([]*models.Site, error)
	DeleteSite(ctx context.Context, userID, siteID string) error
	UpdateSiteCounters(ctx context.Context, siteID string, counters models.SiteCounters) error
	UpdateSiteStatus(ctx context.Context, siteID string, update models.SiteStatusUpdate) error

	UpsertPages(ctx context.Context, pages []*models.Page) error
	GetPages(ctx context.Context, filter PageFilter) ([]*models.Page, error)
	CountPages(ctx context.Context, siteID string) (models.SiteCounters, error)
}

// HistoryStore holds the action audit trail
type HistoryStore interface {
	CreateHistory(ctx context.Context, entry *models.HistoryEntry) error
	GetHistory(ctx context.Context, historyID string) (*models.HistoryEntry, error)
	GetHistories(ctx context.Context, filter models.HistoryFilter) ([]*models.HistoryEntry, error)
	// TransitionHistory applies update only if the stored status may move to
	// update.Status; otherwise it returns ErrConflict.
	TransitionHistory(ctx context.Context, historyID string, update models.HistoryUpdate) error
	// TouchHistory moves updated_at of a pending or processing entry to at.
	// Terminal entries are left alone.
	TouchHistory(ctx context.Context, historyID string, at time.Time) error
}

// SettleResult describes what a settlement changed
type SettleResult struct {
	Reservation    *models.Reservation       `json:"reservation"`
	Refund         *models.CreditTransaction `json:"refund,omitempty"`
	AlreadySettled bool                      `json:"already_settled"`
}

// PageFilter for querying pages
type PageFilter struct {
	SiteID  string   `json:"site_id"`
	URLs    []string `json:"urls,omitempty"`
	Indexed *bool    `json:"indexed,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalAccounts       int64 `json:"total_accounts"`
	TotalTransactions   int64 `json:"total_transactions"`
	PendingReservations int64 `json:"pending_reservations"`
	TotalSites          int64 `json:"total_sites"`
	TotalPages          int64 `json:"total_pages"`
	TotalHistory        int64 `json:"total_history"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleConns     int           `json:"max_idle_conns"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
