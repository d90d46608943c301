package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// ReserveCredits reserves credits and records metrics
func (s *StorageWithMetrics) ReserveCredits(ctx context.Context, reservation *models.Reservation) (*models.CreditTransaction, error) {
	start := time.Now()
	tx, err := s.Storage.ReserveCredits(ctx, reservation)
	s.record("reserve", "accounts", start, err)
	return tx, err
}

// SettleReservation settles a reservation and records metrics
func (s *StorageWithMetrics) SettleReservation(ctx context.Context, reservationID string, actual int64, at time.Time) (*SettleResult, error) {
	start := time.Now()
	result, err := s.Storage.SettleReservation(ctx, reservationID, actual, at)
	s.record("settle", "reservations", start, err)
	return result, err
}

// CreditAccount credits an account and records metrics
func (s *StorageWithMetrics) CreditAccount(ctx context.Context, tx *models.CreditTransaction) (*models.Account, error) {
	start := time.Now()
	account, err := s.Storage.CreditAccount(ctx, tx)
	s.record("credit", "accounts", start, err)
	return account, err
}

// SaveToken saves a token and records metrics
func (s *StorageWithMetrics) SaveToken(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	start := time.Now()
	saved, err := s.Storage.SaveToken(ctx, token)
	s.record("upsert", "oauth_tokens", start, err)
	return saved, err
}

// UpsertPages saves pages and records metrics
func (s *StorageWithMetrics) UpsertPages(ctx context.Context, pages []*models.Page) error {
	start := time.Now()
	err := s.Storage.UpsertPages(ctx, pages)
	s.record("upsert", "pages", start, err)
	return err
}

// CreateHistory creates a history entry and records metrics
func (s *StorageWithMetrics) CreateHistory(ctx context.Context, entry *models.HistoryEntry) error {
	start := time.Now()
	err := s.Storage.CreateHistory(ctx, entry)
	s.record("insert", "indexing_history", start, err)
	return err
}

// TransitionHistory updates a history entry and records metrics
func (s *StorageWithMetrics) TransitionHistory(ctx context.Context, historyID string, update models.HistoryUpdate) error {
	start := time.Now()
	err := s.Storage.TransitionHistory(ctx, historyID, update)
	s.record("transition", "indexing_history", start, err)
	return err
}

// TouchHistory refreshes a history entry and records metrics
func (s *StorageWithMetrics) TouchHistory(ctx context.Context, historyID string, at time.Time) error {
	start := time.Now()
	err := s.Storage.TouchHistory(ctx, historyID, at)
	s.record("touch", "indexing_history", start, err)
	return err
}
