package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresDSNEnv names a disposable database used by the PostgreSQL tests
const postgresDSNEnv = "INDEXCHECK_TEST_POSTGRES_DSN"

func newPostgresTestStorage(t *testing.T) Storage {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	utils.Logger = utils.NewNopLogger()

	store, err := Open(&config.StorageConfig{
		Type:             "postgres",
		ConnectionString: dsn,
		MaxConnections:   10,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresConcurrentReservations(t *testing.T) {
	store := newPostgresTestStorage(t)
	ctx := context.Background()

	// Ids are unique per run so a shared database can be reused
	userID := "pg-racer-" + utils.GenerateID()
	createAccount(t, store, userID, 100)

	const attempts = 25
	var wg sync.WaitGroup
	reservations := make([]*models.Reservation, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reservations[i], errs[i] = reserve(store, userID, 10)
		}(i)
	}
	wg.Wait()

	var won []*models.Reservation
	for i, err := range errs {
		if err == nil {
			won = append(won, reservations[i])
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}
	assert.Len(t, won, 10, "exactly the affordable reservations succeed")
	assert.Equal(t, int64(0), assertBalanceMatchesLog(t, store, userID))

	// Settling the winners concurrently refunds each exactly once
	for i, r := range won {
		wg.Add(1)
		go func(r *models.Reservation, actual int64) {
			defer wg.Done()
			_, err := store.SettleReservation(ctx, r.ID, actual, time.Now())
			assert.NoError(t, err)
			_, err = store.SettleReservation(ctx, r.ID, actual, time.Now())
			assert.NoError(t, err)
		}(r, int64(i%3))
	}
	wg.Wait()

	var used int64
	for i := range won {
		used += int64(i % 3)
	}
	assert.Equal(t, 100-used, assertBalanceMatchesLog(t, store, userID))

	pending, err := store.GetPendingReservations(ctx)
	require.NoError(t, err)
	for _, r := range pending {
		assert.NotEqual(t, userID, r.UserID)
	}
}

func TestPostgresHistoryHeartbeat(t *testing.T) {
	store := newPostgresTestStorage(t)
	ctx := context.Background()
	userID := "pg-history-" + utils.GenerateID()

	entry := &models.HistoryEntry{UserID: userID, SiteIDs: []string{"s1"}, Action: models.ActionCheck, Status: models.StatusPending}
	require.NoError(t, store.CreateHistory(ctx, entry))

	cutoff := time.Now().Add(-time.Hour)
	require.NoError(t, store.TouchHistory(ctx, entry.ID, cutoff.Add(-time.Hour)))
	stale, err := store.GetHistories(ctx, models.HistoryFilter{UserID: userID, Before: &cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, store.TouchHistory(ctx, entry.ID, time.Now()))
	stale, err = store.GetHistories(ctx, models.HistoryFilter{UserID: userID, Before: &cutoff})
	require.NoError(t, err)
	assert.Empty(t, stale)
}
