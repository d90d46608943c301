package storage

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	utils.Logger = utils.NewNopLogger()

	store, err := Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "indexcheck.db"),
		MaxConnections:   10,
		MaxIdleTime:      15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createAccount(t *testing.T, store Storage, userID string, balance int64) {
	t.Helper()
	var opening *models.CreditTransaction
	if balance > 0 {
		opening = &models.CreditTransaction{
			Delta:  balance,
			Kind:   models.TransactionPurchase,
			Reason: models.ReasonSignupBonus,
		}
	}
	require.NoError(t, store.CreateAccount(context.Background(), &models.Account{UserID: userID}, opening))
}

func reserve(store Storage, userID string, amount int64) (*models.Reservation, error) {
	r := &models.Reservation{ID: utils.GenerateID(), UserID: userID, Amount: amount}
	_, err := store.ReserveCredits(context.Background(), r)
	return r, err
}

func assertBalanceMatchesLog(t *testing.T, store Storage, userID string) int64 {
	t.Helper()
	ctx := context.Background()
	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	sum, err := store.SumTransactions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sum, account.Balance, "balance must equal the sum of transactions")
	return account.Balance
}

func TestSQLiteStorage(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Ping())

	// Migrating twice is harmless
	require.NoError(t, store.Migrate())

	t.Run("Ledger Operations", func(t *testing.T) { testLedgerOperations(t, store) })
	t.Run("Token Operations", func(t *testing.T) { testTokenOperations(t, store) })
	t.Run("Site And Page Operations", func(t *testing.T) { testSiteOperations(t, store) })
	t.Run("History Operations", func(t *testing.T) { testHistoryOperations(t, store) })
	t.Run("Statistics", func(t *testing.T) {
		stats, err := store.GetStorageStats(context.Background())
		require.NoError(t, err)
		assert.Positive(t, stats.TotalAccounts)
		assert.Positive(t, stats.TotalTransactions)
	})
}

func testLedgerOperations(t *testing.T, store Storage) {
	ctx := context.Background()
	createAccount(t, store, "ledger-user", 100)

	err := store.CreateAccount(ctx, &models.Account{UserID: "ledger-user"}, nil)
	assert.ErrorIs(t, err, ErrConflict)

	r, err := reserve(store, "ledger-user", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), assertBalanceMatchesLog(t, store, "ledger-user"))

	_, err = reserve(store, "ledger-user", 71)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(70), assertBalanceMatchesLog(t, store, "ledger-user"))

	_, err = reserve(store, "nobody", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	result, err := store.SettleReservation(ctx, r.ID, 12, time.Now())
	require.NoError(t, err)
	assert.False(t, result.AlreadySettled)
	require.NotNil(t, result.Refund)
	assert.Equal(t, int64(18), result.Refund.Delta)
	assert.Equal(t, models.TransactionPurchase, result.Refund.Kind)
	assert.Equal(t, int64(88), assertBalanceMatchesLog(t, store, "ledger-user"))

	// Same amount again is a no-op
	result, err = store.SettleReservation(ctx, r.ID, 12, time.Now())
	require.NoError(t, err)
	assert.True(t, result.AlreadySettled)
	assert.Nil(t, result.Refund)
	assert.Equal(t, int64(88), assertBalanceMatchesLog(t, store, "ledger-user"))

	// A different amount is rejected
	_, err = store.SettleReservation(ctx, r.ID, 5, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	// Full-cost settlement writes no refund
	r2, err := reserve(store, "ledger-user", 8)
	require.NoError(t, err)
	result, err = store.SettleReservation(ctx, r2.ID, 8, time.Now())
	require.NoError(t, err)
	assert.Nil(t, result.Refund)

	account, err := store.CreditAccount(ctx, &models.CreditTransaction{
		UserID: "ledger-user", Delta: 1000, Kind: models.TransactionPurchase,
		Reason: models.ReasonPurchase, PackageID: "basic", AmountPaid: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1080), account.Balance)
	assertBalanceMatchesLog(t, store, "ledger-user")

	txs, err := store.GetTransactions(ctx, "ledger-user", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 5)

	pending, err := store.GetPendingReservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConcurrentReservations(t *testing.T) {
	store := newTestStorage(t)
	createAccount(t, store, "racer", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reserve(store, "racer", 10)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), assertBalanceMatchesLog(t, store, "racer"))
}

func TestBalanceMatchesLogUnderRandomInterleavings(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createAccount(t, store, "random", 50)

	rng := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	var pending []*models.Reservation

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		seed := rng.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				switch local.Intn(3) {
				case 0:
					_, err := store.CreditAccount(ctx, &models.CreditTransaction{
						UserID: "random", Delta: int64(local.Intn(20) + 1),
						Kind: models.TransactionPurchase, Reason: models.ReasonGrant,
					})
					assert.NoError(t, err)
				case 1:
					r, err := reserve(store, "random", int64(local.Intn(30)+1))
					if err != nil {
						assert.ErrorIs(t, err, ErrInsufficientBalance)
						continue
					}
					mu.Lock()
					pending = append(pending, r)
					mu.Unlock()
				case 2:
					mu.Lock()
					if len(pending) == 0 {
						mu.Unlock()
						continue
					}
					r := pending[0]
					pending = pending[1:]
					mu.Unlock()
					_, err := store.SettleReservation(ctx, r.ID, int64(local.Intn(int(r.Amount)+1)), time.Now())
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	balance := assertBalanceMatchesLog(t, store, "random")
	assert.GreaterOrEqual(t, balance, int64(0))
}

func testTokenOperations(t *testing.T, store Storage) {
	ctx := context.Background()

	_, err := store.GetToken(ctx, "token-user")
	assert.True(t, IsNotFound(err))

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	saved, err := store.SaveToken(ctx, &models.OAuthToken{
		UserID: "token-user", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry, Connected: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", saved.RefreshToken)
	assert.True(t, saved.Expiry.Equal(expiry))

	// An empty refresh token keeps the stored one
	saved, err = store.SaveToken(ctx, &models.OAuthToken{
		UserID: "token-user", AccessToken: "a2", Expiry: expiry, Connected: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a2", saved.AccessToken)
	assert.Equal(t, "r1", saved.RefreshToken)

	require.NoError(t, store.SetConnected(ctx, "token-user", false))
	token, err := store.GetToken(ctx, "token-user")
	require.NoError(t, err)
	assert.False(t, token.Connected)

	assert.True(t, IsNotFound(store.SetConnected(ctx, "missing", true)))
}

func testSiteOperations(t *testing.T, store Storage) {
	ctx := context.Background()

	site := &models.Site{UserID: "site-user", Name: "example.com", URL: "https://example.com/"}
	require.NoError(t, store.CreateSite(ctx, site))
	assert.NotEmpty(t, site.ID)

	err := store.CreateSite(ctx, &models.Site{UserID: "site-user", Name: "dup", URL: "https://example.com/"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.GetSite(ctx, "other-user", site.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	checked := time.Now().UTC()
	require.NoError(t, store.UpsertPages(ctx, []*models.Page{
		{SiteID: site.ID, URL: "https://example.com/a", Indexed: true, Status: "PASS", LastCheckedAt: &checked},
		{SiteID: site.ID, URL: "https://example.com/b", Indexed: false, Status: "FAIL", LastCheckedAt: &checked},
	}))

	// Upsert by URL keeps the row and its check time when only reindex time is set
	requested := checked.Add(time.Minute)
	require.NoError(t, store.UpsertPages(ctx, []*models.Page{
		{SiteID: site.ID, URL: "https://example.com/b", Indexed: false, Status: "FAIL", LastReindexRequest: &requested},
	}))

	pages, err := store.GetPages(ctx, PageFilter{SiteID: site.ID})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.NotNil(t, pages[1].LastCheckedAt)
	require.NotNil(t, pages[1].LastReindexRequest)
	assert.True(t, pages[1].LastReindexRequest.Equal(requested))

	notIndexed := false
	missing, err := store.GetPages(ctx, PageFilter{SiteID: site.ID, Indexed: &notIndexed})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "https://example.com/b", missing[0].URL)

	byURL, err := store.GetPages(ctx, PageFilter{SiteID: site.ID, URLs: []string{"https://example.com/a"}})
	require.NoError(t, err)
	assert.Len(t, byURL, 1)

	counters, err := store.CountPages(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SiteCounters{TotalPages: 2, IndexedPages: 1}, counters)

	require.NoError(t, store.UpdateSiteCounters(ctx, site.ID, counters))
	require.NoError(t, store.UpdateSiteStatus(ctx, site.ID, models.SiteStatusUpdate{
		Action: models.ActionReindex, Status: "ok", Message: "1 URL submitted", At: time.Now(),
	}))

	got, err := store.GetSite(ctx, "site-user", site.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalPages)
	assert.Equal(t, 1, got.IndexedPages)
	assert.Equal(t, "ok", got.LastReindexStatus)
	assert.NotNil(t, got.LastReindexAt)
	assert.Nil(t, got.LastScanAt)

	require.NoError(t, store.DeleteSite(ctx, "site-user", site.ID))
	assert.ErrorIs(t, store.DeleteSite(ctx, "site-user", site.ID), ErrNotFound)
	pages, err = store.GetPages(ctx, PageFilter{SiteID: site.ID})
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func testHistoryOperations(t *testing.T, store Storage) {
	ctx := context.Background()

	entry := &models.HistoryEntry{
		UserID: "history-user", SiteIDs: []string{"s1", "s2"},
		Action: models.ActionCheck, Status: models.StatusPending, CreditsEstimated: 20,
	}
	require.NoError(t, store.CreateHistory(ctx, entry))

	require.NoError(t, store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{
		Status: models.StatusProcessing, ReservationID: "res-1", InitialCount: 20,
	}))

	err := store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{Status: models.StatusPending})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{
		Status: models.StatusCompletedWithErrors, Message: "Failed: s2", InitialCount: 20,
		ProcessedCount: 10, IndexedCount: 7, CreditsUsed: 10,
		Sites: []models.SiteResult{
			{SiteID: "s1", SiteName: "one", Outcome: models.SiteOK, Processed: 10, Indexed: 7},
			{SiteID: "s2", SiteName: "two", Outcome: models.SiteFailed, Message: "not connected"},
		},
	}))

	// Terminal entries never reopen
	err = store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{Status: models.StatusSuccessful})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetHistory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, "res-1", got.ReservationID)
	assert.Equal(t, []string{"s1", "s2"}, got.SiteIDs)
	require.NotNil(t, got.CreditsUsed)
	assert.Equal(t, int64(10), *got.CreditsUsed)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Sites, 2)
	assert.Equal(t, models.SiteFailed, got.Sites[1].Outcome)

	open := &models.HistoryEntry{UserID: "history-user", SiteIDs: []string{"s1"}, Action: models.ActionReindex, Status: models.StatusPending}
	require.NoError(t, store.CreateHistory(ctx, open))

	active, err := store.GetHistories(ctx, models.HistoryFilter{
		UserID:   "history-user",
		Statuses: []models.HistoryStatus{models.StatusPending, models.StatusProcessing},
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
	assert.Nil(t, active[0].CreditsUsed)

	past := time.Now().Add(-time.Hour)
	stale, err := store.GetHistories(ctx, models.HistoryFilter{UserID: "history-user", Before: &past})
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Only unfinished entries take a heartbeat
	require.NoError(t, store.TouchHistory(ctx, open.ID, past.Add(-time.Hour)))
	require.NoError(t, store.TouchHistory(ctx, entry.ID, past.Add(-time.Hour)))
	stale, err = store.GetHistories(ctx, models.HistoryFilter{UserID: "history-user", Before: &past})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, open.ID, stale[0].ID)

	require.NoError(t, store.TouchHistory(ctx, open.ID, time.Now()))
	stale, err = store.GetHistories(ctx, models.HistoryFilter{UserID: "history-user", Before: &past})
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = store.GetHistory(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
