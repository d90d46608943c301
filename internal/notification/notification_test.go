package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(urls ...string) config.NotificationConfig {
	return config.NotificationConfig{
		Enabled:       true,
		WebhookURLs:   urls,
		Secret:        "s3cret",
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	}
}

func finishedEntry() *models.HistoryEntry {
	used := int64(4)
	return &models.HistoryEntry{
		ID:             "h1",
		UserID:         "u1",
		Action:         models.ActionCheck,
		Status:         models.StatusSuccessful,
		Message:        "Checked 4 URLs across 1 sites. Found 3 indexed or neutral.",
		ProcessedCount: 4,
		IndexedCount:   3,
		CreditsUsed:    &used,
	}
}

func TestWebhookDeliveryIsSigned(t *testing.T) {
	utils.Logger = utils.NewNopLogger()

	var mu sync.Mutex
	var body []byte
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	manager := NewNotificationManager(testConfig(server.URL), "1.2.3", metrics.NewManager())
	require.NoError(t, manager.Start(context.Background()))
	require.NoError(t, manager.NotifyCompletion(context.Background(), finishedEntry()))
	require.NoError(t, manager.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)
	assert.Equal(t, "sha256="+Sign("s3cret", body), header.Get(HeaderSignature))
	assert.Equal(t, EventActionCompleted, header.Get(HeaderEvent))
	assert.Equal(t, "application/json", header.Get("Content-Type"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, EventActionCompleted, payload.Event)
	assert.Equal(t, "1.2.3", payload.Version)
	assert.Equal(t, header.Get(HeaderDelivery), payload.ID)
	require.NotNil(t, payload.Data)
	assert.Equal(t, "h1", payload.Data.ID)
	assert.Equal(t, models.StatusSuccessful, payload.Data.Status)

	stats := manager.GetStats()
	assert.Equal(t, uint64(1), stats.Queued)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestWebhookRetries(t *testing.T) {
	utils.Logger = utils.NewNopLogger()

	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		manager := NewNotificationManager(testConfig(server.URL), "test", nil)
		require.NoError(t, manager.NotifyCompletion(context.Background(), finishedEntry()))
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, uint64(1), manager.GetStats().Delivered)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusGone)
		}))
		defer server.Close()

		manager := NewNotificationManager(testConfig(server.URL), "test", metrics.NewManager())
		require.NoError(t, manager.NotifyCompletion(context.Background(), finishedEntry()))
		assert.Equal(t, int32(1), calls.Load())

		stats := manager.GetStats()
		assert.Equal(t, uint64(1), stats.Failed)
		require.NotNil(t, stats.LastError)
		assert.Contains(t, *stats.LastError, "410")
	})

	t.Run("attempts run out", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		manager := NewNotificationManager(testConfig(server.URL), "test", nil)
		require.NoError(t, manager.NotifyCompletion(context.Background(), finishedEntry()))
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, uint64(1), manager.GetStats().Failed)
	})
}

func TestDisabledWebhooksOnlyLog(t *testing.T) {
	utils.Logger = utils.NewNopLogger()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Enabled = false
	manager := NewNotificationManager(cfg, "test", nil)
	require.NoError(t, manager.NotifyCompletion(context.Background(), finishedEntry()))
	assert.Zero(t, calls.Load())
	assert.Equal(t, NotificationStats{}, manager.GetStats())
}

func TestSign(t *testing.T) {
	// echo -n '{}' | openssl dgst -sha256 -hmac key
	assert.Equal(t, "a777724d943eb48dc69bca8a4a6d57a04db3f9ec7e1de4e581e860265bdf3032", Sign("key", []byte("{}")))
	assert.NotEqual(t, Sign("key", []byte("{}")), Sign("other", []byte("{}")))
	assert.Len(t, Sign("key", nil), 64)
}
