// Package notification tells the outside world when an action finishes:
// every completion is logged and, when enabled, posted to the configured
// webhooks from a small worker pool.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// EventActionCompleted is the event name of completion notifications
const EventActionCompleted = "action.completed"

const (
	defaultQueueSize = 256
	defaultWorkers   = 2
)

// NotificationManager queues completion notifications and delivers them
type NotificationManager struct {
	config  config.NotificationConfig
	logger  *NotificationLogger
	webhook Sender
	now     func() time.Time

	mu      sync.RWMutex
	running bool
	queue   chan *notificationJob
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   NotificationStats
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	Queued        uint64     `json:"queued"`
	Delivered     uint64     `json:"delivered"`
	Failed        uint64     `json:"failed"`
	Dropped       uint64     `json:"dropped"`
	QueueLength   int        `json:"queue_length"`
	LastError     *string    `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

type notificationJob struct {
	notification *models.Notification
}

// NewNotificationManager creates a notification manager. version is sent
// with every payload; metricsManager may be nil.
func NewNotificationManager(cfg config.NotificationConfig, version string, metricsManager *metrics.Manager) *NotificationManager {
	logger := NewNotificationLogger()
	var prom *metrics.PrometheusMetrics
	if metricsManager != nil {
		prom = metricsManager.GetPrometheusMetrics()
	}
	return &NotificationManager{
		config:  cfg,
		logger:  logger,
		webhook: withMetrics(NewWebhookSender(cfg, version, logger), models.NotificationTypeWebhook, prom),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the delivery workers
func (nm *NotificationManager) Start(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Notification manager already running", "")
	}
	nm.queue = make(chan *notificationJob, defaultQueueSize)
	nm.running = true

	for i := 0; i < defaultWorkers; i++ {
		nm.wg.Add(1)
		go nm.worker(ctx)
	}

	nm.logger.Info("Notification manager started", logrus.Fields{
		"webhooks_enabled": nm.config.Enabled,
		"webhooks":         len(nm.config.WebhookURLs),
	})
	return nil
}

// Stop drains the queue and stops the workers
func (nm *NotificationManager) Stop() error {
	nm.mu.Lock()
	if !nm.running {
		nm.mu.Unlock()
		return nil
	}
	nm.running = false
	close(nm.queue)
	nm.mu.Unlock()

	nm.wg.Wait()
	nm.logger.Info("Notification manager stopped", nil)
	return nil
}

// IsHealthy returns whether the manager accepts notifications
func (nm *NotificationManager) IsHealthy() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.running
}

// NotifyCompletion queues the completion of entry. When the manager is not
// running the notification is delivered before returning.
func (nm *NotificationManager) NotifyCompletion(ctx context.Context, entry *models.HistoryEntry) error {
	job := &notificationJob{notification: &models.Notification{
		ID:        utils.GenerateID(),
		Type:      models.NotificationTypeLog,
		Event:     EventActionCompleted,
		UserID:    entry.UserID,
		History:   entry,
		CreatedAt: nm.now(),
	}}

	nm.mu.RLock()
	if !nm.running {
		nm.mu.RUnlock()
		nm.deliver(ctx, job)
		return nil
	}
	defer nm.mu.RUnlock()

	select {
	case nm.queue <- job:
		nm.statsMu.Lock()
		nm.stats.Queued++
		nm.statsMu.Unlock()
		return nil
	default:
		nm.statsMu.Lock()
		nm.stats.Dropped++
		nm.statsMu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Notification queue is full", entry.ID)
	}
}

func (nm *NotificationManager) worker(ctx context.Context) {
	defer nm.wg.Done()
	for job := range nm.queue {
		nm.deliver(context.WithoutCancel(ctx), job)
	}
}

// deliver logs the completion and posts it to every webhook
func (nm *NotificationManager) deliver(ctx context.Context, job *notificationJob) {
	nm.logger.LogCompletion(job)
	if !nm.config.Enabled {
		return
	}

	for _, url := range nm.config.WebhookURLs {
		n := *job.notification
		n.Type = models.NotificationTypeWebhook
		n.Target = url

		err := nm.webhook.Send(ctx, url, &n)
		nm.recordResult(err)
		if err != nil {
			nm.logger.Error("Completion webhook failed", logrus.Fields{
				"notification_id": n.ID,
				"history_id":      n.History.ID,
				"url":             url,
				"attempts":        n.Attempts,
				"error":           err,
			})
		}
	}
}

func (nm *NotificationManager) recordResult(err error) {
	nm.statsMu.Lock()
	defer nm.statsMu.Unlock()
	if err == nil {
		nm.stats.Delivered++
		return
	}
	nm.stats.Failed++
	msg := err.Error()
	now := nm.now()
	nm.stats.LastError = &msg
	nm.stats.LastErrorTime = &now
}

// GetStats returns a snapshot of the notification statistics
func (nm *NotificationManager) GetStats() NotificationStats {
	nm.statsMu.Lock()
	stats := nm.stats
	nm.statsMu.Unlock()

	nm.mu.RLock()
	defer nm.mu.RUnlock()
	if nm.queue != nil {
		stats.QueueLength = len(nm.queue)
	}
	return stats
}
