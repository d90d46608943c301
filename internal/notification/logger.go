package notification

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// NotificationLogger adds notification context to log lines
type NotificationLogger struct {
	logger  *logrus.Logger
	context logrus.Fields
}

// NewNotificationLogger creates a logger on top of the service logger
func NewNotificationLogger() *NotificationLogger {
	return &NotificationLogger{
		logger:  utils.GetLogger(),
		context: logrus.Fields{"component": "notification"},
	}
}

// WithField returns a copy of the logger carrying key
func (nl *NotificationLogger) WithField(key string, value interface{}) *NotificationLogger {
	fields := make(logrus.Fields, len(nl.context)+1)
	for k, v := range nl.context {
		fields[k] = v
	}
	fields[key] = value
	return &NotificationLogger{logger: nl.logger, context: fields}
}

func (nl *NotificationLogger) entry(fields logrus.Fields) *logrus.Entry {
	e := nl.logger.WithFields(nl.context)
	if len(fields) > 0 {
		e = e.WithFields(fields)
	}
	return e
}

// Debug logs a debug message
func (nl *NotificationLogger) Debug(message string, fields logrus.Fields) {
	nl.entry(fields).Debug(message)
}

// Info logs an info message
func (nl *NotificationLogger) Info(message string, fields logrus.Fields) {
	nl.entry(fields).Info(message)
}

// Warn logs a warning message
func (nl *NotificationLogger) Warn(message string, fields logrus.Fields) {
	nl.entry(fields).Warn(message)
}

// Error logs an error message
func (nl *NotificationLogger) Error(message string, fields logrus.Fields) {
	nl.entry(fields).Error(message)
}

// LogWebhookAttempt logs a webhook attempt
func (nl *NotificationLogger) LogWebhookAttempt(url, notificationID string, attempt int) {
	nl.Debug("Webhook attempt started", logrus.Fields{
		"url":             url,
		"notification_id": notificationID,
		"attempt":         attempt,
	})
}

// LogWebhookResponse logs a webhook response
func (nl *NotificationLogger) LogWebhookResponse(url string, statusCode int, duration time.Duration, err error) {
	fields := logrus.Fields{
		"url":         url,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		nl.Warn("Webhook failed", fields)
		return
	}
	nl.Info("Webhook completed", fields)
}

// LogRetryAttempt logs a retry attempt
func (nl *NotificationLogger) LogRetryAttempt(operation string, attempt, maxAttempts int, delay time.Duration) {
	nl.Warn("Retrying operation", logrus.Fields{
		"operation":    operation,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"retry_delay":  delay.String(),
	})
}

// LogCompletion writes the completion of an action to the service log
func (nl *NotificationLogger) LogCompletion(n *notificationJob) {
	h := n.notification.History
	fields := logrus.Fields{
		"notification_id": n.notification.ID,
		"history_id":      h.ID,
		"user_id":         h.UserID,
		"action":          h.Action,
		"status":          h.Status,
		"processed":       h.ProcessedCount,
		"indexed":         h.IndexedCount,
	}
	if h.CreditsUsed != nil {
		fields["credits_used"] = *h.CreditsUsed
	}
	nl.Info("Action completed", fields)
}
