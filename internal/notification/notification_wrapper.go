package notification

import (
	"context"
	"errors"
	"time"

	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// Sender delivers one notification to one target
type Sender interface {
	Send(ctx context.Context, target string, n *models.Notification) error
}

// senderWithMetrics records delivery outcomes of a Sender
type senderWithMetrics struct {
	Sender
	channel models.NotificationType
	metrics *metrics.PrometheusMetrics
}

// withMetrics wraps sender; a nil metrics returns sender unchanged
func withMetrics(sender Sender, channel models.NotificationType, m *metrics.PrometheusMetrics) Sender {
	if m == nil {
		return sender
	}
	return &senderWithMetrics{Sender: sender, channel: channel, metrics: m}
}

// Send sends a notification and records metrics
func (s *senderWithMetrics) Send(ctx context.Context, target string, n *models.Notification) error {
	start := time.Now()
	err := s.Sender.Send(ctx, target, n)
	if err != nil {
		s.metrics.RecordNotificationFailure(string(s.channel), n.Event, failureType(err))
		return err
	}
	s.metrics.RecordNotificationSent(string(s.channel), n.Event, time.Since(start))
	return nil
}

func failureType(err error) string {
	var permanent *permanentError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.As(err, &permanent):
		return "rejected"
	case utils.ErrorCode(err) == utils.ErrCodeExternal:
		return "send_error"
	}
	return "internal"
}
