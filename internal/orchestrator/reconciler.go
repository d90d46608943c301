package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/ledger"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	TimedOut int `json:"timed_out"`
	Settled  int `json:"settled"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Reconciler fails abandoned actions and settles reservations whose action
// ended without settling, so that no credits stay held forever.
type Reconciler struct {
	store    storage.Storage
	ledger   *ledger.Ledger
	config   Config
	logger   *logrus.Logger
	metrics  *metrics.PrometheusMetrics
	now      func() time.Time
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. metricsManager may be nil.
func NewReconciler(store storage.Storage, creditLedger *ledger.Ledger, cfg Config, metricsManager *metrics.Manager) *Reconciler {
	r := &Reconciler{
		store:    store,
		ledger:   creditLedger,
		config:   cfg,
		logger:   utils.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
	if metricsManager != nil {
		r.metrics = metricsManager.GetPrometheusMetrics()
	}
	return r
}

// Start runs a pass immediately and then every ReconcileInterval
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Reconciler already running", "")
	}
	if r.config.ReconcileInterval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Reconcile interval must be positive", "")
	}
	r.running = true

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.WithField("interval", r.config.ReconcileInterval).Info("Reconciler started")
	return nil
}

// Stop stops the reconciler and waits for the current pass
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		r.runLogged(ctx)
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if r.metrics != nil {
		r.metrics.UpdateComponentHealth("reconciler", err == nil)
	}
	if err != nil {
		r.logger.WithError(err).Error("Reconciliation pass failed")
		return
	}
	if report.TimedOut+report.Settled+report.Failed > 0 {
		r.logger.WithFields(logrus.Fields{
			"timed_out": report.TimedOut,
			"settled":   report.Settled,
			"failed":    report.Failed,
		}).Info("Reconciliation pass finished")
	}
}

// RunOnce fails stale actions, then settles every pending reservation whose
// action is terminal or gone.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	cutoff := r.now().Add(-r.config.StaleAfter)

	if err := r.expireStale(ctx, cutoff, report); err != nil {
		return report, err
	}

	reservations, err := r.store.GetPendingReservations(ctx)
	if err != nil {
		return report, err
	}
	for _, res := range reservations {
		actual, ok, err := r.settlementFor(ctx, res, cutoff)
		if err != nil {
			report.Failed++
			r.logger.WithError(err).WithField("reservation_id", res.ID).Warn("Could not resolve reservation action")
			continue
		}
		if !ok {
			report.Skipped++
			continue
		}

		if _, err := r.ledger.Settle(ctx, res.ID, actual); err != nil {
			report.Failed++
			r.logger.WithFields(logrus.Fields{
				"reservation_id": res.ID,
				"actual":         actual,
				"error":          err,
			}).Warn("Reconciler could not settle reservation")
			continue
		}
		report.Settled++
		r.logger.WithFields(logrus.Fields{
			"reservation_id": res.ID,
			"user_id":        res.UserID,
			"actual":         actual,
		}).Info("Reservation settled by reconciler")
	}
	return report, nil
}

// expireStale fails pending and processing entries not updated since cutoff
func (r *Reconciler) expireStale(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	stale, err := r.store.GetHistories(ctx, models.HistoryFilter{
		Statuses: []models.HistoryStatus{models.StatusPending, models.StatusProcessing},
		Before:   &cutoff,
	})
	if err != nil {
		return err
	}

	for _, entry := range stale {
		err := r.store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{
			Status:         models.StatusFailed,
			Message:        "Action timed out",
			InitialCount:   entry.InitialCount,
			ProcessedCount: entry.ProcessedCount,
			IndexedCount:   entry.IndexedCount,
			At:             r.now(),
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			report.Failed++
			r.logger.WithError(err).WithField("history_id", entry.ID).Warn("Could not expire stale action")
			continue
		}
		report.TimedOut++
		if r.metrics != nil {
			r.metrics.RecordAction(string(entry.Action), string(models.StatusFailed), r.now().Sub(entry.CreatedAt))
		}
		r.logger.WithFields(logrus.Fields{
			"history_id": entry.ID,
			"user_id":    entry.UserID,
			"status":     entry.Status,
		}).Warn("Stale action marked failed")
	}
	return nil
}

// settlementFor decides the final cost of a pending reservation. ok is false
// while the owning action may still be running.
func (r *Reconciler) settlementFor(ctx context.Context, res *models.Reservation, cutoff time.Time) (int64, bool, error) {
	if res.Reference == "" {
		return 0, res.CreatedAt.Before(cutoff), nil
	}
	entry, err := r.store.GetHistory(ctx, res.Reference)
	if storage.IsNotFound(err) {
		return 0, res.CreatedAt.Before(cutoff), nil
	}
	if err != nil {
		return 0, false, err
	}
	if !entry.Status.IsTerminal() {
		return 0, false, nil
	}
	if entry.CreditsUsed == nil {
		return 0, true, nil
	}
	return *entry.CreditsUsed, true, nil
}
