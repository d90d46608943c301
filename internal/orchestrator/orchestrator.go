// Package orchestrator runs check and reindex actions across a user's
// sites: it estimates and reserves credits, fans out per site, projects the
// results and settles at the actual cost.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/ledger"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/projection"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// ErrActiveRun is returned when the user already has an action in flight
var ErrActiveRun = errors.New("an action is already running")

const maxRetryDelay = 30 * time.Second

// RejectedError is returned when an accepted action is refused before it
// starts. Entry is its recorded failed history entry.
type RejectedError struct {
	Entry *models.HistoryEntry
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("action %s rejected: %v", e.Entry.ID, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// TokenProvider hands out access tokens for a user
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID string) (string, error)
}

// Notifier is told about every finished action
type Notifier interface {
	NotifyCompletion(ctx context.Context, entry *models.HistoryEntry) error
}

// Config holds the orchestrator settings
type Config struct {
	config.OrchestratorConfig
	MaxURLsPerSite      int
	InspectionBatch     int
	MaxSitemapsPerSite  int
	DefaultPageEstimate int
}

// ConfigFrom collects the orchestrator settings from the service config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		OrchestratorConfig:  cfg.Orchestrator,
		MaxURLsPerSite:      cfg.Gateway.MaxURLsPerSite,
		InspectionBatch:     cfg.Gateway.InspectionBatch,
		MaxSitemapsPerSite:  cfg.Gateway.MaxSitemapsPerSite,
		DefaultPageEstimate: cfg.Credits.DefaultPageEst,
	}
}

// Request selects the sites and optionally the URLs of an action. Each URL
// is assigned to the selected site it belongs to.
type Request struct {
	UserID  string            `json:"user_id"`
	Action  models.ActionKind `json:"action"`
	SiteIDs []string          `json:"site_ids"`
	URLs    []string          `json:"urls,omitempty"`
}

// Run is an accepted action whose pending history entry is persisted
type Run struct {
	Entry *models.HistoryEntry
	plan  []*sitePlan
}

// sitePlan is the work planned for one site. Allotment is the number of
// pages paid for up front and caps what the site may process.
type sitePlan struct {
	site      *models.Site
	urls      []string
	allotment int
}

// Orchestrator coordinates actions
type Orchestrator struct {
	store     storage.Storage
	ledger    *ledger.Ledger
	tokens    TokenProvider
	gateway   gateway.Gateway
	projector *projection.Projector
	notifier  Notifier
	validator *RequestValidator
	config    Config
	logger    *logrus.Logger
	metrics   *metrics.PrometheusMetrics
	now       func() time.Time

	wg sync.WaitGroup
}

// New creates an orchestrator. notifier and metricsManager may be nil.
func New(
	store storage.Storage,
	creditLedger *ledger.Ledger,
	tokenProvider TokenProvider,
	gw gateway.Gateway,
	notifier Notifier,
	cfg Config,
	metricsManager *metrics.Manager,
) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		ledger:    creditLedger,
		tokens:    tokenProvider,
		gateway:   gw,
		projector: projection.New(store),
		notifier:  notifier,
		validator: NewRequestValidator(),
		config:    cfg,
		logger:    utils.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if metricsManager != nil {
		o.metrics = metricsManager.GetPrometheusMetrics()
	}
	return o
}

// RunAction runs an action to completion and returns its terminal entry
func (o *Orchestrator) RunAction(ctx context.Context, req Request) (*models.HistoryEntry, error) {
	run, err := o.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run)
}

// Start runs an action in the background. The pending entry is returned as
// soon as it is persisted.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*models.HistoryEntry, error) {
	run, err := o.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	entry := *run.Entry
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		runCtx := context.WithoutCancel(ctx)
		if o.config.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, o.config.RunTimeout)
			defer cancel()
		}
		if _, err := o.Execute(runCtx, run); err != nil {
			o.logger.WithFields(logrus.Fields{
				"history_id": run.Entry.ID,
				"user_id":    req.UserID,
				"error":      err,
			}).Warn("Background action ended with error")
		}
	}()
	return &entry, nil
}

// Wait blocks until background actions have finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ActiveRun returns the user's non-stale pending or processing entry, or nil
func (o *Orchestrator) ActiveRun(ctx context.Context, userID string) (*models.HistoryEntry, error) {
	entries, err := o.store.GetHistories(ctx, models.HistoryFilter{
		UserID:   userID,
		Statuses: []models.HistoryStatus{models.StatusPending, models.StatusProcessing},
	})
	if err != nil {
		return nil, err
	}
	cutoff := o.now().Add(-o.config.StaleAfter)
	for _, e := range entries {
		if e.UpdatedAt.After(cutoff) {
			return e, nil
		}
	}
	return nil, nil
}

// Begin validates the request, estimates its cost and persists the pending
// history entry. No external call is made. A balance below the estimate
// fails the entry at once and returns a RejectedError carrying it.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*Run, error) {
	req.SiteIDs = dedupeStrings(req.SiteIDs)
	if err := o.validator.Validate(&req); err != nil {
		return nil, err
	}

	active, err := o.ActiveRun(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, utils.WrapError(utils.ErrCodeConflict,
			fmt.Sprintf("Action %s is still %s", active.ID, active.Status), ErrActiveRun)
	}

	plan, err := o.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	pages := 0
	for _, p := range plan {
		pages += p.allotment
	}
	estimate := int64(pages) * o.ledger.CostPerPage(req.Action)

	entry := &models.HistoryEntry{
		ID:               utils.GenerateID(),
		UserID:           req.UserID,
		SiteIDs:          req.SiteIDs,
		Action:           req.Action,
		Status:           models.StatusPending,
		Message:          "Queued",
		CreditsEstimated: estimate,
		InitialCount:     pages,
		CreatedAt:        o.now(),
	}
	if err := o.store.CreateHistory(ctx, entry); err != nil {
		return nil, err
	}
	run := &Run{Entry: entry, plan: plan}

	if estimate > 0 {
		if err := o.checkBalance(ctx, req.UserID, estimate); err != nil {
			return nil, o.reject(ctx, run, err)
		}
	}

	o.logger.WithFields(logrus.Fields{
		"history_id": entry.ID,
		"user_id":    req.UserID,
		"action":     req.Action,
		"sites":      len(plan),
		"estimate":   estimate,
	}).Info("Action accepted")
	return run, nil
}

func (o *Orchestrator) checkBalance(ctx context.Context, userID string, estimate int64) error {
	account, err := o.ledger.Account(ctx, userID)
	if err != nil {
		return err
	}
	if account.Balance < estimate {
		return &ledger.InsufficientCreditsError{UserID: userID, Requested: estimate}
	}
	return nil
}

// reject records a run that was refused before any credits were reserved
func (o *Orchestrator) reject(ctx context.Context, run *Run, cause error) error {
	finished, err := o.finish(ctx, run, models.HistoryUpdate{
		Status:  models.StatusFailed,
		Message: reservationFailureMessage(cause, run.Entry.CreditsEstimated),
	}, nil, time.Now())
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"history_id": run.Entry.ID,
			"error":      err,
		}).Error("Failed to record rejected action")
	}
	return &RejectedError{Entry: finished, Err: cause}
}

// plan loads the selected sites and sizes the work of each
func (o *Orchestrator) plan(ctx context.Context, req Request) ([]*sitePlan, error) {
	plans := make([]*sitePlan, 0, len(req.SiteIDs))
	for _, siteID := range req.SiteIDs {
		site, err := o.store.GetSite(ctx, req.UserID, siteID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, &sitePlan{site: site})
	}

	if len(req.URLs) > 0 {
		if err := assignURLs(plans, req.URLs); err != nil {
			return nil, err
		}
	}

	for _, p := range plans {
		switch {
		case len(req.URLs) > 0:
			p.allotment = len(p.urls)
		case req.Action == models.ActionReindex:
			notIndexed := false
			pages, err := o.store.GetPages(ctx, storage.PageFilter{
				SiteID:  p.site.ID,
				Indexed: &notIndexed,
				Limit:   o.config.MaxURLsPerSite,
			})
			if err != nil {
				return nil, err
			}
			for _, page := range pages {
				p.urls = append(p.urls, page.URL)
			}
			p.allotment = len(p.urls)
		default:
			counters, err := o.store.CountPages(ctx, p.site.ID)
			if err != nil {
				return nil, err
			}
			// Known pages are rechecked and discovery may find more
			p.allotment = max(counters.TotalPages, o.config.DefaultPageEstimate)
		}
		if o.config.MaxURLsPerSite > 0 && p.allotment > o.config.MaxURLsPerSite {
			p.allotment = o.config.MaxURLsPerSite
		}
		if len(p.urls) > p.allotment {
			p.urls = p.urls[:p.allotment]
		}
	}
	return plans, nil
}

// assignURLs gives each URL to the selected site whose URL prefixes it
func assignURLs(plans []*sitePlan, urls []string) error {
	var unmatched []string
	for _, u := range dedupeStrings(urls) {
		var best *sitePlan
		for _, p := range plans {
			if belongsTo(u, p.site) && (best == nil || len(p.site.URL) > len(best.site.URL)) {
				best = p
			}
		}
		if best == nil {
			unmatched = append(unmatched, u)
			continue
		}
		best.urls = append(best.urls, u)
	}
	if len(unmatched) > 0 {
		return utils.NewAppError(utils.ErrCodeValidation,
			"URLs do not belong to any selected site", strings.Join(unmatched, ", "))
	}
	return nil
}

func belongsTo(pageURL string, site *models.Site) bool {
	if strings.HasPrefix(pageURL, site.URL) || pageURL+"/" == site.URL {
		return true
	}
	if strings.HasPrefix(site.PropertyID, "sc-domain:") {
		host := strings.TrimPrefix(site.PropertyID, "sc-domain:")
		return hostOf(pageURL) == host || strings.HasSuffix(hostOf(pageURL), "."+host)
	}
	return false
}

// Execute reserves credits, processes every site and writes the terminal
// entry. The returned error is non-nil only when the run could not start
// or its terminal state could not be recorded.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*models.HistoryEntry, error) {
	entry := run.Entry
	start := time.Now()
	logger := o.logger.WithFields(logrus.Fields{
		"history_id": entry.ID,
		"user_id":    entry.UserID,
		"action":     entry.Action,
	})

	if entry.CreditsEstimated == 0 {
		status := entry.Action.NothingToDo()
		return o.finish(ctx, run, models.HistoryUpdate{
			Status:  status,
			Message: nothingToDoMessage(entry.Action),
		}, nil, start)
	}

	reservation, err := o.ledger.Reserve(ctx, entry.UserID, entry.CreditsEstimated, entry.ID)
	if err != nil {
		if _, finishErr := o.finish(ctx, run, models.HistoryUpdate{
			Status:  models.StatusFailed,
			Message: reservationFailureMessage(err, entry.CreditsEstimated),
		}, nil, start); finishErr != nil {
			logger.WithError(finishErr).Error("Failed to record reservation failure")
		}
		return entry, err
	}

	if err := o.store.TransitionHistory(ctx, entry.ID, models.HistoryUpdate{
		Status:        models.StatusProcessing,
		Message:       fmt.Sprintf("Processing %d sites", len(run.plan)),
		ReservationID: reservation.ID,
		InitialCount:  entry.InitialCount,
		At:            o.now(),
	}); err != nil {
		logger.WithError(err).Error("Failed to mark action processing")
		o.settle(ctx, reservation, 0, logger)
		return entry, err
	}
	entry.Status = models.StatusProcessing
	entry.ReservationID = reservation.ID

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	results := o.processSites(ctx, entry, run.plan)
	update := o.summarize(entry, results, reservation)

	return o.finish(ctx, run, update, reservation, start)
}

// processSites runs every site with bounded concurrency. Site failures are
// contained in their results.
func (o *Orchestrator) processSites(ctx context.Context, entry *models.HistoryEntry, plans []*sitePlan) []models.SiteResult {
	results := make([]models.SiteResult, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	if o.config.MaxConcurrentSites > 0 {
		g.SetLimit(o.config.MaxConcurrentSites)
	}

	for i, p := range plans {
		g.Go(func() error {
			results[i] = o.runSiteSafely(gctx, entry, p)
			o.heartbeat(ctx, entry)
			return nil
		})
	}
	g.Wait()
	return results
}

// heartbeat keeps a long run from looking abandoned to the reconciler
func (o *Orchestrator) heartbeat(ctx context.Context, entry *models.HistoryEntry) {
	if err := o.store.TouchHistory(context.WithoutCancel(ctx), entry.ID, o.now()); err != nil {
		o.logger.WithFields(logrus.Fields{
			"history_id": entry.ID,
			"error":      err,
		}).Warn("Failed to record action progress")
	}
}

// summarize turns the site results into the terminal update. Only sites
// that did not fail are billed.
func (o *Orchestrator) summarize(entry *models.HistoryEntry, results []models.SiteResult, reservation *models.Reservation) models.HistoryUpdate {
	var processed, indexed, failed int
	var failures []string
	for _, r := range results {
		if r.Outcome == models.SiteFailed {
			failed++
			failures = append(failures, fmt.Sprintf("%s (%s)", r.SiteName, r.Message))
			continue
		}
		processed += r.Processed
		indexed += r.Indexed
	}

	used := int64(processed) * o.ledger.CostPerPage(entry.Action)
	if used > reservation.Amount {
		used = reservation.Amount
	}

	var status models.HistoryStatus
	switch {
	case failed == len(results):
		status = models.StatusFailed
	case failed > 0:
		status = models.StatusCompletedWithErrors
	case processed == 0:
		status = entry.Action.NothingToDo()
	default:
		status = models.StatusSuccessful
	}

	var message string
	switch status {
	case models.StatusFailed:
		message = "All sites failed: " + strings.Join(failures, "; ")
	case entry.Action.NothingToDo():
		message = nothingToDoMessage(entry.Action)
	default:
		message = summaryMessage(entry.Action, processed, indexed, len(results)-failed)
		if failed > 0 {
			message += " Failed: " + strings.Join(failures, "; ")
		}
	}

	return models.HistoryUpdate{
		Status:         status,
		Message:        message,
		InitialCount:   entry.InitialCount,
		ProcessedCount: processed,
		IndexedCount:   indexed,
		CreditsUsed:    used,
		Sites:          results,
	}
}

// finish writes the terminal entry, settles the reservation and notifies
func (o *Orchestrator) finish(ctx context.Context, run *Run, update models.HistoryUpdate, reservation *models.Reservation, start time.Time) (*models.HistoryEntry, error) {
	entry := run.Entry
	logger := o.logger.WithFields(logrus.Fields{
		"history_id": entry.ID,
		"user_id":    entry.UserID,
		"action":     entry.Action,
	})
	persistCtx := context.WithoutCancel(ctx)

	if update.InitialCount == 0 {
		update.InitialCount = entry.InitialCount
	}
	update.At = o.now()

	err := o.store.TransitionHistory(persistCtx, entry.ID, update)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.WithError(err).Warn("Action was finished elsewhere; keeping recorded state")
		} else {
			logger.WithError(err).Error("Failed to record terminal status")
		}
	}

	if reservation != nil {
		o.settle(persistCtx, reservation, update.CreditsUsed, logger)
	}

	finished, getErr := o.store.GetHistory(persistCtx, entry.ID)
	if getErr != nil {
		return entry, errors.Join(err, getErr)
	}

	if o.metrics != nil {
		o.metrics.RecordAction(string(entry.Action), string(finished.Status), time.Since(start))
	}
	logger.WithFields(logrus.Fields{
		"status":       finished.Status,
		"processed":    finished.ProcessedCount,
		"credits_used": update.CreditsUsed,
		"duration":     time.Since(start),
	}).Info("Action finished")

	if o.notifier != nil && finished.Status.IsTerminal() {
		if notifyErr := o.notifier.NotifyCompletion(persistCtx, finished); notifyErr != nil {
			logger.WithError(notifyErr).Warn("Failed to queue completion notification")
		}
	}

	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return finished, err
	}
	return finished, nil
}

func (o *Orchestrator) settle(ctx context.Context, reservation *models.Reservation, actual int64, logger *logrus.Entry) {
	policy := utils.RetryPolicy{
		MaxAttempts: o.config.SettleAttempts,
		BaseDelay:   o.config.SettleDelay,
		MaxDelay:    maxRetryDelay,
	}
	if _, err := o.ledger.SettleWithRetry(ctx, reservation.ID, actual, policy); err != nil {
		logger.WithFields(logrus.Fields{
			"reservation_id": reservation.ID,
			"actual":         actual,
			"error":          err,
		}).Error("Reservation not settled; reconciler will retry")
	}
}

func (o *Orchestrator) retryPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxAttempts: o.config.RetryAttempts,
		BaseDelay:   o.config.RetryDelay,
		MaxDelay:    maxRetryDelay,
	}
}

func reservationFailureMessage(err error, estimate int64) string {
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		return fmt.Sprintf("Insufficient credits: %d required", estimate)
	}
	return "Could not reserve credits"
}

func nothingToDoMessage(action models.ActionKind) string {
	if action == models.ActionReindex {
		return "No URLs to reindex"
	}
	return "No URLs found"
}

func summaryMessage(action models.ActionKind, processed, indexed, sites int) string {
	if action == models.ActionReindex {
		return fmt.Sprintf("Submitted %d URLs for reindexing across %d sites.", processed, sites)
	}
	return fmt.Sprintf("Checked %d URLs across %d sites. Found %d indexed or neutral.", processed, sites, indexed)
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
