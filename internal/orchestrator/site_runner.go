package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/internal/tokens"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// siteRun is the state of one site within an action
type siteRun struct {
	o      *Orchestrator
	entry  *models.HistoryEntry
	plan   *sitePlan
	token  string
	logger *logrus.Entry
}

// runSiteSafely processes one site under its own timeout and turns panics
// and errors into a failed result
func (o *Orchestrator) runSiteSafely(ctx context.Context, entry *models.HistoryEntry, p *sitePlan) (result models.SiteResult) {
	site := p.site
	result = models.SiteResult{SiteID: site.ID, SiteName: site.Name}
	logger := o.logger.WithFields(logrus.Fields{
		"history_id": entry.ID,
		"user_id":    entry.UserID,
		"site_id":    site.ID,
		"action":     entry.Action,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Site run panicked")
			result.Outcome = models.SiteFailed
			result.Message = "internal error"
		}
		o.recordSite(ctx, entry, site, result, logger)
	}()

	if o.config.SiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.SiteTimeout)
		defer cancel()
	}

	run := &siteRun{o: o, entry: entry, plan: p, logger: logger}
	var err error
	if entry.Action == models.ActionReindex {
		err = run.reindex(ctx, &result)
	} else {
		err = run.check(ctx, &result)
	}
	if err != nil {
		result.Outcome = models.SiteFailed
		result.Message = describeError(ctx, err)
		logger.WithFields(logrus.Fields{
			"processed": result.Processed,
			"error":     err,
		}).Warn("Site failed")
	}
	return result
}

// recordSite stores the outcome on the site record
func (o *Orchestrator) recordSite(ctx context.Context, entry *models.HistoryEntry, site *models.Site, result models.SiteResult, logger *logrus.Entry) {
	if o.metrics != nil {
		o.metrics.RecordSiteProcessed(string(entry.Action), string(result.Outcome))
	}
	err := o.projector.RecordSiteStatus(context.WithoutCancel(ctx), site.ID, models.SiteStatusUpdate{
		Action:  entry.Action,
		Status:  string(result.Outcome),
		Message: result.Message,
		At:      o.now(),
	})
	if err != nil && !storage.IsNotFound(err) {
		logger.WithError(err).Warn("Failed to record site status")
	}
}

func (r *siteRun) check(ctx context.Context, result *models.SiteResult) error {
	if r.plan.allotment == 0 {
		result.Outcome = models.SiteEmpty
		result.Message = nothingToDoMessage(models.ActionCheck)
		return nil
	}
	if err := r.acquireToken(ctx); err != nil {
		return err
	}

	urls := r.plan.urls
	if len(urls) == 0 {
		discovered, err := r.discover(ctx)
		if err != nil {
			return err
		}
		urls = discovered
	}
	if len(urls) == 0 {
		result.Outcome = models.SiteEmpty
		result.Message = nothingToDoMessage(models.ActionCheck)
		return nil
	}

	var rejected int
	var firstRejection string
	for _, batch := range batches(urls, r.o.config.InspectionBatch) {
		var inspections []gateway.Inspection
		err := r.call(ctx, "inspect", func(token string) error {
			var err error
			inspections, err = r.o.gateway.InspectURLs(ctx, token, r.plan.site.Target(), batch)
			return err
		})
		if err != nil {
			return err
		}

		merged, err := r.o.projector.ApplyInspections(ctx, r.plan.site.ID, inspections, r.o.now())
		if err != nil {
			return err
		}
		result.Processed += merged.Processed
		result.Indexed += merged.Indexed
		rejected += merged.Rejected
		if firstRejection == "" {
			firstRejection = firstError(inspections)
		}
	}

	if result.Processed == 0 && rejected > 0 {
		return fmt.Errorf("all URLs rejected: %s", firstRejection)
	}
	result.Outcome = models.SiteOK
	result.Message = fmt.Sprintf("Checked %d URLs. Found %d indexed or neutral.", result.Processed, result.Indexed)
	if rejected > 0 {
		result.Message += fmt.Sprintf(" %d URLs rejected.", rejected)
	}
	return nil
}

func (r *siteRun) reindex(ctx context.Context, result *models.SiteResult) error {
	urls := r.plan.urls
	if len(urls) == 0 {
		result.Outcome = models.SiteEmpty
		result.Message = nothingToDoMessage(models.ActionReindex)
		return nil
	}
	if err := r.acquireToken(ctx); err != nil {
		return err
	}

	var rejected int
	var firstRejection string
	for _, batch := range batches(urls, r.o.config.InspectionBatch) {
		var submissions []gateway.Submission
		err := r.call(ctx, "submit", func(token string) error {
			var err error
			submissions, err = r.o.gateway.SubmitForIndexing(ctx, token, batch)
			return err
		})
		if err != nil {
			return err
		}

		merged, err := r.o.projector.ApplySubmissions(ctx, r.plan.site.ID, submissions, r.o.now())
		if err != nil {
			return err
		}
		result.Processed += merged.Processed
		rejected += merged.Rejected
		if firstRejection == "" {
			for _, s := range submissions {
				if s.Error != "" {
					firstRejection = s.Error
					break
				}
			}
		}
	}

	if result.Processed == 0 && rejected > 0 {
		return fmt.Errorf("all URLs rejected: %s", firstRejection)
	}
	result.Outcome = models.SiteOK
	result.Message = fmt.Sprintf("Submitted %d URLs for reindexing.", result.Processed)
	if rejected > 0 {
		result.Message += fmt.Sprintf(" %d URLs rejected.", rejected)
	}
	return nil
}

// discover collects the URLs to check: known pages first, then pages with
// search traffic, then sitemap entries. Discovery sources other than the
// known pages are best effort.
func (r *siteRun) discover(ctx context.Context) ([]string, error) {
	limit := r.plan.allotment
	site := r.plan.site
	var urls []string
	seen := make(map[string]bool)
	add := func(candidates []string) {
		for _, u := range candidates {
			if len(urls) >= limit {
				return
			}
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}

	known, err := r.o.store.GetPages(ctx, storage.PageFilter{SiteID: site.ID, Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, page := range known {
		add([]string{page.URL})
	}

	if len(urls) < limit {
		var pages []string
		err := r.call(ctx, "query_pages", func(token string) error {
			var err error
			pages, err = r.o.gateway.QueryPages(ctx, token, site.Target(), limit)
			return err
		})
		if err := r.bestEffort("search analytics", err); err != nil {
			return nil, err
		}
		add(pages)
	}

	if len(urls) < limit {
		var sitemaps []gateway.Sitemap
		err := r.call(ctx, "list_sitemaps", func(token string) error {
			var err error
			sitemaps, err = r.o.gateway.ListSitemaps(ctx, token, site.Target())
			return err
		})
		if err := r.bestEffort("sitemap listing", err); err != nil {
			return nil, err
		}

		for i, sm := range sitemaps {
			if len(urls) >= limit || (r.o.config.MaxSitemapsPerSite > 0 && i >= r.o.config.MaxSitemapsPerSite) {
				break
			}
			var entries []string
			err := utils.Retry(ctx, r.o.retryPolicy(), gateway.Retryable, func(int) error {
				var err error
				entries, err = r.o.gateway.FetchSitemapURLs(ctx, sm.Path, limit-len(urls))
				return err
			})
			if err := r.bestEffort("sitemap "+sm.Path, err); err != nil {
				return nil, err
			}
			add(entries)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"known":      len(known),
		"discovered": len(urls),
		"limit":      limit,
	}).Debug("URLs discovered")
	return urls, nil
}

// bestEffort swallows discovery errors that do not concern the whole site
func (r *siteRun) bestEffort(source string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tokens.ErrNotConnected) || gateway.IsAuthExpired(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"source": source,
		"error":  err,
	}).Warn("URL discovery source skipped")
	return nil
}

func (r *siteRun) acquireToken(ctx context.Context) error {
	token, err := r.o.tokens.GetValidToken(ctx, r.entry.UserID)
	if err != nil {
		return err
	}
	r.token = token
	return nil
}

// call runs fn with backoff on rate limits and transient failures. An
// expired token is refreshed once per site and the call repeated.
func (r *siteRun) call(ctx context.Context, operation string, fn func(token string) error) error {
	refreshed := false
	return utils.Retry(ctx, r.o.retryPolicy(), gateway.Retryable, func(attempt int) error {
		err := fn(r.token)
		if gateway.IsAuthExpired(err) && !refreshed {
			refreshed = true
			r.logger.WithField("operation", operation).Info("Access token rejected; refreshing")
			token, refreshErr := r.o.tokens.ForceRefresh(ctx, r.entry.UserID)
			if refreshErr != nil {
				return refreshErr
			}
			r.token = token
			err = fn(r.token)
		}
		if err != nil && gateway.Retryable(err) {
			r.logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"error":     err,
			}).Warn("Gateway call failed; backing off")
		}
		return err
	})
}

// describeError renders a site failure for the user
func describeError(ctx context.Context, err error) string {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, tokens.ErrNotConnected):
		return "search console not connected"
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.As(err, &gwErr):
		switch gwErr.Kind {
		case gateway.KindAuthExpired:
			return "authorization expired"
		case gateway.KindRateLimited:
			return "rate limited: " + gwErr.Message
		}
		return gwErr.Message
	}
	return err.Error()
}

func firstError(inspections []gateway.Inspection) string {
	for _, i := range inspections {
		if i.Error != "" {
			return i.Error
		}
	}
	return ""
}

func batches(urls []string, size int) [][]string {
	if size <= 0 {
		size = len(urls)
	}
	var out [][]string
	for start := 0; start < len(urls); start += size {
		end := start + size
		if end > len(urls) {
			end = len(urls)
		}
		out = append(out, urls[start:end])
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
