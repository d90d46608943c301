// Package projection merges gateway results into the stored site and page
// records. It is only called by the orchestrator.
package projection

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// StatusReindexRequested is the status of a page first seen through a
// reindex request
const StatusReindexRequested = "REINDEX_REQUESTED"

// Result summarizes one merge
type Result struct {
	Processed int                 `json:"processed"`
	Indexed   int                 `json:"indexed"`
	Rejected  int                 `json:"rejected"`
	Counters  models.SiteCounters `json:"counters"`
}

// Projector writes merged page state and site counters
type Projector struct {
	store  storage.SiteStore
	logger *logrus.Logger
}

// New creates a projector
func New(store storage.SiteStore) *Projector {
	return &Projector{
		store:  store,
		logger: utils.GetLogger(),
	}
}

// ApplyInspections upserts the inspected pages of a site and recomputes its
// counters. Pages missing from results are left untouched.
func (p *Projector) ApplyInspections(ctx context.Context, siteID string, results []gateway.Inspection, at time.Time) (*Result, error) {
	existing, err := p.existingPages(ctx, siteID, inspectionURLs(results))
	if err != nil {
		return nil, err
	}

	pages, result := MergeInspections(existing, siteID, results, at)
	return p.persist(ctx, siteID, pages, result)
}

// ApplySubmissions records accepted reindex requests and recomputes the
// site counters
func (p *Projector) ApplySubmissions(ctx context.Context, siteID string, results []gateway.Submission, at time.Time) (*Result, error) {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	existing, err := p.existingPages(ctx, siteID, urls)
	if err != nil {
		return nil, err
	}

	pages, result := MergeSubmissions(existing, siteID, results, at)
	return p.persist(ctx, siteID, pages, result)
}

// RecordSiteStatus stores the outcome of the latest action on a site
func (p *Projector) RecordSiteStatus(ctx context.Context, siteID string, update models.SiteStatusUpdate) error {
	update.At = update.At.UTC()
	return p.store.UpdateSiteStatus(ctx, siteID, update)
}

func (p *Projector) persist(ctx context.Context, siteID string, pages []*models.Page, result *Result) (*Result, error) {
	if err := p.store.UpsertPages(ctx, pages); err != nil {
		return nil, err
	}

	counters, err := p.store.CountPages(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateSiteCounters(ctx, siteID, counters); err != nil {
		return nil, err
	}
	result.Counters = counters

	p.logger.WithFields(logrus.Fields{
		"component":     "projection",
		"site_id":       siteID,
		"pages_written": len(pages),
		"total_pages":   counters.TotalPages,
		"indexed_pages": counters.IndexedPages,
	}).Debug("Projection updated")
	return result, nil
}

func (p *Projector) existingPages(ctx context.Context, siteID string, urls []string) (map[string]*models.Page, error) {
	existing := make(map[string]*models.Page, len(urls))
	if len(urls) == 0 {
		return existing, nil
	}
	pages, err := p.store.GetPages(ctx, storage.PageFilter{SiteID: siteID, URLs: urls})
	if err != nil {
		return nil, err
	}
	for _, page := range pages {
		existing[page.URL] = page
	}
	return existing, nil
}

func inspectionURLs(results []gateway.Inspection) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}
