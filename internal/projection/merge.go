package projection

import (
	"time"

	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
)

// MergeInspections computes the new state of every inspected page. Results
// carrying an error are counted as rejected and change nothing. A verdict
// that says nothing about the index keeps the previous indexed flag.
func MergeInspections(existing map[string]*models.Page, siteID string, results []gateway.Inspection, at time.Time) ([]*models.Page, *Result) {
	at = at.UTC()
	result := &Result{}
	merged := make(map[string]*models.Page, len(results))
	order := make([]string, 0, len(results))

	for _, r := range results {
		if r.Error != "" {
			result.Rejected++
			continue
		}

		page, seen := merged[r.URL]
		if !seen {
			page = basePage(existing, siteID, r.URL)
			merged[r.URL] = page
			order = append(order, r.URL)
		}

		if indexed, ok := r.Indexed(); ok {
			page.Indexed = indexed
		}
		page.Status = r.Status()
		checked := at
		page.LastCheckedAt = &checked
		page.UpdatedAt = at
	}

	pages := make([]*models.Page, 0, len(order))
	for _, u := range order {
		page := merged[u]
		result.Processed++
		if page.Indexed {
			result.Indexed++
		}
		pages = append(pages, page)
	}
	return pages, result
}

// MergeSubmissions marks accepted reindex requests on their pages. The
// indexed flag and status of known pages are kept; new pages start as not
// indexed.
func MergeSubmissions(existing map[string]*models.Page, siteID string, results []gateway.Submission, at time.Time) ([]*models.Page, *Result) {
	at = at.UTC()
	result := &Result{}
	merged := make(map[string]*models.Page, len(results))
	order := make([]string, 0, len(results))

	for _, r := range results {
		if r.Error != "" {
			result.Rejected++
			continue
		}

		page, seen := merged[r.URL]
		if !seen {
			page = basePage(existing, siteID, r.URL)
			merged[r.URL] = page
			order = append(order, r.URL)
		}

		requested := at
		if r.NotifyTime != nil {
			requested = r.NotifyTime.UTC()
		}
		page.LastReindexRequest = &requested
		if page.Status == "" {
			page.Status = StatusReindexRequested
		}
		page.UpdatedAt = at
	}

	pages := make([]*models.Page, 0, len(order))
	for _, u := range order {
		result.Processed++
		if merged[u].Indexed {
			result.Indexed++
		}
		pages = append(pages, merged[u])
	}
	return pages, result
}

// basePage returns a copy of the stored page, or a new one
func basePage(existing map[string]*models.Page, siteID, url string) *models.Page {
	if page, ok := existing[url]; ok && page != nil {
		copied := *page
		return &copied
	}
	return &models.Page{SiteID: siteID, URL: url}
}
