// Package gateway talks to the search console, URL inspection and indexing
// APIs on behalf of a user.
package gateway

import (
	"context"
	"time"
)

// Gateway defines the external indexing operations. Every call takes the
// user's bearer token; refreshing it is the caller's job.
type Gateway interface {
	// ListProperties returns the properties the token can access
	ListProperties(ctx context.Context, token string) ([]Property, error)
	// ListSitemaps returns the sitemaps registered for a property
	ListSitemaps(ctx context.Context, token, property string) ([]Sitemap, error)
	// QueryPages returns pages with search traffic in the lookback window
	QueryPages(ctx context.Context, token, property string, limit int) ([]string, error)
	// InspectURLs returns the index verdict of each URL. URLs the API
	// refuses are reported through Inspection.Error.
	InspectURLs(ctx context.Context, token, property string, urls []string) ([]Inspection, error)
	// SubmitForIndexing asks the indexing API to recrawl each URL
	SubmitForIndexing(ctx context.Context, token string, urls []string) ([]Submission, error)
	// FetchSitemapURLs downloads a sitemap and returns the page URLs it
	// lists, following a sitemap index one level deep.
	FetchSitemapURLs(ctx context.Context, sitemapURL string, limit int) ([]string, error)
}

// Property is a search console property
type Property struct {
	SiteURL         string `json:"siteUrl"`
	PermissionLevel string `json:"permissionLevel"`
}

// Sitemap is a sitemap registered in search console
type Sitemap struct {
	Path           string `json:"path"`
	Type           string `json:"type"`
	IsSitemapIndex bool   `json:"isSitemapsIndex"`
	IsPending      bool   `json:"isPending"`
	LastDownloaded string `json:"lastDownloaded"`
}

// Inspection is the index state of one URL
type Inspection struct {
	URL           string     `json:"url"`
	Verdict       string     `json:"verdict"`
	CoverageState string     `json:"coverage_state"`
	LastCrawlTime *time.Time `json:"last_crawl_time,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Submission is the result of one indexing request
type Submission struct {
	URL        string     `json:"url"`
	NotifyTime *time.Time `json:"notify_time,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Verdicts returned by URL inspection
const (
	VerdictPass    = "PASS"
	VerdictNeutral = "NEUTRAL"
	VerdictFail    = "FAIL"
)

// Indexed interprets a verdict. ok is false when the verdict says nothing
// about the index state and the previous value should be kept.
func (i Inspection) Indexed() (indexed bool, ok bool) {
	switch i.Verdict {
	case VerdictPass, VerdictNeutral:
		return true, true
	case VerdictFail:
		return false, true
	}
	return false, false
}

// Status is the page status recorded for an inspection
func (i Inspection) Status() string {
	switch {
	case i.CoverageState != "":
		return i.CoverageState
	case i.Verdict != "":
		return i.Verdict
	}
	return "UNKNOWN"
}
