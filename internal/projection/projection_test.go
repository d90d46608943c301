package projection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Projector, storage.Storage, *models.Site) {
	t.Helper()
	utils.Logger = utils.NewNopLogger()

	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "projection.db"),
		MaxConnections:   4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	site := &models.Site{UserID: "u1", Name: "example.com", URL: "https://example.com/"}
	require.NoError(t, store.CreateSite(context.Background(), site))
	return New(store), store, site
}

func pageState(t *testing.T, store storage.Storage, siteID string) map[string]models.Page {
	t.Helper()
	pages, err := store.GetPages(context.Background(), storage.PageFilter{SiteID: siteID})
	require.NoError(t, err)
	state := make(map[string]models.Page, len(pages))
	for _, p := range pages {
		copied := *p
		copied.UpdatedAt = time.Time{}
		state[p.URL] = copied
	}
	return state
}

func TestMergeInspections(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	existing := map[string]*models.Page{
		"https://example.com/a": {ID: "p-a", SiteID: "s1", URL: "https://example.com/a", Indexed: true, Status: "Submitted and indexed"},
	}

	pages, result := MergeInspections(existing, "s1", []gateway.Inspection{
		{URL: "https://example.com/a", Verdict: "VERDICT_UNSPECIFIED", CoverageState: "Unknown to Google"},
		{URL: "https://example.com/b", Verdict: "NEUTRAL", CoverageState: "Excluded by noindex"},
		{URL: "https://example.com/c", Error: "URL is not part of property"},
	}, at)

	require.Len(t, pages, 2)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 1, result.Rejected)

	assert.Equal(t, "p-a", pages[0].ID)
	assert.True(t, pages[0].Indexed, "an unspecified verdict keeps the previous value")
	assert.Equal(t, "Unknown to Google", pages[0].Status)
	assert.WithinDuration(t, at, *pages[0].LastCheckedAt, 0)

	assert.True(t, existing["https://example.com/a"].LastCheckedAt == nil, "input pages are not mutated")
}

func TestApplyInspectionsKeepsUnseenPages(t *testing.T) {
	projector, store, site := setup(t)
	ctx := context.Background()
	first := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	_, err := projector.ApplyInspections(ctx, site.ID, []gateway.Inspection{
		{URL: "https://example.com/a", Verdict: "PASS", CoverageState: "Submitted and indexed"},
		{URL: "https://example.com/b", Verdict: "FAIL", CoverageState: "Crawled - currently not indexed"},
	}, first)
	require.NoError(t, err)

	result, err := projector.ApplyInspections(ctx, site.ID, []gateway.Inspection{
		{URL: "https://example.com/b", Verdict: "PASS", CoverageState: "Submitted and indexed"},
	}, first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.SiteCounters{TotalPages: 2, IndexedPages: 2}, result.Counters)

	state := pageState(t, store, site.ID)
	assert.WithinDuration(t, first, *state["https://example.com/a"].LastCheckedAt, 0)
	assert.WithinDuration(t, first.Add(time.Hour), *state["https://example.com/b"].LastCheckedAt, 0)

	stored, err := store.GetSite(ctx, "u1", site.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalPages)
	assert.Equal(t, 2, stored.IndexedPages)
}

func TestReplayIsIdempotent(t *testing.T) {
	projector, store, site := setup(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 2, 8, 30, 0, 0, time.UTC)

	response := []gateway.Inspection{
		{URL: "https://example.com/a", Verdict: "PASS", CoverageState: "Submitted and indexed"},
		{URL: "https://example.com/b", Verdict: "FAIL", CoverageState: "Discovered - currently not indexed"},
		{URL: "https://example.com/c", Verdict: "PARTIAL"},
	}

	once, err := projector.ApplyInspections(ctx, site.ID, response, at)
	require.NoError(t, err)
	afterOnce := pageState(t, store, site.ID)
	siteOnce, err := store.GetSite(ctx, "u1", site.ID)
	require.NoError(t, err)

	twice, err := projector.ApplyInspections(ctx, site.ID, response, at)
	require.NoError(t, err)
	afterTwice := pageState(t, store, site.ID)
	siteTwice, err := store.GetSite(ctx, "u1", site.ID)
	require.NoError(t, err)

	assert.Equal(t, once.Counters, twice.Counters)
	assert.Equal(t, afterOnce, afterTwice)
	assert.Equal(t, siteOnce.TotalPages, siteTwice.TotalPages)
	assert.Equal(t, siteOnce.IndexedPages, siteTwice.IndexedPages)
	assert.Equal(t, models.SiteCounters{TotalPages: 3, IndexedPages: 1}, twice.Counters)
}

func TestApplySubmissions(t *testing.T) {
	projector, store, site := setup(t)
	ctx := context.Background()
	checked := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	notified := checked.Add(2 * time.Hour)

	_, err := projector.ApplyInspections(ctx, site.ID, []gateway.Inspection{
		{URL: "https://example.com/a", Verdict: "FAIL", CoverageState: "Crawled - currently not indexed"},
	}, checked)
	require.NoError(t, err)

	result, err := projector.ApplySubmissions(ctx, site.ID, []gateway.Submission{
		{URL: "https://example.com/a", NotifyTime: &notified},
		{URL: "https://example.com/new"},
		{URL: "https://example.com/bad", Error: "Permission denied"},
	}, notified)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Rejected)

	state := pageState(t, store, site.ID)
	a := state["https://example.com/a"]
	assert.Equal(t, "Crawled - currently not indexed", a.Status)
	assert.WithinDuration(t, checked, *a.LastCheckedAt, 0)
	assert.WithinDuration(t, notified, *a.LastReindexRequest, 0)

	n := state["https://example.com/new"]
	assert.Equal(t, StatusReindexRequested, n.Status)
	assert.False(t, n.Indexed)
	assert.NotContains(t, state, "https://example.com/bad")

	require.NoError(t, projector.RecordSiteStatus(ctx, site.ID, models.SiteStatusUpdate{
		Action:  models.ActionReindex,
		Status:  "ok",
		Message: "Submitted 2 URLs",
		At:      notified,
	}))
	stored, err := store.GetSite(ctx, "u1", site.ID)
	require.NoError(t, err)
	assert.Equal(t, "Submitted 2 URLs", stored.LastReindexMessage)
}
