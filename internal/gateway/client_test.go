package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	utils.Logger = utils.NewNopLogger()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewHTTPClient(config.GatewayConfig{
		SitesBaseURL:      server.URL + "/webmasters/v3",
		InspectionBaseURL: server.URL + "/v1",
		IndexingBaseURL:   server.URL + "/indexing/v3",
		RequestTimeout:    5 * time.Second,
		TransportRetries:  0,
		RequestsPerSecond: 1000,
		Burst:             10,
		AnalyticsDays:     90,
	}, metrics.NewManager())
	return client, server
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func apiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": message},
	})
}

func TestListPropertiesAndSitemaps(t *testing.T) {
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/webmasters/v3/sites", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"siteEntry": []map[string]string{
				{"siteUrl": "https://example.com/", "permissionLevel": "siteOwner"},
				{"siteUrl": "sc-domain:example.org", "permissionLevel": "siteFullUser"},
			},
		})
	})
	router.HandleFunc("/webmasters/v3/sites/{site}/sitemaps", func(w http.ResponseWriter, r *http.Request) {
		site, err := url.PathUnescape(mux.Vars(r)["site"])
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/", site)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sitemap": []map[string]interface{}{
				{"path": "https://example.com/sitemap.xml", "type": "sitemap", "isPending": false},
			},
		})
	})

	client, _ := newTestClient(t, router)
	ctx := t.Context()

	properties, err := client.ListProperties(ctx, "token-1")
	require.NoError(t, err)
	require.Len(t, properties, 2)
	assert.Equal(t, "sc-domain:example.org", properties[1].SiteURL)

	sitemaps, err := client.ListSitemaps(ctx, "token-1", "https://example.com/")
	require.NoError(t, err)
	require.Len(t, sitemaps, 1)
	assert.Equal(t, "https://example.com/sitemap.xml", sitemaps[0].Path)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		kind    Kind
		message string
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuthExpired, "Request had invalid authentication credentials."},
		{"too many requests", http.StatusTooManyRequests, KindRateLimited, "Quota exceeded"},
		{"server error", http.StatusServiceUnavailable, KindRateLimited, "Backend unavailable"},
		{"forbidden", http.StatusForbidden, KindRequestRejected, "User does not have sufficient permission for site"},
		{"bad request", http.StatusBadRequest, KindRequestRejected, "Invalid siteUrl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.status, tt.message)
			}))

			_, err := client.ListProperties(t.Context(), "token")
			require.Error(t, err)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.Status)
			assert.Equal(t, tt.message, gwErr.Message)
			assert.Equal(t, tt.kind == KindRateLimited, Retryable(err))
		})
	}

	t.Run("connection refused is transient", func(t *testing.T) {
		client, server := newTestClient(t, http.NotFoundHandler())
		server.Close()

		_, err := client.ListProperties(t.Context(), "token")
		assert.Equal(t, KindTransient, KindOf(err))
		assert.True(t, Retryable(err))
		assert.Equal(t, uint64(1), client.Stats().FailedRequests)
	})
}

func TestInspectURLs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/urlInspection/index:inspect", r.URL.Path)
		var body struct {
			InspectionURL string `json:"inspectionUrl"`
			SiteURL       string `json:"siteUrl"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sc-domain:example.com", body.SiteURL)

		switch body.InspectionURL {
		case "https://example.com/a":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"inspectionResult": map[string]interface{}{
					"indexStatusResult": map[string]interface{}{
						"verdict":       "PASS",
						"coverageState": "Submitted and indexed",
						"lastCrawlTime": "2026-09-01T10:00:00Z",
					},
				},
			})
		case "https://example.com/b":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"inspectionResult": map[string]interface{}{
					"indexStatusResult": map[string]interface{}{
						"verdict":       "FAIL",
						"coverageState": "Crawled - currently not indexed",
					},
				},
			})
		default:
			apiError(w, http.StatusBadRequest, "URL is not part of property")
		}
	}))

	results, err := client.InspectURLs(t.Context(), "token", "sc-domain:example.com",
		[]string{"https://example.com/a", "https://example.com/b", "https://other.com/"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	indexed, ok := results[0].Indexed()
	assert.True(t, ok)
	assert.True(t, indexed)
	require.NotNil(t, results[0].LastCrawlTime)
	assert.Equal(t, 2026, results[0].LastCrawlTime.Year())

	indexed, ok = results[1].Indexed()
	assert.True(t, ok)
	assert.False(t, indexed)
	assert.Equal(t, "Crawled - currently not indexed", results[1].Status())

	assert.Equal(t, "URL is not part of property", results[2].Error)
}

func TestInspectURLsAbortsOnAuthExpired(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		apiError(w, http.StatusUnauthorized, "expired")
	}))

	_, err := client.InspectURLs(t.Context(), "token", "https://example.com/",
		[]string{"https://example.com/a", "https://example.com/b"})
	assert.True(t, IsAuthExpired(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitForIndexing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/indexing/v3/urlNotifications:publish", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "URL_UPDATED", body["type"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"urlNotificationMetadata": map[string]interface{}{
				"url":          body["url"],
				"latestUpdate": map[string]string{"notifyTime": "2026-10-01T12:00:00.123Z"},
			},
		})
	}))

	results, err := client.SubmitForIndexing(t.Context(), "token", []string{"https://example.com/a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].NotifyTime)
	assert.Empty(t, results[0].Error)
}

func TestQueryPages(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []interface{}{"page"}, body["dimensions"])
		assert.NotEmpty(t, body["startDate"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rows": []map[string]interface{}{
				{"keys": []string{"https://example.com/a"}, "clicks": 3},
				{"keys": []string{"https://example.com/a"}, "clicks": 1},
				{"keys": []string{"https://example.com/b"}, "clicks": 1},
			},
		})
	}))

	pages, err := client.QueryPages(t.Context(), "token", "https://example.com/", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, pages)
}

func TestFetchSitemapURLs(t *testing.T) {
	var serverURL string
	router := mux.NewRouter()
	router.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/posts.xml</loc></sitemap>
  <sitemap><loc>%[1]s/missing.xml</loc></sitemap>
  <sitemap><loc>%[1]s/pages.xml</loc></sitemap>
</sitemapindex>`, serverURL)
	})
	router.HandleFunc("/posts.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/post-1</loc></url>
  <url><loc>https://example.com/post-2</loc></url>
</urlset>`)
	})
	router.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/about</loc></url>
  <url><loc>https://example.com/post-1</loc></url>
</urlset>`)
	})

	client, server := newTestClient(t, router)
	serverURL = server.URL

	t.Run("index is followed one level", func(t *testing.T) {
		urls, err := client.FetchSitemapURLs(t.Context(), server.URL+"/sitemap_index.xml", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"https://example.com/post-1",
			"https://example.com/post-2",
			"https://example.com/about",
		}, urls)
	})

	t.Run("limit caps the result", func(t *testing.T) {
		urls, err := client.FetchSitemapURLs(t.Context(), server.URL+"/sitemap_index.xml", 1)
		require.NoError(t, err)
		assert.Len(t, urls, 1)
	})

	t.Run("missing sitemap is rejected", func(t *testing.T) {
		_, err := client.FetchSitemapURLs(t.Context(), server.URL+"/missing.xml", 0)
		assert.Equal(t, KindRequestRejected, KindOf(err))
	})
}

func TestParseSitemapRejectsOtherDocuments(t *testing.T) {
	_, err := parseSitemap(strings.NewReader(`<html><body>nope</body></html>`))
	assert.Error(t, err)
}
