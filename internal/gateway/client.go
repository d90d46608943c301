package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPClient implements Gateway over the Google REST APIs
type HTTPClient struct {
	config  config.GatewayConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics
	now     func() time.Time
	stats   clientStats
}

type clientStats struct {
	totalRequests  atomic.Uint64
	failedRequests atomic.Uint64
}

// ClientStats holds request counters
type ClientStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
}

// leveledLogrus adapts logrus to retryablehttp. Transport errors are logged
// as warnings because they are retried.
type leveledLogrus struct {
	inner *logrus.Entry
}

func (l leveledLogrus) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.inner.WithFields(fields)
}

func (l leveledLogrus) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}

func (l leveledLogrus) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}

func (l leveledLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogrus) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

// retryConnectionErrors retries failed round trips only. Every response,
// including 429 and 5xx, is returned so the caller can classify it.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return false, nil
}

// NewHTTPClient creates a gateway client. A nil metrics manager disables
// request metrics.
func NewHTTPClient(cfg config.GatewayConfig, metricsManager *metrics.Manager) *HTTPClient {
	logger := utils.GetLogger()

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	retryClient.RetryMax = cfg.TransportRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledLogrus{inner: logger.WithField("component", "gateway")})
	retryClient.CheckRetry = retryConnectionErrors

	httpClient := retryClient.StandardClient()
	httpClient.Timeout = cfg.RequestTimeout

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &HTTPClient{
		config:  cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		logger:  logger,
		now:     time.Now,
	}
	if metricsManager != nil {
		c.metrics = metricsManager.GetPrometheusMetrics()
	}
	return c
}

// Stats returns request counters
func (c *HTTPClient) Stats() ClientStats {
	return ClientStats{
		TotalRequests:  c.stats.totalRequests.Load(),
		FailedRequests: c.stats.failedRequests.Load(),
	}
}

// ListProperties implements Gateway
func (c *HTTPClient) ListProperties(ctx context.Context, token string) ([]Property, error) {
	var resp struct {
		SiteEntry []Property `json:"siteEntry"`
	}
	if err := c.doJSON(ctx, "list_properties", http.MethodGet, c.config.SitesBaseURL+"/sites", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.SiteEntry, nil
}

// ListSitemaps implements Gateway
func (c *HTTPClient) ListSitemaps(ctx context.Context, token, property string) ([]Sitemap, error) {
	var resp struct {
		Sitemap []Sitemap `json:"sitemap"`
	}
	endpoint := fmt.Sprintf("%s/sites/%s/sitemaps", c.config.SitesBaseURL, url.PathEscape(property))
	if err := c.doJSON(ctx, "list_sitemaps", http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sitemap, nil
}

// QueryPages implements Gateway
func (c *HTTPClient) QueryPages(ctx context.Context, token, property string, limit int) ([]string, error) {
	days := c.config.AnalyticsDays
	if days <= 0 {
		days = 90
	}
	end := c.now().UTC()
	body := map[string]interface{}{
		"startDate":  end.AddDate(0, 0, -days).Format("2006-01-02"),
		"endDate":    end.Format("2006-01-02"),
		"dimensions": []string{"page"},
	}
	if limit > 0 {
		body["rowLimit"] = limit
	}

	var resp struct {
		Rows []struct {
			Keys []string `json:"keys"`
		} `json:"rows"`
	}
	endpoint := fmt.Sprintf("%s/sites/%s/searchAnalytics/query", c.config.SitesBaseURL, url.PathEscape(property))
	if err := c.doJSON(ctx, "query_pages", http.MethodPost, endpoint, token, body, &resp); err != nil {
		return nil, err
	}

	pages := make([]string, 0, len(resp.Rows))
	seen := make(map[string]bool, len(resp.Rows))
	for _, row := range resp.Rows {
		if len(row.Keys) == 0 || row.Keys[0] == "" || seen[row.Keys[0]] {
			continue
		}
		seen[row.Keys[0]] = true
		pages = append(pages, row.Keys[0])
	}
	return pages, nil
}

type inspectResponse struct {
	InspectionResult struct {
		IndexStatusResult struct {
			Verdict       string `json:"verdict"`
			CoverageState string `json:"coverageState"`
			LastCrawlTime string `json:"lastCrawlTime"`
		} `json:"indexStatusResult"`
	} `json:"inspectionResult"`
}

// InspectURLs implements Gateway
func (c *HTTPClient) InspectURLs(ctx context.Context, token, property string, urls []string) ([]Inspection, error) {
	endpoint := c.config.InspectionBaseURL + "/urlInspection/index:inspect"
	results := make([]Inspection, 0, len(urls))

	for _, pageURL := range urls {
		var resp inspectResponse
		err := c.doJSON(ctx, "inspect_url", http.MethodPost, endpoint, token, map[string]string{
			"inspectionUrl": pageURL,
			"siteUrl":       property,
		}, &resp)
		if err != nil {
			if msg, ok := rejection(err); ok {
				results = append(results, Inspection{URL: pageURL, Error: msg})
				continue
			}
			return nil, err
		}

		status := resp.InspectionResult.IndexStatusResult
		results = append(results, Inspection{
			URL:           pageURL,
			Verdict:       status.Verdict,
			CoverageState: status.CoverageState,
			LastCrawlTime: parseTime(status.LastCrawlTime),
		})
	}
	return results, nil
}

// SubmitForIndexing implements Gateway
func (c *HTTPClient) SubmitForIndexing(ctx context.Context, token string, urls []string) ([]Submission, error) {
	endpoint := c.config.IndexingBaseURL + "/urlNotifications:publish"
	results := make([]Submission, 0, len(urls))

	for _, pageURL := range urls {
		var resp struct {
			URLNotificationMetadata struct {
				LatestUpdate struct {
					NotifyTime string `json:"notifyTime"`
				} `json:"latestUpdate"`
			} `json:"urlNotificationMetadata"`
		}
		err := c.doJSON(ctx, "submit_url", http.MethodPost, endpoint, token, map[string]string{
			"url":  pageURL,
			"type": "URL_UPDATED",
		}, &resp)
		if err != nil {
			if msg, ok := rejection(err); ok {
				results = append(results, Submission{URL: pageURL, Error: msg})
				continue
			}
			return nil, err
		}

		notifyTime := parseTime(resp.URLNotificationMetadata.LatestUpdate.NotifyTime)
		if notifyTime == nil {
			now := c.now().UTC()
			notifyTime = &now
		}
		results = append(results, Submission{URL: pageURL, NotifyTime: notifyTime})
	}
	return results, nil
}

// FetchSitemapURLs implements Gateway
func (c *HTTPClient) FetchSitemapURLs(ctx context.Context, sitemapURL string, limit int) ([]string, error) {
	doc, err := c.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	urls := doc.pageURLs()
	for _, child := range doc.childSitemaps() {
		if limit > 0 && len(urls) >= limit {
			break
		}
		childDoc, err := c.fetchSitemap(ctx, child)
		if err != nil {
			if Retryable(err) {
				return nil, err
			}
			c.logger.WithFields(logrus.Fields{
				"sitemap": child,
				"error":   err,
			}).Warn("Skipping unreadable child sitemap")
			continue
		}
		urls = append(urls, childDoc.pageURLs()...)
	}

	urls = dedupe(urls)
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}

func (c *HTTPClient) fetchSitemap(ctx context.Context, sitemapURL string) (*sitemapDocument, error) {
	resp, err := c.do(ctx, "fetch_sitemap", http.MethodGet, sitemapURL, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := parseSitemap(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, &Error{Kind: KindRequestRejected, Operation: "fetch_sitemap", Message: err.Error(), Err: err}
	}
	return doc, nil
}

// doJSON sends body as JSON and decodes a 2xx response into out
func (c *HTTPClient) doJSON(ctx context.Context, operation, method, endpoint, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return utils.WrapError(utils.ErrCodeInternal, "Failed to encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	resp, err := c.do(ctx, operation, method, endpoint, token, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return transportError(operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do waits for the rate limiter, sends the request and classifies failures.
// The caller owns the body of a successful response.
func (c *HTTPClient) do(ctx context.Context, operation, method, endpoint, token string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindRequestRejected, Operation: operation, Message: err.Error(), Err: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	c.stats.totalRequests.Add(1)

	resp, err := c.http.Do(req)
	if err != nil {
		gwErr := transportError(operation, err)
		c.record(operation, gwErr, start)
		return nil, gwErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		gwErr := responseError(operation, resp)
		c.record(operation, gwErr, start)
		return nil, gwErr
	}

	c.record(operation, nil, start)
	return resp, nil
}

func (c *HTTPClient) record(operation string, gwErr *Error, start time.Time) {
	outcome := "success"
	if gwErr != nil {
		outcome = string(gwErr.Kind)
		c.stats.failedRequests.Add(1)
		c.logger.WithFields(logrus.Fields{
			"component": "gateway",
			"operation": operation,
			"kind":      gwErr.Kind,
			"status":    gwErr.Status,
			"message":   gwErr.Message,
		}).Debug("Gateway request failed")
	}
	if c.metrics != nil {
		c.metrics.RecordGatewayRequest(operation, outcome, time.Since(start))
	}
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
