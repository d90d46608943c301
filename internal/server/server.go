// Package server exposes the service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/ledger"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/notification"
	"github.com/smartdevs17/indexcheck/internal/orchestrator"
	"github.com/smartdevs17/indexcheck/internal/sites"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/internal/tokens"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

const (
	maxBodyBytes        = 1 << 20
	defaultListLimit    = 50
	defaultHistoryLimit = 20
)

// Dependencies are the services the HTTP API is built on
type Dependencies struct {
	Storage      storage.Storage
	Ledger       *ledger.Ledger
	Tokens       *tokens.Store
	Sites        *sites.Service
	Orchestrator *orchestrator.Orchestrator
	Notification *notification.NotificationManager
	Metrics      *metrics.Manager
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config  config.ServerConfig
	metrics config.MetricsConfig
	version string
	deps    Dependencies
	server  *http.Server
	router  *mux.Router
	logger  *logrus.Logger
	started time.Time
	stop    chan struct{}
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, deps Dependencies) *HTTPServer {
	s := &HTTPServer{
		config:  cfg.Server,
		metrics: cfg.Metrics,
		version: cfg.App.Version,
		deps:    deps,
		logger:  utils.GetLogger(),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)
	if s.config.CORSEnabled {
		s.router.Use(s.corsMiddleware)
	}
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	if s.metrics.Enabled && s.deps.Metrics != nil {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)

	// Credits
	api.HandleFunc("/users", s.openAccountHandler).Methods(http.MethodPost)
	api.HandleFunc("/users/{userID}/credits", s.creditsHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/credits/purchase", s.purchaseHandler).Methods(http.MethodPost)
	api.HandleFunc("/credit-packages", s.packagesHandler).Methods(http.MethodGet)

	// Search console authorization
	api.HandleFunc("/users/{userID}/oauth", s.oauthStatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/oauth", s.disconnectHandler).Methods(http.MethodDelete)
	api.HandleFunc("/users/{userID}/oauth/token", s.storeTokenHandler).Methods(http.MethodPost)
	api.HandleFunc("/users/{userID}/oauth/exchange", s.exchangeHandler).Methods(http.MethodPost)

	// Sites
	api.HandleFunc("/users/{userID}/sites", s.listSitesHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/sites", s.addSiteHandler).Methods(http.MethodPost)
	api.HandleFunc("/users/{userID}/sites/{siteID}", s.getSiteHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/sites/{siteID}", s.deleteSiteHandler).Methods(http.MethodDelete)
	api.HandleFunc("/users/{userID}/sites/{siteID}/pages", s.pagesHandler).Methods(http.MethodGet)

	// Actions
	api.HandleFunc("/users/{userID}/actions", s.runActionHandler).Methods(http.MethodPost)
	api.HandleFunc("/users/{userID}/history", s.listHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/history/{historyID}", s.getHistoryHandler).Methods(http.MethodGet)
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.metrics.Enabled,
	}).Info("Starting HTTP server")

	if s.deps.Metrics != nil {
		s.updateHealthMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.updateHealthMetrics()
		}
	}
}

func (s *HTTPServer) updateHealthMetrics() {
	s.deps.Metrics.UpdateSystemMetrics()
	prom := s.deps.Metrics.GetPrometheusMetrics()
	for name, healthy := range s.componentHealth() {
		prom.UpdateComponentHealth(name, healthy)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	close(s.stop)
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) componentHealth() map[string]bool {
	components := map[string]bool{
		"storage": s.deps.Storage != nil && s.deps.Storage.Ping() == nil,
	}
	if s.deps.Notification != nil {
		components["notification"] = s.deps.Notification.IsHealthy()
	}
	return components
}

// Health and stats

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	components := s.componentHealth()
	status, code := "healthy", http.StatusOK
	if !components["storage"] {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"version":    s.version,
		"uptime":     time.Since(s.started).String(),
		"components": components,
	})
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.deps.Storage.GetStorageStats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	stats := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"storage":   storageStats,
	}
	if s.deps.Notification != nil {
		stats["notification"] = s.deps.Notification.GetStats()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// Credit handlers

type openAccountRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (s *HTTPServer) openAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := s.deps.Ledger.OpenAccount(r.Context(), req.UserID, req.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *HTTPServer) creditsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	account, err := s.deps.Ledger.Account(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	txs, err := s.deps.Ledger.Transactions(r.Context(), userID, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      account.Balance,
		"account":      account,
		"transactions": txs,
	})
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
	Quantity  int    `json:"quantity"`
}

func (s *HTTPServer) purchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	account, err := s.deps.Ledger.Purchase(r.Context(), mux.Vars(r)["userID"], req.PackageID, req.Quantity)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *HTTPServer) packagesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": s.deps.Ledger.Packages(),
	})
}

// OAuth handlers

type storeTokenRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

type exchangeRequest struct {
	Code string `json:"code"`
}

func (s *HTTPServer) oauthStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Tokens.Status(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) storeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req storeTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.deps.Tokens.Store(r.Context(), mux.Vars(r)["userID"], req.AccessToken, req.RefreshToken, req.Expiry)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) exchangeHandler(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.deps.Tokens.Exchange(r.Context(), mux.Vars(r)["userID"], req.Code)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tokens.Disconnect(r.Context(), mux.Vars(r)["userID"]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Search console disconnected",
	})
}

// Site handlers

type addSiteRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *HTTPServer) listSitesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sites.ListSites(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sites": list,
		"total": len(list),
	})
}

func (s *HTTPServer) addSiteHandler(w http.ResponseWriter, r *http.Request) {
	var req addSiteRequest
	if !s.decode(w, r, &req) {
		return
	}
	site, err := s.deps.Sites.AddSite(r.Context(), mux.Vars(r)["userID"], req.URL, req.Name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, site)
}

func (s *HTTPServer) getSiteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	site, err := s.deps.Sites.GetSite(r.Context(), vars["userID"], vars["siteID"])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, site)
}

func (s *HTTPServer) deleteSiteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Sites.DeleteSite(r.Context(), vars["userID"], vars["siteID"]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Site deleted",
		"site_id": vars["siteID"],
	})
}

func (s *HTTPServer) pagesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var indexed *bool
	if raw := r.URL.Query().Get("indexed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeAppError(w, r, utils.NewAppError(utils.ErrCodeValidation, "indexed must be true or false", raw))
			return
		}
		indexed = &v
	}

	pages, err := s.deps.Sites.Pages(r.Context(), vars["userID"], vars["siteID"], indexed, queryInt(r, "limit", 0))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pages": pages,
		"total": len(pages),
	})
}

// Action handlers

type actionRequest struct {
	Action  models.ActionKind `json:"action"`
	SiteIDs []string          `json:"site_ids"`
	URLs    []string          `json:"urls,omitempty"`
}

// runActionHandler accepts an action and runs it in the background; with
// wait=true it answers with the finished entry instead
func (s *HTTPServer) runActionHandler(w http.ResponseWriter, r *http.Request) {
	var body actionRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := orchestrator.Request{
		UserID:  mux.Vars(r)["userID"],
		Action:  body.Action,
		SiteIDs: body.SiteIDs,
		URLs:    body.URLs,
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		entry, err := s.deps.Orchestrator.RunAction(r.Context(), req)
		if err != nil {
			s.writeActionError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, entry)
		return
	}

	entry, err := s.deps.Orchestrator.Start(r.Context(), req)
	if err != nil {
		s.writeActionError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/users/%s/history/%s", req.UserID, entry.ID))
	s.writeJSON(w, http.StatusAccepted, entry)
}

// writeActionError adds the recorded entry of a rejected action to the
// error body
func (s *HTTPServer) writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *orchestrator.RejectedError
	if !errors.As(err, &rejected) || rejected.Entry == nil {
		s.writeAppError(w, r, err)
		return
	}
	status := statusFor(err)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/users/%s/history/%s", rejected.Entry.UserID, rejected.Entry.ID))
	resp := map[string]interface{}{
		"error":     http.StatusText(status),
		"status":    status,
		"timestamp": time.Now().UTC(),
		"history":   rejected.Entry,
	}
	if status < http.StatusInternalServerError {
		resp["details"] = rejected.Err.Error()
	}
	if code := utils.ErrorCode(err); code != "" {
		resp["code"] = code
	}
	s.writeJSON(w, status, resp)
}

func (s *HTTPServer) listHistoryHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.HistoryFilter{
		UserID: mux.Vars(r)["userID"],
		Limit:  queryInt(r, "limit", defaultHistoryLimit),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []models.HistoryStatus{models.HistoryStatus(status)}
	}

	entries, err := s.deps.Storage.GetHistories(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"total":   len(entries),
	})
}

func (s *HTTPServer) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, err := s.deps.Storage.GetHistory(r.Context(), vars["historyID"])
	if err == nil && entry.UserID != vars["userID"] {
		err = fmt.Errorf("%w: history %s", storage.ErrNotFound, vars["historyID"])
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// Utility Methods

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var gwErr *gateway.Error
	switch {
	case utils.ErrorCode(err) == utils.ErrCodeValidation, errors.Is(err, ledger.ErrUnknownPackage):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredits), utils.ErrorCode(err) == utils.ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case storage.IsNotFound(err), utils.ErrorCode(err) == utils.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrActiveRun), errors.Is(err, storage.ErrConflict),
		utils.ErrorCode(err) == utils.ErrCodeConflict:
		return http.StatusConflict
	case errors.Is(err, tokens.ErrNotConnected), utils.ErrorCode(err) == utils.ErrCodeNotConnected:
		return http.StatusPreconditionFailed
	case errors.As(err, &gwErr), utils.ErrorCode(err) == utils.ErrCodeExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := http.StatusText(status)
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		}).Error("Request failed")
	}
	s.writeError(w, status, message, err)
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	if code := utils.ErrorCode(err); code != "" {
		resp["code"] = code
	}
	if err != nil && status < http.StatusInternalServerError {
		resp["details"] = err.Error()
	}
	s.writeJSON(w, status, resp)
}
