// Package tokens keeps each user's search console credentials valid,
// refreshing them silently when they are about to expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected matches any NotConnectedError via errors.Is
var ErrNotConnected = errors.New("search console account not connected")

// defaultTokenLifetime is assumed when the provider omits an expiry
const defaultTokenLifetime = time.Hour

// NotConnectedError means the user must authorize again
type NotConnectedError struct {
	UserID string
	Reason string
	Err    error
}

func (e *NotConnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not connected: %s: %v", e.Reason, e.Err)
	}
	return "not connected: " + e.Reason
}

func (e *NotConnectedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotConnected) match
func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// Store hands out valid access tokens
type Store struct {
	store     storage.TokenStore
	refresher Refresher
	skew      time.Duration
	logger    *logrus.Logger
	metrics   *metrics.PrometheusMetrics
	group     singleflight.Group
	now       func() time.Time
}

// NewStore creates a token store. Tokens are refreshed skew before expiry.
func NewStore(store storage.TokenStore, refresher Refresher, skew time.Duration, metricsManager *metrics.Manager) *Store {
	s := &Store{
		store:     store,
		refresher: refresher,
		skew:      skew,
		logger:    utils.GetLogger(),
		now:       time.Now,
	}
	if metricsManager != nil {
		s.metrics = metricsManager.GetPrometheusMetrics()
	}
	return s
}

// GetValidToken returns a usable access token, refreshing it if needed
func (s *Store) GetValidToken(ctx context.Context, userID string) (string, error) {
	token, err := s.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if token.ValidAt(s.now().Add(s.skew)) {
		return token.AccessToken, nil
	}
	return s.refresh(ctx, userID)
}

// ForceRefresh refreshes the access token even if it looks valid. Used
// after the external API rejected the current one.
func (s *Store) ForceRefresh(ctx context.Context, userID string) (string, error) {
	if _, err := s.load(ctx, userID); err != nil {
		return "", err
	}
	return s.refresh(ctx, userID)
}

// Store saves tokens obtained from an interactive authorization. An empty
// refreshToken keeps the stored one; a zero expiry assumes one hour.
func (s *Store) Store(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time) (*models.OAuthToken, error) {
	if userID == "" || accessToken == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "User id and access token are required", "")
	}
	if expiry.IsZero() {
		expiry = s.now().Add(defaultTokenLifetime)
	}

	saved, err := s.store.SaveToken(ctx, &models.OAuthToken{
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
		Connected:    true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"expiry":      saved.Expiry,
		"has_refresh": saved.RefreshToken != "",
	}).Info("OAuth token stored")
	return saved, nil
}

// Exchange completes the authorization code flow and stores the tokens
func (s *Store) Exchange(ctx context.Context, userID, code string) (*models.OAuthToken, error) {
	if code == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Authorization code is required", "")
	}
	token, err := s.refresher.Exchange(ctx, code)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeExternal, "Authorization code exchange failed", err)
	}
	return s.Store(ctx, userID, token.AccessToken, token.RefreshToken, token.Expiry)
}

// Disconnect marks the account as no longer authorized
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	err := s.store.SetConnected(ctx, userID, false)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// Status returns the stored token record without secrets
func (s *Store) Status(ctx context.Context, userID string) (*models.OAuthToken, error) {
	token, err := s.store.GetToken(ctx, userID)
	if storage.IsNotFound(err) {
		return &models.OAuthToken{UserID: userID}, nil
	}
	return token, err
}

func (s *Store) load(ctx context.Context, userID string) (*models.OAuthToken, error) {
	token, err := s.store.GetToken(ctx, userID)
	if storage.IsNotFound(err) {
		return nil, &NotConnectedError{UserID: userID, Reason: "no token stored"}
	}
	if err != nil {
		return nil, err
	}
	if !token.Connected {
		return nil, &NotConnectedError{UserID: userID, Reason: "authorization revoked"}
	}
	return token, nil
}

// refresh collapses concurrent refreshes of one user into a single call
func (s *Store) refresh(ctx context.Context, userID string) (string, error) {
	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		token, err := s.load(ctx, userID)
		if err != nil {
			return "", err
		}
		if token.RefreshToken == "" {
			s.recordRefresh("missing")
			return "", &NotConnectedError{UserID: userID, Reason: "no refresh token"}
		}

		fresh, err := s.refresher.Refresh(ctx, token.RefreshToken)
		if err != nil {
			s.recordRefresh("failed")
			s.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"error":   err,
			}).Warn("Token refresh failed")
			if !grantRejected(err) {
				return "", utils.WrapError(utils.ErrCodeExternal, "Token refresh failed", err)
			}
			// A new consent is required
			if disconnectErr := s.store.SetConnected(ctx, userID, false); disconnectErr != nil {
				s.logger.WithError(disconnectErr).WithField("user_id", userID).Warn("Failed to mark token disconnected")
			}
			return "", &NotConnectedError{UserID: userID, Reason: "token refresh rejected", Err: err}
		}

		saved, err := s.Store(ctx, userID, fresh.AccessToken, fresh.RefreshToken, fresh.Expiry)
		if err != nil {
			s.recordRefresh("failed")
			return "", err
		}
		s.recordRefresh("success")
		return saved.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// grantRejected reports whether the provider refused the refresh token
// itself. Server errors and network failures leave the grant usable.
func grantRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	if retrieveErr.Response == nil {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}

func (s *Store) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(result)
	}
}
