// Package sites registers a user's websites and exposes their page state.
package sites

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/internal/tokens"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// TokenSource hands out access tokens
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

// Service manages sites
type Service struct {
	store   storage.SiteStore
	tokens  TokenSource
	gateway gateway.Gateway
	logger  *logrus.Logger
}

// NewService creates a site service
func NewService(store storage.SiteStore, tokenSource TokenSource, gw gateway.Gateway) *Service {
	return &Service{
		store:   store,
		tokens:  tokenSource,
		gateway: gw,
		logger:  utils.GetLogger(),
	}
}

// NormalizeURL turns user input into a canonical site URL. A missing scheme
// defaults to https and the path always ends with a slash.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Site URL is required", "")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid site URL", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Site URL must use http or https", raw)
	}

	path := u.Path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return u.Scheme + "://" + strings.ToLower(u.Host) + path, nil
}

// ResolveProperty picks the property matching siteURL: the exact URL-prefix
// property first, then the domain property of its host.
func ResolveProperty(siteURL string, properties []gateway.Property) string {
	u, err := url.Parse(siteURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")

	domainMatch := ""
	for _, p := range properties {
		switch p.SiteURL {
		case siteURL:
			return p.SiteURL
		case "sc-domain:" + host, "sc-domain:" + u.Hostname():
			if domainMatch == "" {
				domainMatch = p.SiteURL
			}
		}
	}
	return domainMatch
}

// AddSite registers a site for the user. When the user is connected the
// search console property is resolved right away; otherwise the site URL
// is used as the property.
func (s *Service) AddSite(ctx context.Context, userID, rawURL, name string) (*models.Site, error) {
	if userID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "User id is required", "")
	}
	siteURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if name == "" {
		u, _ := url.Parse(siteURL)
		name = u.Hostname()
	}

	site := &models.Site{
		UserID:     userID,
		Name:       name,
		URL:        siteURL,
		PropertyID: s.lookupProperty(ctx, userID, siteURL),
	}
	if err := s.store.CreateSite(ctx, site); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, utils.WrapError(utils.ErrCodeConflict, "Site already registered", err)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"site_id":     site.ID,
		"url":         site.URL,
		"property_id": site.PropertyID,
	}).Info("Site added")
	return site, nil
}

func (s *Service) lookupProperty(ctx context.Context, userID, siteURL string) string {
	token, err := s.tokens.GetValidToken(ctx, userID)
	if err != nil {
		if !errors.Is(err, tokens.ErrNotConnected) {
			s.logger.WithError(err).WithField("user_id", userID).Warn("Token lookup failed while adding site")
		}
		return ""
	}

	properties, err := s.gateway.ListProperties(ctx, token)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Warn("Could not list search console properties")
		return ""
	}
	return ResolveProperty(siteURL, properties)
}

// GetSite returns one of the user's sites
func (s *Service) GetSite(ctx context.Context, userID, siteID string) (*models.Site, error) {
	return s.store.GetSite(ctx, userID, siteID)
}

// ListSites returns the user's sites
func (s *Service) ListSites(ctx context.Context, userID string) ([]*models.Site, error) {
	return s.store.GetSites(ctx, userID)
}

// DeleteSite removes a site and its pages. History entries are kept.
func (s *Service) DeleteSite(ctx context.Context, userID, siteID string) error {
	if err := s.store.DeleteSite(ctx, userID, siteID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"site_id": siteID,
	}).Info("Site deleted")
	return nil
}

// Pages returns the known pages of a site, optionally filtered by index state
func (s *Service) Pages(ctx context.Context, userID, siteID string, indexed *bool, limit int) ([]*models.Page, error) {
	if _, err := s.store.GetSite(ctx, userID, siteID); err != nil {
		return nil, err
	}
	return s.store.GetPages(ctx, storage.PageFilter{SiteID: siteID, Indexed: indexed, Limit: limit})
}
