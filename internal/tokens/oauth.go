package tokens

import (
	"context"
	"fmt"

	"github.com/smartdevs17/indexcheck/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Refresher talks to the OAuth token endpoint
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// OAuthRefresher implements Refresher with golang.org/x/oauth2
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher builds a refresher for the configured client. The
// Google endpoints are used unless the config overrides them.
func NewOAuthRefresher(cfg config.OAuthConfig) *OAuthRefresher {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
	}
}

// Refresh trades a refresh token for a new access token
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("oauth refresh: %w", err)
	}
	return token, nil
}

// Exchange trades an authorization code for tokens
func (r *OAuthRefresher) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := r.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	return token, nil
}

// AuthCodeURL returns the consent URL that yields a refresh token
func (r *OAuthRefresher) AuthCodeURL(state string) string {
	return r.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}
