package sites

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/internal/tokens"
	"github.com/smartdevs17/indexcheck/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) GetValidToken(ctx context.Context, userID string) (string, error) {
	return s.token, s.err
}

type stubGateway struct {
	gateway.Gateway
	properties []gateway.Property
	err        error
}

func (g *stubGateway) ListProperties(ctx context.Context, token string) ([]gateway.Property, error) {
	return g.properties, g.err
}

func newService(t *testing.T, ts TokenSource, gw gateway.Gateway) (*Service, storage.Storage) {
	t.Helper()
	utils.Logger = utils.NewNopLogger()

	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "sites.db"),
		MaxConnections:   4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, ts, gw), store
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "example.com", want: "https://example.com/"},
		{in: "  https://Example.com/blog ", want: "https://example.com/blog/"},
		{in: "http://example.com/", want: "http://example.com/"},
		{in: "", wantErr: true},
		{in: "ftp://example.com", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveProperty(t *testing.T) {
	properties := []gateway.Property{
		{SiteURL: "sc-domain:example.com"},
		{SiteURL: "https://www.example.com/"},
	}
	assert.Equal(t, "https://www.example.com/", ResolveProperty("https://www.example.com/", properties))
	assert.Equal(t, "sc-domain:shop.example.com", ResolveProperty("https://shop.example.com/", []gateway.Property{{SiteURL: "sc-domain:shop.example.com"}}))
	assert.Equal(t, "sc-domain:example.com", ResolveProperty("https://example.com/", properties))
	assert.Empty(t, ResolveProperty("https://other.com/", properties))
}

func TestAddSite(t *testing.T) {
	ctx := context.Background()

	t.Run("connected user gets a resolved property", func(t *testing.T) {
		svc, _ := newService(t, stubTokens{token: "tok"}, &stubGateway{
			properties: []gateway.Property{{SiteURL: "sc-domain:example.com"}},
		})
		site, err := svc.AddSite(ctx, "u1", "example.com", "")
		require.NoError(t, err)
		assert.Equal(t, "example.com", site.Name)
		assert.Equal(t, "https://example.com/", site.URL)
		assert.Equal(t, "sc-domain:example.com", site.PropertyID)
		assert.Equal(t, "sc-domain:example.com", site.Target())

		_, err = svc.AddSite(ctx, "u1", "https://example.com", "again")
		assert.Equal(t, utils.ErrCodeConflict, utils.ErrorCode(err))
	})

	t.Run("disconnected user falls back to the url", func(t *testing.T) {
		svc, _ := newService(t, stubTokens{err: &tokens.NotConnectedError{UserID: "u1", Reason: "no token stored"}}, &stubGateway{})
		site, err := svc.AddSite(ctx, "u1", "https://example.org/", "Example")
		require.NoError(t, err)
		assert.Empty(t, site.PropertyID)
		assert.Equal(t, "https://example.org/", site.Target())
	})

	t.Run("gateway failure does not block onboarding", func(t *testing.T) {
		svc, _ := newService(t, stubTokens{token: "tok"}, &stubGateway{err: errors.New("boom")})
		_, err := svc.AddSite(ctx, "u1", "example.net", "")
		require.NoError(t, err)
	})
}

func TestDeleteAndPages(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, stubTokens{err: tokens.ErrNotConnected}, &stubGateway{})

	site, err := svc.AddSite(ctx, "u1", "example.com", "")
	require.NoError(t, err)
	require.NoError(t, store.UpsertPages(ctx, []*models.Page{
		{SiteID: site.ID, URL: "https://example.com/a", Indexed: true, Status: "PASS"},
		{SiteID: site.ID, URL: "https://example.com/b", Status: "FAIL"},
	}))

	notIndexed := false
	pages, err := svc.Pages(ctx, "u1", site.ID, &notIndexed, 0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://example.com/b", pages[0].URL)

	_, err = svc.Pages(ctx, "u2", site.ID, nil, 0)
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, svc.DeleteSite(ctx, "u1", site.ID))
	sites, err := svc.ListSites(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sites)
}
