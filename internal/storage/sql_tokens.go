package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// GetToken retrieves the OAuth token record of a user
func (s *sqlStore) GetToken(ctx context.Context, userID string) (*models.OAuthToken, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return s.getToken(ctx, db, userID)
}

func (s *sqlStore) getToken(ctx context.Context, q queryer, userID string) (*models.OAuthToken, error) {
	token := &models.OAuthToken{}
	var expiry sql.NullTime
	err := s.queryRow(ctx, q,
		`SELECT user_id, access_token, refresh_token, expiry, connected, updated_at
		 FROM oauth_tokens WHERE user_id = ?`, userID).
		Scan(&token.UserID, &token.AccessToken, &token.RefreshToken, &expiry, &token.Connected, &token.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get token", err)
	}
	if expiry.Valid {
		token.Expiry = expiry.Time
	}
	return token, nil
}

// SaveToken upserts the token record and returns what was stored
func (s *sqlStore) SaveToken(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	token.UpdatedAt = time.Now().UTC()

	var saved *models.OAuthToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO oauth_tokens (user_id, access_token, refresh_token, expiry, connected, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = CASE WHEN excluded.refresh_token = '' THEN oauth_tokens.refresh_token ELSE excluded.refresh_token END,
				expiry = excluded.expiry,
				connected = excluded.connected,
				updated_at = excluded.updated_at`,
			token.UserID, token.AccessToken, token.RefreshToken, nullTime(&token.Expiry),
			token.Connected, token.UpdatedAt)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to save token", err)
		}
		saved, err = s.getToken(ctx, tx, token.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SetConnected flips the connected flag without touching the credentials
func (s *sqlStore) SetConnected(ctx context.Context, userID string, connected bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, db,
		`UPDATE oauth_tokens SET connected = ?, updated_at = ? WHERE user_id = ?`,
		connected, time.Now().UTC(), userID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: token for %s", ErrNotFound, userID)
	}
	return nil
}
