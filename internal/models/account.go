package models

import (
	"time"
)

// Account is a user's credit account. Balance is only changed by ledger
// operations, each of which also appends a CreditTransaction.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Email     string    `json:"email,omitempty" db:"email"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OAuthToken holds the search console credentials for one user
type OAuthToken struct {
	UserID       string    `json:"user_id" db:"user_id"`
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	Expiry       time.Time `json:"expiry" db:"expiry"`
	Connected    bool      `json:"connected" db:"connected"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ValidAt reports whether the access token can still be used at t.
func (t *OAuthToken) ValidAt(at time.Time) bool {
	return t.AccessToken != "" && at.Before(t.Expiry)
}
