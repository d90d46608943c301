package models

import (
	"time"
)

// Site is a user's registered website and its aggregate index state
type Site struct {
	ID         string `json:"id" db:"id"`
	UserID     string `json:"user_id" db:"user_id"`
	Name       string `json:"name" db:"name"`
	URL        string `json:"url" db:"url"`
	PropertyID string `json:"property_id" db:"property_id"`

	TotalPages   int `json:"total_pages" db:"total_pages"`
	IndexedPages int `json:"indexed_pages" db:"indexed_pages"`

	LastScanStatus     string     `json:"last_scan_status,omitempty" db:"last_scan_status"`
	LastScanMessage    string     `json:"last_scan_message,omitempty" db:"last_scan_message"`
	LastScanAt         *time.Time `json:"last_scan_at,omitempty" db:"last_scan_at"`
	LastReindexStatus  string     `json:"last_reindex_status,omitempty" db:"last_reindex_status"`
	LastReindexMessage string     `json:"last_reindex_message,omitempty" db:"last_reindex_message"`
	LastReindexAt      *time.Time `json:"last_reindex_request_at,omitempty" db:"last_reindex_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Target returns the identifier used to address the external API.
func (s *Site) Target() string {
	if s.PropertyID != "" {
		return s.PropertyID
	}
	return s.URL
}

// Page is the last known index state of a single URL
type Page struct {
	ID                 string     `json:"id" db:"id"`
	SiteID             string     `json:"site_id" db:"site_id"`
	URL                string     `json:"url" db:"url"`
	Indexed            bool       `json:"indexed" db:"indexed"`
	Status             string     `json:"status" db:"status"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
	LastReindexRequest *time.Time `json:"last_reindex_requested_at,omitempty" db:"last_reindex_requested_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// SiteCounters are the aggregate page counts stored on a site
type SiteCounters struct {
	TotalPages   int `json:"total_pages"`
	IndexedPages int `json:"indexed_pages"`
}

// SiteStatusUpdate records the outcome of the latest action on a site
type SiteStatusUpdate struct {
	Action  ActionKind
	Status  string
	Message string
	At      time.Time
}
