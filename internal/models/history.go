package models

import (
	"time"
)

// ActionKind is the type of indexing action
type ActionKind string

const (
	ActionCheck   ActionKind = "check"
	ActionReindex ActionKind = "reindex"
)

// Valid reports whether k is a known action kind
func (k ActionKind) Valid() bool {
	return k == ActionCheck || k == ActionReindex
}

// HistoryStatus is the state of an indexing history entry
type HistoryStatus string

const (
	StatusPending             HistoryStatus = "pending"
	StatusProcessing          HistoryStatus = "processing"
	StatusSuccessful          HistoryStatus = "successful"
	StatusFailed              HistoryStatus = "failed"
	StatusCompletedWithErrors HistoryStatus = "completed_with_errors"
	StatusNoURLsFound         HistoryStatus = "no_urls_found"
	StatusNoURLsToReindex     HistoryStatus = "no_urls_to_reindex"
)

// IsTerminal reports whether no further transition may occur from s
func (s HistoryStatus) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusCompletedWithErrors,
		StatusNoURLsFound, StatusNoURLsToReindex:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the
// pending -> processing -> terminal order.
func (s HistoryStatus) CanTransition(next HistoryStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next.IsTerminal()
	}
	return false
}

// NothingToDo returns the terminal status used when an action had no URLs
func (k ActionKind) NothingToDo() HistoryStatus {
	if k == ActionReindex {
		return StatusNoURLsToReindex
	}
	return StatusNoURLsFound
}

// SiteOutcome is the result of one site inside an action
type SiteOutcome string

const (
	SiteOK     SiteOutcome = "ok"
	SiteEmpty  SiteOutcome = "empty"
	SiteFailed SiteOutcome = "failed"
)

// SiteResult is the per-site contribution to a history entry
type SiteResult struct {
	SiteID    string      `json:"site_id" db:"site_id"`
	SiteName  string      `json:"site_name" db:"site_name"`
	Outcome   SiteOutcome `json:"outcome" db:"outcome"`
	Message   string      `json:"message,omitempty" db:"message"`
	Processed int         `json:"processed" db:"processed"`
	Indexed   int         `json:"indexed" db:"indexed"`
}

// HistoryEntry is the audit record of one action run
type HistoryEntry struct {
	ID               string        `json:"id" db:"id"`
	UserID           string        `json:"user_id" db:"user_id"`
	SiteIDs          []string      `json:"site_ids" db:"site_ids"`
	Action           ActionKind    `json:"action" db:"action"`
	Status           HistoryStatus `json:"status" db:"status"`
	Message          string        `json:"message" db:"message"`
	ReservationID    string        `json:"reservation_id,omitempty" db:"reservation_id"`
	CreditsEstimated int64         `json:"credits_estimated" db:"credits_estimated"`
	CreditsUsed      *int64        `json:"credits_used,omitempty" db:"credits_used"`
	InitialCount     int           `json:"initial_count" db:"initial_count"`
	ProcessedCount   int           `json:"processed_count" db:"processed_count"`
	IndexedCount     int           `json:"indexed_count" db:"indexed_count"`
	Sites            []SiteResult  `json:"sites,omitempty"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// HistoryUpdate describes a status transition of a history entry.
// CreditsUsed and Sites are only persisted with a terminal status.
type HistoryUpdate struct {
	Status         HistoryStatus
	Message        string
	ReservationID  string
	InitialCount   int
	ProcessedCount int
	IndexedCount   int
	CreditsUsed    int64
	Sites          []SiteResult
	At             time.Time
}

// HistoryFilter for querying history entries
type HistoryFilter struct {
	UserID   string          `json:"user_id,omitempty"`
	Statuses []HistoryStatus `json:"statuses,omitempty"`
	Before   *time.Time      `json:"before,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}
