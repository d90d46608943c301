package models

import (
	"time"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotificationTypeWebhook NotificationType = "webhook"
	NotificationTypeLog     NotificationType = "log"
)

// Notification is the payload pushed when an action reaches a terminal status
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Event     string           `json:"event"`
	UserID    string           `json:"user_id"`
	History   *HistoryEntry    `json:"history"`
	Target    string           `json:"-"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
	SentAt    *time.Time       `json:"sent_at,omitempty"`
}
