package domain

import "time"

// Notification severities.
const (
	SeverityInfo  = "info"
	SeverityError = "error"
)

// Notification is an in-app message surfaced in a user's feed.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	Severity  string
	Read      bool
	CreatedAt time.Time
}
