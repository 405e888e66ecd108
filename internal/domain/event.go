package domain

import "time"

// StatusChangeEvent is published exactly once per committed transition of a
// deployment into a terminal status.
type StatusChangeEvent struct {
	DeploymentID string
	OldStatus    string
	NewStatus    string
	OccurredAt   time.Time
}
