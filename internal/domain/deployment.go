package domain

import "time"

// Deployment statuses. Transitions only move pending -> in_progress ->
// success|failed; cancelled is set by the manual cancel flow and, like the
// other terminal statuses, is never left.
const (
	DeploymentPending    = "pending"
	DeploymentInProgress = "in_progress"
	DeploymentSuccess    = "success"
	DeploymentFailed     = "failed"
	DeploymentCancelled  = "cancelled"
)

// IsTerminalStatus reports whether no further automatic transition applies.
func IsTerminalStatus(status string) bool {
	switch status {
	case DeploymentSuccess, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

// Deployment captures a single release of a project version into an environment.
type Deployment struct {
	ID            string
	ProjectID     string
	EnvironmentID string
	TriggeredByID string
	Version       string
	Status        string
	Notes         string
	BuildNumber   *int
	BuildURL      string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// DeploymentStatusUpdate captures the fields the reconciliation engine writes.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	BuildNumber  *int
	BuildURL     string
	CompletedAt  *time.Time
}
