package domain

import "time"

// Environment statuses.
const (
	EnvironmentOnline    = "online"
	EnvironmentOffline   = "offline"
	EnvironmentDeploying = "deploying"
	EnvironmentError     = "error"
)

// Environment represents a deployment target such as dev/staging/prod.
type Environment struct {
	ID        string
	ProjectID string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
