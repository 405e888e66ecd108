package domain

import "time"

// User identifies an account that triggers deployments and receives
// notifications. Credential handling lives outside this service.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
