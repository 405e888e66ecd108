package domain

import "time"

// Project describes a deployable unit bound to a CI job.
type Project struct {
	ID        string
	Name      string
	CIJobName string
	CreatedAt time.Time
}

// ProjectMember links a user to a project.
type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}
