package repository

import (
	"context"
	"time"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
)

// DeploymentRepository is the record store for deployments; it is the single
// source of truth for transition checks.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	AttachBuild(ctx context.Context, deploymentID string, buildNumber int, buildURL string) error
	// ListDeploymentsByStatus returns deployments in any of the given
	// statuses; a zero createdAfter disables the creation-time cutoff.
	ListDeploymentsByStatus(ctx context.Context, statuses []string, createdAfter time.Time) ([]domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	FindDeploymentByProjectAndBuild(ctx context.Context, projectID string, buildNumber int) (*domain.Deployment, error)
}

// ProjectRepository resolves projects and their membership.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByCIJob(ctx context.Context, jobName string) (*domain.Project, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]domain.User, error)
}

// EnvironmentRepository persists environment state.
type EnvironmentRepository interface {
	GetEnvironmentByID(ctx context.Context, environmentID string) (*domain.Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, environmentID, status string) error
}

// UserRepository resolves users.
type UserRepository interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
}

// NotificationRepository stores in-app notifications.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *domain.Notification) error
	ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
