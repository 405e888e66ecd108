package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/mail"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
)

const handleTimeout = 30 * time.Second

// Feed pushes a payload to a user's live notification stream.
type Feed interface {
	Push(userID string, payload []byte)
}

// Service fans a status-change event out to in-app notifications and email.
// It consumes events asynchronously; nothing here can stall or roll back the
// reconciliation that produced the event.
type Service struct {
	deployments   repository.DeploymentRepository
	projects      repository.ProjectRepository
	users         repository.UserRepository
	notifications repository.NotificationRepository
	mailer        mail.Mailer
	feed          Feed
	logger        *slog.Logger

	emailEnabled bool

	now func() time.Time
}

// New constructs the fan-out service.
func New(deployments repository.DeploymentRepository, projects repository.ProjectRepository, users repository.UserRepository, notifications repository.NotificationRepository, mailer mail.Mailer, feed Feed, logger *slog.Logger, emailEnabled bool) *Service {
	if mailer == nil {
		mailer = mail.Noop{}
	}
	if logger != nil {
		logger = logger.With("component", "notify")
	}
	return &Service{
		deployments:   deployments,
		projects:      projects,
		users:         users,
		notifications: notifications,
		mailer:        mailer,
		feed:          feed,
		logger:        logger,
		emailEnabled:  emailEnabled,
		now:           time.Now,
	}
}

// HandleStatusChange is the event-bus subscriber entry point.
func (s *Service) HandleStatusChange(evt domain.StatusChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch evt.NewStatus {
	case domain.DeploymentSuccess, domain.DeploymentFailed:
	default:
		return
	}

	deployment, err := s.deployments.GetDeploymentByID(ctx, evt.DeploymentID)
	if err != nil {
		s.logger.Warn("failed to load deployment for fan-out", "deployment_id", evt.DeploymentID, "error", err)
		return
	}
	project, err := s.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		s.logger.Warn("failed to load project for fan-out", "deployment_id", evt.DeploymentID, "error", err)
		return
	}

	succeeded := evt.NewStatus == domain.DeploymentSuccess
	title, body, severity := composeMessage(*project, *deployment, succeeded)

	trigger, err := s.users.GetUserByID(ctx, deployment.TriggeredByID)
	if err != nil {
		s.logger.Warn("failed to load triggering user", "deployment_id", evt.DeploymentID, "user_id", deployment.TriggeredByID, "error", err)
	} else {
		s.createNotification(ctx, trigger.ID, title, body, severity)
		if s.emailEnabled {
			s.sendEmail(ctx, *trigger, *deployment, *project, succeeded)
		}
	}

	members, err := s.projects.ListProjectMembers(ctx, project.ID)
	if err != nil {
		s.logger.Warn("failed to list project members", "project_id", project.ID, "error", err)
		return
	}
	for _, member := range members {
		if member.ID == deployment.TriggeredByID {
			continue
		}
		s.createNotification(ctx, member.ID, title, body, severity)
	}
}

// createNotification persists one bell notification and pushes it to the
// live feed. Failures are logged per recipient and never propagated.
func (s *Service) createNotification(ctx context.Context, userID, title, body, severity string) {
	notification := domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		Severity:  severity,
		CreatedAt: s.now().UTC(),
	}
	if err := s.notifications.CreateNotification(ctx, &notification); err != nil {
		s.logger.Warn("failed to create notification", "user_id", userID, "error", err)
		return
	}
	recordSent("bell")
	if s.feed != nil {
		payload, err := json.Marshal(map[string]any{
			"id":         notification.ID,
			"title":      notification.Title,
			"body":       notification.Body,
			"severity":   notification.Severity,
			"created_at": notification.CreatedAt.Format(time.RFC3339),
		})
		if err == nil {
			s.feed.Push(userID, payload)
		}
	}
}

func (s *Service) sendEmail(ctx context.Context, to domain.User, deployment domain.Deployment, project domain.Project, succeeded bool) {
	var err error
	if succeeded {
		err = s.mailer.SendSuccess(ctx, to, deployment, project)
	} else {
		err = s.mailer.SendFailure(ctx, to, deployment, project)
	}
	if err != nil {
		s.logger.Warn("failed to send email", "user_id", to.ID, "deployment_id", deployment.ID, "error", err)
		return
	}
	recordSent("email")
}

func composeMessage(project domain.Project, deployment domain.Deployment, succeeded bool) (title, body, severity string) {
	if succeeded {
		title = fmt.Sprintf("Deployment of %s succeeded", project.Name)
		body = fmt.Sprintf("Version %s is now live.", deployment.Version)
		return title, body, domain.SeverityInfo
	}
	title = fmt.Sprintf("Deployment of %s failed", project.Name)
	body = fmt.Sprintf("Version %s did not complete. Check the build log for details.", deployment.Version)
	if deployment.BuildURL != "" {
		body = fmt.Sprintf("Version %s did not complete. Build log: %s", deployment.Version, deployment.BuildURL)
	}
	return title, body, domain.SeverityError
}
