package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.ProjectRepository      = (*Repository)(nil)
	_ repository.EnvironmentRepository  = (*Repository)(nil)
	_ repository.UserRepository         = (*Repository)(nil)
	_ repository.NotificationRepository = (*Repository)(nil)
	_ repository.WebhookRepository      = (*Repository)(nil)
)

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, environment_id, triggered_by, version, status, notes, build_number, build_url, created_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.EnvironmentID,
		deployment.TriggeredByID,
		deployment.Version,
		deployment.Status,
		deployment.Notes,
		deployment.BuildNumber,
		emptyToNil(deployment.BuildURL),
		deployment.CreatedAt,
		deployment.CompletedAt,
		deployment.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02", "23505":
				return repository.ErrInvalidArgument
			}
		}
	}
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, environment_id, triggered_by, version, status, notes, build_number, build_url, created_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// UpdateDeploymentStatus persists a status transition written by the engine.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			build_number = COALESCE($3, build_number),
			build_url = COALESCE($4, build_url),
			completed_at = COALESCE($5, completed_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		update.BuildNumber,
		emptyToNil(update.BuildURL),
		update.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AttachBuild records the external build number and URL once known.
func (r *Repository) AttachBuild(ctx context.Context, deploymentID string, buildNumber int, buildURL string) error {
	const query = `UPDATE deployments
		SET build_number = $2,
			build_url = COALESCE($3, build_url),
			updated_at = NOW()
		WHERE id = $1 AND build_number IS NULL`
	tag, err := r.pool.Exec(ctx, query, deploymentID, buildNumber, emptyToNil(buildURL))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already attached; callers treat both as settled.
		return nil
	}
	return nil
}

// ListDeploymentsByStatus enumerates deployments in any of the given statuses.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, statuses []string, createdAfter time.Time) ([]domain.Deployment, error) {
	const query = `SELECT id, project_id, environment_id, triggered_by, version, status, notes, build_number, build_url, created_at, completed_at, updated_at
		FROM deployments
		WHERE status = ANY($1) AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, statuses, nilTime(createdAfter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// ListDeploymentsByProject returns the most recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, environment_id, triggered_by, version, status, notes, build_number, build_url, created_at, completed_at, updated_at
		FROM deployments WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// FindDeploymentByProjectAndBuild resolves a deployment by project and its
// expected external build number.
func (r *Repository) FindDeploymentByProjectAndBuild(ctx context.Context, projectID string, buildNumber int) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, environment_id, triggered_by, version, status, notes, build_number, build_url, created_at, completed_at, updated_at
		FROM deployments WHERE project_id = $1 AND build_number = $2
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, projectID, buildNumber)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, ci_job_name, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.CIJobName, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetProjectByCIJob resolves a project from its CI job name.
func (r *Repository) GetProjectByCIJob(ctx context.Context, jobName string) (*domain.Project, error) {
	const query = `SELECT id, name, ci_job_name, created_at FROM projects WHERE ci_job_name = $1`
	row := r.pool.QueryRow(ctx, query, jobName)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.CIJobName, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectMembers returns users assigned to the project.
func (r *Repository) ListProjectMembers(ctx context.Context, projectID string) ([]domain.User, error) {
	const query = `SELECT u.id, u.email, u.name, u.created_at
		FROM users u
		INNER JOIN project_members pm ON pm.user_id = u.id
		WHERE pm.project_id = $1
		ORDER BY u.created_at ASC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetEnvironmentByID loads a single environment.
func (r *Repository) GetEnvironmentByID(ctx context.Context, environmentID string) (*domain.Environment, error) {
	const query = `SELECT id, project_id, name, status, created_at, updated_at FROM environments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, environmentID)
	var env domain.Environment
	if err := row.Scan(&env.ID, &env.ProjectID, &env.Name, &env.Status, &env.CreatedAt, &env.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &env, nil
}

// UpdateEnvironmentStatus mutates the status of an environment.
func (r *Repository) UpdateEnvironmentStatus(ctx context.Context, environmentID, status string) error {
	const query = `UPDATE environments SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, environmentID, status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	const query = `SELECT id, email, name, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, userID)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateNotification inserts an in-app notification.
func (r *Repository) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	const query = `INSERT INTO notifications (id, user_id, title, body, severity, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		notification.ID,
		notification.UserID,
		notification.Title,
		notification.Body,
		notification.Severity,
		notification.Read,
		notification.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
	}
	return err
}

// ListNotificationsByUser fetches the most recent notifications for a user.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, user_id, title, body, severity, read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Severity, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead flags a notification as read.
func (r *Repository) MarkNotificationRead(ctx context.Context, notificationID string) error {
	const query = `UPDATE notifications SET read = TRUE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, notificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertWebhookSecret saves an encrypted webhook secret for a project.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO project_webhooks (project_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return err
}

// GetWebhookSecret retrieves the stored secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM project_webhooks WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		buildNumber sql.NullInt64
		buildURL    sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.EnvironmentID,
		&d.TriggeredByID,
		&d.Version,
		&d.Status,
		&d.Notes,
		&buildNumber,
		&buildURL,
		&d.CreatedAt,
		&completedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if buildNumber.Valid {
		value := int(buildNumber.Int64)
		d.BuildNumber = &value
	}
	if buildURL.Valid {
		d.BuildURL = buildURL.String
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
