package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
)

const sendTimeout = 15 * time.Second

// Mailer delivers deployment outcome emails. Delivery is best-effort.
type Mailer interface {
	SendSuccess(ctx context.Context, to domain.User, deployment domain.Deployment, project domain.Project) error
	SendFailure(ctx context.Context, to domain.User, deployment domain.Deployment, project domain.Project) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	client *gomail.Client
	from   string
	logger *slog.Logger
}

// NewSMTP constructs an SMTP-backed mailer.
func NewSMTP(host string, port int, user, password, from string, logger *slog.Logger) (*SMTPMailer, error) {
	opts := []gomail.Option{gomail.WithPort(port), gomail.WithTimeout(sendTimeout)}
	if user != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(user),
			gomail.WithPassword(password),
		)
	}
	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("configure smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: from, logger: logger}, nil
}

// SendSuccess emails a deployment success summary.
func (m *SMTPMailer) SendSuccess(ctx context.Context, to domain.User, deployment domain.Deployment, project domain.Project) error {
	subject := fmt.Sprintf("Deployment succeeded: %s %s", project.Name, deployment.Version)
	body := fmt.Sprintf("Your deployment of %s (version %s) completed successfully.\n\nBuild: %s\n",
		project.Name, deployment.Version, deployment.BuildURL)
	return m.send(ctx, to, subject, body)
}

// SendFailure emails a deployment failure summary.
func (m *SMTPMailer) SendFailure(ctx context.Context, to domain.User, deployment domain.Deployment, project domain.Project) error {
	subject := fmt.Sprintf("Deployment failed: %s %s", project.Name, deployment.Version)
	body := fmt.Sprintf("Your deployment of %s (version %s) failed.\n\nBuild: %s\n",
		project.Name, deployment.Version, deployment.BuildURL)
	return m.send(ctx, to, subject, body)
}

func (m *SMTPMailer) send(ctx context.Context, to domain.User, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(to.Email); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := m.client.DialAndSendWithContext(sendCtx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to.Email, err)
	}
	if m.logger != nil {
		m.logger.Info("email sent", "to", to.Email, "subject", subject)
	}
	return nil
}

// Noop is a Mailer that discards everything; used when SMTP is unconfigured.
type Noop struct{}

func (Noop) SendSuccess(context.Context, domain.User, domain.Deployment, domain.Project) error {
	return nil
}

func (Noop) SendFailure(context.Context, domain.User, domain.Deployment, domain.Project) error {
	return nil
}
