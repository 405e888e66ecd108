package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"log/slog"

	"github.com/cibofdevs/envpilot-sub000/internal/repository"
	"github.com/cibofdevs/envpilot-sub000/pkg/crypto"
)

// Service stores and validates per-project CI webhook secrets.
type Service struct {
	repo          repository.WebhookRepository
	logger        *slog.Logger
	encryptionKey string
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, logger *slog.Logger, encryptionKey string) Service {
	return Service{repo: repo, logger: logger, encryptionKey: encryptionKey}
}

// UpsertSecret stores the secret encrypted at rest.
func (s Service) UpsertSecret(ctx context.Context, projectID string, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	payload, err := crypto.EncryptString(s.encryptionKey, value)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhookSecret(ctx, projectID, payload)
}

// ValidateSignature checks an HMAC-SHA256 signature over the payload.
func (s Service) ValidateSignature(payload []byte, secret []byte, provided string) error {
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

// CheckSignature loads the project's secret and verifies the payload.
func (s Service) CheckSignature(ctx context.Context, projectID string, payload []byte, provided string) error {
	secret, err := s.repo.GetWebhookSecret(ctx, projectID)
	if err != nil {
		return err
	}
	raw, err := crypto.DecryptToString(s.encryptionKey, secret)
	if err != nil {
		return err
	}
	return s.ValidateSignature(payload, []byte(raw), provided)
}
