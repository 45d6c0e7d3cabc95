// Package webhook ingests inbound webhooks from git hosts and deployment
// providers. Both sources are verified before any state is touched, and
// handlers always acknowledge the sender; failures are recorded internally
// instead of surfacing as retryable HTTP errors.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/events"
	"github.com/stackport/stackport/internal/orchestrator"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/repository"
	"github.com/stackport/stackport/pkg/crypto"
)

// Orchestrator is the slice of the deployment orchestrator webhooks drive.
type Orchestrator interface {
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (*domain.Deployment, error)
	ApplyProviderStatus(ctx context.Context, providerName, providerID, status, url, errMsg string) error
}

// Service routes verified webhooks into the orchestrator.
type Service struct {
	webhooks     repository.WebhookRepository
	orchestrator Orchestrator
	registry     *provider.Registry
	audit        events.AuditSink
	log          *slog.Logger
	secretKey    string
	gitFallback  []byte
}

// New constructs the webhook Service. secretKey encrypts stored per-project
// secrets; gitFallbackSecret verifies git pushes for projects without their
// own webhook secret.
func New(webhooks repository.WebhookRepository, orch Orchestrator, registry *provider.Registry, audit events.AuditSink, log *slog.Logger, secretKey string, gitFallbackSecret []byte) *Service {
	return &Service{
		webhooks:     webhooks,
		orchestrator: orch,
		registry:     registry,
		audit:        audit,
		log:          log,
		secretKey:    secretKey,
		gitFallback:  gitFallbackSecret,
	}
}

// UpsertSecret stores or rotates a project's git webhook secret, encrypted
// at rest.
func (s *Service) UpsertSecret(ctx context.Context, projectID, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return domain.ValidationError("webhook secret is required", nil)
	}
	encrypted, err := crypto.EncryptString(s.secretKey, secret)
	if err != nil {
		return fmt.Errorf("encrypt webhook secret: %w", err)
	}
	return s.webhooks.UpsertWebhookSecret(ctx, projectID, encrypted)
}

// ListFailures returns recorded webhook rejections, newest first.
func (s *Service) ListFailures(ctx context.Context, providerName string, limit int) ([]domain.WebhookFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.webhooks.ListWebhookFailures(ctx, providerName, limit)
}

// pushPayload is the subset of a git push event the service reads.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// HandleGitPush verifies and processes a push event for a project. The
// returned error is for logging only; callers acknowledge the sender
// regardless.
func (s *Service) HandleGitPush(ctx context.Context, projectID, signature string, body []byte) error {
	secret, err := s.lookupSecret(ctx, projectID)
	if err != nil {
		s.recordFailure(ctx, "git", projectID, "secret lookup failed: "+err.Error())
		return err
	}

	if !provider.GitPushScheme.Verify(secret, body, signature) {
		err := domain.ValidationError("git webhook signature mismatch", nil)
		s.recordFailure(ctx, "git", projectID, err.Message)
		return err
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.recordFailure(ctx, "git", projectID, "malformed push payload")
		return domain.ValidationError("malformed push payload", err)
	}
	if payload.Deleted {
		// Branch deletion; nothing to deploy.
		return nil
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	deployment, err := s.orchestrator.Deploy(ctx, orchestrator.DeployRequest{
		ProjectID:     projectID,
		Branch:        branch,
		CommitSHA:     payload.After,
		CommitAuthor:  payload.HeadCommit.Author.Name,
		CommitMessage: payload.HeadCommit.Message,
		Trigger:       "git-push",
		TriggeredBy:   payload.Pusher.Name,
	})
	if err != nil {
		s.recordFailure(ctx, "git", projectID, "deploy trigger failed: "+err.Error())
		return err
	}

	s.log.Info("git push accepted",
		"project_id", projectID,
		"branch", branch,
		"deployment_id", deployment.ID,
	)
	return nil
}

// HandleProviderCallback verifies and applies a deployment-provider status
// callback. The deployment is always located by the provider's own id. The
// returned error is for logging only; callers acknowledge the sender
// regardless.
func (s *Service) HandleProviderCallback(ctx context.Context, providerName, signature string, body []byte) error {
	adapter, err := s.registry.Resolve(providerName)
	if err != nil {
		s.recordFailure(ctx, providerName, "", "unknown provider")
		return err
	}

	result, err := adapter.ValidateWebhook(signature, body)
	if err != nil || !result.Valid {
		reason := "signature validation failed"
		if err != nil {
			reason = err.Error()
		}
		s.recordFailure(ctx, providerName, "", reason)
		if err == nil {
			err = domain.ValidationError(reason, nil)
		}
		return err
	}

	s.audit.Record(ctx, domain.AuditFact{
		Action:     "WEBHOOK_" + strings.ToUpper(adapter.Name()),
		EntityID:   result.ProviderID,
		Detail:     map[string]string{"status": result.Status},
		OccurredAt: time.Now().UTC(),
	})

	if result.ProviderID == "" || result.Status == "" {
		// Event types that carry no deployment state, e.g. project-level
		// notifications. Verified, acknowledged, nothing to apply.
		return nil
	}

	err = s.applyWithRetry(ctx, adapter.Name(), result)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		s.recordFailure(ctx, providerName, "", "no deployment for provider id "+result.ProviderID)
		return err
	case domain.IsStateConflict(err):
		// Out-of-order callback; already settled state wins.
		s.log.Info("ignoring out-of-order provider callback",
			"provider", providerName, "provider_id", result.ProviderID, "status", result.Status)
		return nil
	default:
		s.recordFailure(ctx, providerName, "", "apply status failed: "+err.Error())
		return err
	}
}

// applyWithRetry applies a provider status update, retrying briefly when the
// deployment row is not found yet. A callback can beat the orchestrator to
// recording the provider id for a deployment it just created; a short wait
// closes that window without leaning on the reconciliation sweep.
func (s *Service) applyWithRetry(ctx context.Context, providerName string, result *provider.WebhookValidationResult) error {
	backoff := retry.WithMaxRetries(2, retry.NewConstant(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.orchestrator.ApplyProviderStatus(ctx, providerName, result.ProviderID, result.Status, result.URL, result.Error)
		if errors.Is(err, repository.ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// lookupSecret fetches and decrypts a project's webhook secret, falling
// back to the shared git secret when the project has none.
func (s *Service) lookupSecret(ctx context.Context, projectID string) ([]byte, error) {
	encrypted, err := s.webhooks.GetWebhookSecret(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.gitFallback, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := crypto.DecryptToString(s.secretKey, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	return []byte(plain), nil
}

func (s *Service) recordFailure(ctx context.Context, providerName, projectID, reason string) {
	failure := domain.WebhookFailure{
		Provider:  providerName,
		ProjectID: projectID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.webhooks.RecordWebhookFailure(ctx, failure); err != nil {
		s.log.Error("record webhook failure failed", "provider", providerName, "error", err)
	}
	s.log.Warn("webhook rejected", "provider", providerName, "project_id", projectID, "reason", reason)
}
