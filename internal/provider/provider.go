// Package provider defines the adapter contract that normalizes hosting
// providers behind one interface. Everything above this package speaks the
// platform vocabulary only; native provider statuses, headers and payload
// shapes stop here.
package provider

import (
	"context"
	"time"

	"github.com/stackport/stackport/internal/domain"
)

// Known provider names. The registry is the source of truth for what is
// actually available at runtime.
const (
	Vercel  = "vercel"
	Netlify = "netlify"
	Render  = "render"
)

// DeploymentRequest carries everything an adapter needs to create a
// deployment on its provider.
type DeploymentRequest struct {
	ProjectRef   string
	ProjectName  string
	Environment  string
	Branch       string
	CommitSHA    string
	ArtifactPath string
	EnvVars      map[string]string
	Metadata     map[string]string
}

// DeploymentResult is the normalized response to a create call.
type DeploymentResult struct {
	ProviderID string
	URL        string
	Region     string
	Status     string
	CreatedAt  time.Time
}

// StatusSnapshot is a point-in-time view of a provider-side deployment.
type StatusSnapshot struct {
	ProviderID string
	Status     string
	URL        string
	Region     string
	Error      string
	CheckedAt  time.Time
}

// LogPage is one page of provider-side deployment logs.
type LogPage struct {
	Lines      []domain.LogLine
	NextCursor string
}

// CancelResult reports the outcome of a cancel call.
type CancelResult struct {
	ProviderID string
	Status     string
}

// WebhookValidationResult carries the verdict on an inbound webhook.
type WebhookValidationResult struct {
	Valid      bool
	ProviderID string
	Status     string
	URL        string
	Error      string
}

// Credentials are the decrypted secrets for a connected account.
type Credentials struct {
	Token     string
	TeamRef   string
	ExtraVars map[string]string
}

// AccountInfo describes a connected provider account.
type AccountInfo struct {
	AccountRef string
	Name       string
	Plan       string
}

// Adapter is the uniform surface every hosting provider implements.
// Implementations translate native statuses into the platform vocabulary
// before returning; callers never see provider-native strings.
type Adapter interface {
	Name() string
	CreateDeployment(ctx context.Context, req DeploymentRequest) (*DeploymentResult, error)
	GetDeploymentStatus(ctx context.Context, providerID string) (*StatusSnapshot, error)
	GetDeploymentLogs(ctx context.Context, providerID, cursor string) (*LogPage, error)
	ListDeployments(ctx context.Context, projectRef string, limit int) ([]StatusSnapshot, error)
	CancelDeployment(ctx context.Context, providerID string) (*CancelResult, error)
	ValidateWebhook(header string, body []byte) (*WebhookValidationResult, error)
	ConnectAccount(ctx context.Context, creds Credentials) (*AccountInfo, error)
	DisconnectAccount(ctx context.Context, accountRef string) error
}
