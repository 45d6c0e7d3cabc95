package repository

import (
	"context"
	"time"

	"github.com/stackport/stackport/internal/domain"
)

// ProjectRepository reads project configuration. Mutation belongs to the
// excluded settings surface.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
}

// BuildRepository stores build pipeline executions.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	UpdateBuildStatus(ctx context.Context, buildID, status, errMsg string, completedAt *time.Time) error
	SetBuildCacheKey(ctx context.Context, buildID, cacheKey string) error
	ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error)
	AddArtifact(ctx context.Context, artifact *domain.Artifact) error
	ListArtifacts(ctx context.Context, buildID string) ([]domain.Artifact, error)
	AppendBuildLog(ctx context.Context, line domain.LogLine) error
	ListBuildLogs(ctx context.Context, buildID string, limit, offset int) ([]domain.LogLine, error)
}

// DeploymentRepository stores deployment history. Rows are never deleted by
// this core.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentByProviderID(ctx context.Context, provider, providerID string) (*domain.Deployment, error)
	GetCurrentDeployment(ctx context.Context, projectID, environment string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Deployment, error)
	AppendDeploymentLog(ctx context.Context, line domain.LogLine) error
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogLine, error)
}

// ProviderAccountRepository stores connected provider accounts.
type ProviderAccountRepository interface {
	UpsertProviderAccount(ctx context.Context, account *domain.ProviderAccount) error
	GetProviderAccount(ctx context.Context, teamID, provider string) (*domain.ProviderAccount, error)
	DeleteProviderAccount(ctx context.Context, accountID string) error
}

// WebhookRepository stores per-project webhook secrets and failure records.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
	RecordWebhookFailure(ctx context.Context, failure domain.WebhookFailure) error
	ListWebhookFailures(ctx context.Context, provider string, limit int) ([]domain.WebhookFailure, error)
}
