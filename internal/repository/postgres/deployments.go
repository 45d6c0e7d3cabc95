package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/repository"
)

const deploymentColumns = `id, project_id, build_id, environment, provider, provider_id, url, region, status, canary_percent, rollback_from, rollback_reason, promoted_from, commit_sha, branch, commit_author, commit_message, triggered_by, error, metadata, started_at, completed_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.ProjectID,
		emptyToNil(d.BuildID),
		d.Environment,
		d.Provider,
		emptyToNil(d.ProviderID),
		d.URL,
		d.Region,
		d.Status,
		d.CanaryPercent,
		emptyToNil(d.RollbackFrom),
		d.RollbackReason,
		emptyToNil(d.PromotedFrom),
		d.CommitSHA,
		d.Branch,
		d.CommitAuthor,
		d.CommitMessage,
		d.TriggeredBy,
		d.Error,
		d.Metadata,
		d.StartedAt,
		d.CompletedAt,
		d.UpdatedAt,
	)
	return wrapPgError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// GetDeploymentByProviderID correlates a provider-side identifier back to a
// deployment row. Used by webhook ingestion.
func (r *Repository) GetDeploymentByProviderID(ctx context.Context, provider, providerID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE provider = $1 AND provider_id = $2
		ORDER BY started_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, provider, providerID))
}

// GetCurrentDeployment returns the newest running deployment for a project
// environment.
func (r *Repository) GetCurrentDeployment(ctx context.Context, projectID, environment string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND environment = $2 AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID, environment))
}

// UpdateDeploymentStatus applies a status update, preserving fields the
// update leaves empty.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			provider_id = COALESCE($3, provider_id),
			url = COALESCE($4, url),
			region = COALESCE($5, region),
			error = COALESCE($6, error),
			metadata = COALESCE($7, metadata),
			completed_at = COALESCE($8, completed_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		emptyToNil(update.ProviderID),
		emptyToNil(update.URL),
		emptyToNil(update.Region),
		emptyToNil(update.Error),
		update.Metadata,
		update.CompletedAt,
	)
	if err != nil {
		return wrapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments stuck in the
// given status since before the cutoff. Used by the sweeper.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, status, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// AppendDeploymentLog persists a deployment log line.
func (r *Repository) AppendDeploymentLog(ctx context.Context, line domain.LogLine) error {
	const query = `INSERT INTO deployment_logs (deployment_id, source, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, line.OwnerID, line.Source, line.Level, line.Message, line.CreatedAt)
	return wrapPgError(err)
}

// ListDeploymentLogs fetches logs for a deployment in insertion order.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogLine, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, source, level, message, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	return r.listLogs(ctx, query, deploymentID, limit, offset)
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		buildID      sql.NullString
		providerID   sql.NullString
		rollbackFrom sql.NullString
		promotedFrom sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(&d.ID, &d.ProjectID, &buildID, &d.Environment, &d.Provider, &providerID, &d.URL, &d.Region, &d.Status, &d.CanaryPercent, &rollbackFrom, &d.RollbackReason, &promotedFrom, &d.CommitSHA, &d.Branch, &d.CommitAuthor, &d.CommitMessage, &d.TriggeredBy, &d.Error, &d.Metadata, &d.StartedAt, &completedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if buildID.Valid {
		d.BuildID = buildID.String
	}
	if providerID.Valid {
		d.ProviderID = providerID.String
	}
	if rollbackFrom.Valid {
		d.RollbackFrom = rollbackFrom.String
	}
	if promotedFrom.Valid {
		d.PromotedFrom = promotedFrom.String
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

// UpsertProviderAccount stores or replaces a connected provider account.
func (r *Repository) UpsertProviderAccount(ctx context.Context, account *domain.ProviderAccount) error {
	const query = `INSERT INTO provider_accounts (id, team_id, provider, account_ref, credentials, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (team_id, provider) DO UPDATE
		SET account_ref = EXCLUDED.account_ref, credentials = EXCLUDED.credentials`
	_, err := r.pool.Exec(ctx, query,
		account.ID,
		account.TeamID,
		account.Provider,
		account.AccountRef,
		account.Credentials,
		account.CreatedAt,
	)
	return wrapPgError(err)
}

// GetProviderAccount fetches a team's connected account for a provider.
func (r *Repository) GetProviderAccount(ctx context.Context, teamID, provider string) (*domain.ProviderAccount, error) {
	const query = `SELECT id, team_id, provider, account_ref, credentials, created_at
		FROM provider_accounts WHERE team_id = $1 AND provider = $2`
	row := r.pool.QueryRow(ctx, query, teamID, provider)
	var a domain.ProviderAccount
	if err := row.Scan(&a.ID, &a.TeamID, &a.Provider, &a.AccountRef, &a.Credentials, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// DeleteProviderAccount removes a connected account.
func (r *Repository) DeleteProviderAccount(ctx context.Context, accountID string) error {
	const query = `DELETE FROM provider_accounts WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertWebhookSecret stores or rotates a project's webhook secret.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO project_webhooks (project_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return wrapPgError(err)
}

// GetWebhookSecret fetches a project's webhook secret.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM project_webhooks WHERE project_id = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

// RecordWebhookFailure stores a failed webhook for later inspection.
func (r *Repository) RecordWebhookFailure(ctx context.Context, failure domain.WebhookFailure) error {
	const query = `INSERT INTO webhook_failures (provider, project_id, reason, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, failure.Provider, emptyToNil(failure.ProjectID), failure.Reason, failure.CreatedAt)
	return wrapPgError(err)
}

// ListWebhookFailures returns recent failures, optionally filtered by provider.
func (r *Repository) ListWebhookFailures(ctx context.Context, provider string, limit int) ([]domain.WebhookFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, provider, COALESCE(project_id, ''), reason, created_at
		FROM webhook_failures WHERE ($1 = '' OR provider = $1)
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.WebhookFailure
	for rows.Next() {
		var f domain.WebhookFailure
		if err := rows.Scan(&f.ID, &f.Provider, &f.ProjectID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
