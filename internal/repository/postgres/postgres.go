package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/repository"
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
	_ repository.ProjectRepository         = (*Repository)(nil)
	_ repository.BuildRepository           = (*Repository)(nil)
	_ repository.DeploymentRepository      = (*Repository)(nil)
	_ repository.ProviderAccountRepository = (*Repository)(nil)
	_ repository.WebhookRepository         = (*Repository)(nil)
)

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, team_id, name, repo_url, repo_token, branch, framework, build_command, output_dir, provider, provider_ref, archive_source, deploy_locked, lock_reason, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.TeamID, &p.Name, &p.RepoURL, &p.RepoToken, &p.Branch, &p.Framework, &p.BuildCommand, &p.OutputDir, &p.Provider, &p.ProviderRef, &p.ArchiveSource, &p.DeployLocked, &p.LockReason, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectEnvVars returns environment variables for a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.ProjectEnvVar, 0)
	for rows.Next() {
		var env domain.ProjectEnvVar
		if err := rows.Scan(&env.ProjectID, &env.Key, &env.Value, &env.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, env)
	}
	return vars, rows.Err()
}

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	const query = `INSERT INTO builds (id, project_id, deployment_id, status, branch, commit_sha, trigger_source, cache_key, retry_of, error, metadata, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		build.ID,
		build.ProjectID,
		emptyToNil(build.DeploymentID),
		build.Status,
		build.Branch,
		build.CommitSHA,
		build.Trigger,
		emptyToNil(build.CacheKey),
		emptyToNil(build.RetryOf),
		build.Error,
		build.Metadata,
		build.StartedAt,
		build.CompletedAt,
		build.UpdatedAt,
	)
	return wrapPgError(err)
}

// GetBuildByID fetches a build by identifier.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT id, project_id, deployment_id, status, branch, commit_sha, trigger_source, cache_key, retry_of, error, metadata, started_at, completed_at, updated_at
		FROM builds WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, buildID)
	return scanBuild(row)
}

// UpdateBuildStatus updates a build's status, error and completion time.
func (r *Repository) UpdateBuildStatus(ctx context.Context, buildID, status, errMsg string, completedAt *time.Time) error {
	const query = `UPDATE builds
		SET status = $2,
			error = COALESCE($3, error),
			completed_at = $4,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, buildID, status, emptyToNil(errMsg), completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetBuildCacheKey records the computed cache key for a build.
func (r *Repository) SetBuildCacheKey(ctx context.Context, buildID, cacheKey string) error {
	const query = `UPDATE builds SET cache_key = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, buildID, cacheKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListBuildsByProject fetches recent builds for a project.
func (r *Repository) ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, deployment_id, status, branch, commit_sha, trigger_source, cache_key, retry_of, error, metadata, started_at, completed_at, updated_at
		FROM builds WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*domain.Build, error) {
	var (
		b            domain.Build
		deploymentID sql.NullString
		cacheKey     sql.NullString
		retryOf      sql.NullString
		completedAt  sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &deploymentID, &b.Status, &b.Branch, &b.CommitSHA, &b.Trigger, &cacheKey, &retryOf, &b.Error, &b.Metadata, &b.StartedAt, &completedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if deploymentID.Valid {
		b.DeploymentID = deploymentID.String
	}
	if cacheKey.Valid {
		b.CacheKey = cacheKey.String
	}
	if retryOf.Valid {
		b.RetryOf = retryOf.String
	}
	if completedAt.Valid {
		value := completedAt.Time
		b.CompletedAt = &value
	}
	return &b, nil
}

// AddArtifact records a produced artifact.
func (r *Repository) AddArtifact(ctx context.Context, artifact *domain.Artifact) error {
	const query = `INSERT INTO build_artifacts (id, build_id, kind, path, size_bytes, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		artifact.ID,
		artifact.BuildID,
		artifact.Kind,
		artifact.Path,
		artifact.SizeBytes,
		artifact.SHA256,
		artifact.CreatedAt,
	)
	return wrapPgError(err)
}

// ListArtifacts returns artifacts for a build.
func (r *Repository) ListArtifacts(ctx context.Context, buildID string) ([]domain.Artifact, error) {
	const query = `SELECT id, build_id, kind, path, size_bytes, sha256, created_at
		FROM build_artifacts WHERE build_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.BuildID, &a.Kind, &a.Path, &a.SizeBytes, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// AppendBuildLog persists a build log line.
func (r *Repository) AppendBuildLog(ctx context.Context, line domain.LogLine) error {
	const query = `INSERT INTO build_logs (build_id, source, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, line.OwnerID, line.Source, line.Level, line.Message, line.CreatedAt)
	return wrapPgError(err)
}

// ListBuildLogs fetches logs for a build in insertion order.
func (r *Repository) ListBuildLogs(ctx context.Context, buildID string, limit, offset int) ([]domain.LogLine, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, build_id, source, level, message, created_at
		FROM build_logs WHERE build_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	return r.listLogs(ctx, query, buildID, limit, offset)
}

func (r *Repository) listLogs(ctx context.Context, query, ownerID string, limit, offset int) ([]domain.LogLine, error) {
	rows, err := r.pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Source, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func wrapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02", "23505":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
