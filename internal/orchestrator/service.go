// Package orchestrator owns the Deployment entity's lifecycle. It sequences
// the build pipeline, delegates provider-side deployment through the adapter
// registry, reconciles status from polling and webhooks, and implements
// rollback and cross-environment promotion.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackport/stackport/internal/build"
	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/events"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/repository"
)

// Config bounds the orchestrator's waits and sweeps.
type Config struct {
	BuildTimeout time.Duration
	PollEvery    time.Duration
	DeployingTTL time.Duration
	SweepEvery   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 10 * time.Minute
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 5 * time.Second
	}
	if c.DeployingTTL <= 0 {
		c.DeployingTTL = 30 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	return c
}

// BuildRunner is the slice of the build pipeline the orchestrator drives.
type BuildRunner interface {
	Create(ctx context.Context, project *domain.Project, spec build.CreateSpec) (*domain.Build, error)
	Execute(ctx context.Context, buildID string) error
	Cancel(ctx context.Context, buildID string) error
	Subscribe(buildID string) <-chan string
}

// Service orchestrates deployments.
type Service struct {
	deployments repository.DeploymentRepository
	builds      repository.BuildRepository
	projects    repository.ProjectRepository
	registry    *provider.Registry
	pipeline    BuildRunner
	emitter     events.Emitter
	audit       events.AuditSink
	log         *slog.Logger
	cfg         Config

	// locks serializes status updates per deployment so a webhook and a
	// poll can never interleave a transition.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New constructs the orchestrator Service.
func New(
	deployments repository.DeploymentRepository,
	builds repository.BuildRepository,
	projects repository.ProjectRepository,
	registry *provider.Registry,
	pipeline BuildRunner,
	emitter events.Emitter,
	audit events.AuditSink,
	log *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		deployments: deployments,
		builds:      builds,
		projects:    projects,
		registry:    registry,
		pipeline:    pipeline,
		emitter:     emitter,
		audit:       audit,
		log:         log,
		cfg:         cfg.withDefaults(),
		locks:       make(map[string]*sync.Mutex),
	}
}

// DeployRequest describes a requested deployment.
type DeployRequest struct {
	ProjectID     string
	Environment   string
	Branch        string
	CommitSHA     string
	CommitAuthor  string
	CommitMessage string
	CanaryPercent int
	Trigger       string
	TriggeredBy   string
}

// Deploy creates a Deployment and starts the build/deploy sequence in the
// background. The returned Deployment is pending; callers treat this as an
// accepted request, not a finished one.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.DeployLocked {
		return nil, domain.DeployLockedError(project.LockReason)
	}
	if _, err := s.registry.Resolve(project.Provider); err != nil {
		return nil, err
	}

	environment := req.Environment
	if environment == "" {
		environment = "production"
	}
	branch := req.Branch
	if branch == "" {
		branch = project.Branch
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	deploymentID := uuid.NewString()
	buildRecord, err := s.pipeline.Create(ctx, project, build.CreateSpec{
		Branch:       branch,
		CommitSHA:    req.CommitSHA,
		Trigger:      trigger,
		DeploymentID: deploymentID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:            deploymentID,
		ProjectID:     project.ID,
		BuildID:       buildRecord.ID,
		Environment:   environment,
		Provider:      project.Provider,
		Status:        domain.DeployPending,
		CanaryPercent: req.CanaryPercent,
		CommitSHA:     req.CommitSHA,
		Branch:        branch,
		CommitAuthor:  req.CommitAuthor,
		CommitMessage: req.CommitMessage,
		TriggeredBy:   req.TriggeredBy,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	s.recordStart(ctx, project, deployment, req.TriggeredBy, map[string]string{
		"environment": environment,
		"branch":      branch,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDeployment(context.Background(), deployment, project, buildRecord.ID)
	}()

	return deployment, nil
}

// Rollback creates a new Deployment replaying a prior deployment's inputs.
// The prior deployment row is never mutated.
func (s *Service) Rollback(ctx context.Context, targetDeploymentID, reason, actorID string) (*domain.Deployment, error) {
	target, err := s.deployments.GetDeploymentByID(ctx, targetDeploymentID)
	if err != nil {
		return nil, err
	}
	if live, err := s.deployments.GetCurrentDeployment(ctx, target.ProjectID, target.Environment); err == nil && live.ID == target.ID {
		return nil, domain.StateConflictError("deployment is already live")
	}
	project, err := s.projects.GetProjectByID(ctx, target.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.DeployLocked {
		return nil, domain.DeployLockedError(project.LockReason)
	}

	deploymentID := uuid.NewString()
	buildRecord, err := s.pipeline.Create(ctx, project, build.CreateSpec{
		Branch:       target.Branch,
		CommitSHA:    target.CommitSHA,
		Trigger:      "rollback",
		DeploymentID: deploymentID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:             deploymentID,
		ProjectID:      target.ProjectID,
		BuildID:        buildRecord.ID,
		Environment:    target.Environment,
		Provider:       target.Provider,
		Status:         domain.DeployPending,
		RollbackFrom:   target.ID,
		RollbackReason: reason,
		CommitSHA:      target.CommitSHA,
		Branch:         target.Branch,
		CommitAuthor:   target.CommitAuthor,
		CommitMessage:  target.CommitMessage,
		TriggeredBy:    actorID,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create rollback deployment: %w", err)
	}

	s.recordStart(ctx, project, deployment, actorID, map[string]string{
		"rollback_from": target.ID,
		"reason":        reason,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDeployment(context.Background(), deployment, project, buildRecord.ID)
	}()

	return deployment, nil
}

// Promote creates a new Deployment in a different environment reusing the
// source deployment's build artifacts. The source must be running.
func (s *Service) Promote(ctx context.Context, sourceDeploymentID, targetEnvironment, actorID string) (*domain.Deployment, error) {
	source, err := s.deployments.GetDeploymentByID(ctx, sourceDeploymentID)
	if err != nil {
		return nil, err
	}
	if source.Status != domain.DeployRunning {
		return nil, domain.StateConflictError(fmt.Sprintf("cannot promote a %s deployment", source.Status))
	}
	if targetEnvironment == "" || targetEnvironment == source.Environment {
		return nil, domain.ValidationError("promotion requires a different target environment", nil)
	}
	project, err := s.projects.GetProjectByID(ctx, source.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.DeployLocked {
		return nil, domain.DeployLockedError(project.LockReason)
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     source.ProjectID,
		BuildID:       source.BuildID,
		Environment:   targetEnvironment,
		Provider:      source.Provider,
		Status:        domain.DeployPending,
		PromotedFrom:  source.ID,
		CommitSHA:     source.CommitSHA,
		Branch:        source.Branch,
		CommitAuthor:  source.CommitAuthor,
		CommitMessage: source.CommitMessage,
		TriggeredBy:   actorID,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create promotion deployment: %w", err)
	}

	s.recordStart(ctx, project, deployment, actorID, map[string]string{
		"promoted_from": source.ID,
		"environment":   targetEnvironment,
	})

	// There is nothing to rebuild; the sequence skips straight to the
	// provider once past the building state.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bg := context.Background()
		if err := s.setStatus(bg, deployment.ID, domain.DeploymentStatusUpdate{
			DeploymentID: deployment.ID,
			Status:       domain.DeployBuilding,
		}); err != nil {
			s.log.Error("deployment transition failed", "deployment_id", deployment.ID, "error", err)
			return
		}
		s.deployToProvider(bg, deployment, project, source.BuildID)
	}()

	return deployment, nil
}

// Cancel stops an in-flight deployment and its build. Cancelling a terminal
// deployment is a state conflict, never a duplicate transition.
func (s *Service) Cancel(ctx context.Context, deploymentID, actorID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if domain.DeploymentTerminal(deployment.Status) {
		return domain.StateConflictError(fmt.Sprintf("deployment is already %s", deployment.Status))
	}

	if deployment.BuildID != "" {
		if err := s.pipeline.Cancel(ctx, deployment.BuildID); err != nil && !domain.IsStateConflict(err) {
			s.log.Warn("cancel build failed", "build_id", deployment.BuildID, "error", err)
		}
	}

	if deployment.Status == domain.DeployDeploying && deployment.ProviderID != "" {
		if adapter, err := s.registry.Resolve(deployment.Provider); err == nil {
			if _, cancelErr := adapter.CancelDeployment(ctx, deployment.ProviderID); cancelErr != nil {
				s.log.Warn("provider cancel failed", "deployment_id", deploymentID, "error", cancelErr)
			}
		}
	}

	if err := s.setStatus(ctx, deploymentID, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.DeployCancelled,
	}); err != nil {
		return err
	}

	s.audit.Record(ctx, domain.AuditFact{
		Action:     "DEPLOYMENT_CANCELED",
		ActorID:    actorID,
		ProjectID:  deployment.ProjectID,
		EntityID:   deploymentID,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// runDeployment drives one deployment from pending to a terminal or
// provider-owned state. A failure never touches the previously live
// deployment.
func (s *Service) runDeployment(ctx context.Context, deployment *domain.Deployment, project *domain.Project, buildID string) {
	if err := s.setStatus(ctx, deployment.ID, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeployBuilding,
	}); err != nil {
		s.log.Error("deployment transition failed", "deployment_id", deployment.ID, "error", err)
		return
	}

	done := s.pipeline.Subscribe(buildID)
	go func() {
		if err := s.pipeline.Execute(ctx, buildID); err != nil {
			s.log.Warn("build pipeline finished with error", "build_id", buildID, "error", err)
		}
	}()

	buildStatus, err := s.waitForBuild(ctx, buildID, done)
	if err != nil {
		s.finishDeployment(ctx, deployment, domain.DeployFailed, err.Error())
		if cancelErr := s.pipeline.Cancel(ctx, buildID); cancelErr != nil && !domain.IsStateConflict(cancelErr) {
			s.log.Warn("cancel timed-out build failed", "build_id", buildID, "error", cancelErr)
		}
		return
	}

	switch buildStatus {
	case domain.BuildSuccess:
	case domain.BuildCancelled:
		s.finishDeployment(ctx, deployment, domain.DeployCancelled, "")
		return
	default:
		s.finishDeployment(ctx, deployment, domain.DeployFailed, "build failed")
		return
	}

	s.deployToProvider(ctx, deployment, project, buildID)
}

// deployToProvider runs the provider half of the sequence, starting from a
// successfully built artifact.
func (s *Service) deployToProvider(ctx context.Context, deployment *domain.Deployment, project *domain.Project, buildID string) {
	if err := s.setStatus(ctx, deployment.ID, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeployDeploying,
	}); err != nil {
		s.log.Error("deployment transition failed", "deployment_id", deployment.ID, "error", err)
		return
	}

	adapter, err := s.registry.Resolve(project.Provider)
	if err != nil {
		s.finishDeployment(ctx, deployment, domain.DeployFailed, err.Error())
		return
	}

	envVars, err := s.projects.ListProjectEnvVars(ctx, project.ID)
	if err != nil {
		s.finishDeployment(ctx, deployment, domain.DeployFailed, err.Error())
		return
	}

	artifactPath := ""
	if buildID != "" {
		artifacts, err := s.builds.ListArtifacts(ctx, buildID)
		if err != nil {
			s.finishDeployment(ctx, deployment, domain.DeployFailed, err.Error())
			return
		}
		for _, artifact := range artifacts {
			if artifact.Kind == domain.ArtifactBundle {
				artifactPath = artifact.Path
			}
		}
	}

	result, err := adapter.CreateDeployment(ctx, provider.DeploymentRequest{
		ProjectRef:   project.ProviderRef,
		ProjectName:  project.Name,
		Environment:  deployment.Environment,
		Branch:       deployment.Branch,
		CommitSHA:    deployment.CommitSHA,
		ArtifactPath: artifactPath,
		EnvVars:      domain.EnvMap(envVars),
	})
	if err != nil {
		s.finishDeployment(ctx, deployment, domain.DeployFailed, err.Error())
		return
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeployDeploying,
		ProviderID:   result.ProviderID,
		URL:          result.URL,
		Region:       result.Region,
	}
	// Most providers report running later via webhook; some are done on
	// the spot.
	if result.Status == domain.DeployRunning {
		update.Status = domain.DeployRunning
	}
	if err := s.setStatus(ctx, deployment.ID, update); err != nil {
		s.log.Error("record provider deployment failed", "deployment_id", deployment.ID, "error", err)
		return
	}
	s.appendLog(ctx, deployment.ID, "info",
		fmt.Sprintf("provider %s accepted deployment %s", project.Provider, result.ProviderID))
}

// appendLog persists one line into the deployment's own log stream. A lost
// line never fails the deployment.
func (s *Service) appendLog(ctx context.Context, deploymentID, level, message string) {
	line := domain.LogLine{
		OwnerID:   deploymentID,
		Source:    "orchestrator",
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deployments.AppendDeploymentLog(ctx, line); err != nil {
		s.log.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
	}
}

// waitForBuild blocks until the build reaches a terminal status, polling as
// a safety net alongside the completion notification, bounded by the build
// timeout.
func (s *Service) waitForBuild(ctx context.Context, buildID string, done <-chan string) (string, error) {
	timeout := time.NewTimer(s.cfg.BuildTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(s.cfg.PollEvery)
	defer poll.Stop()

	for {
		select {
		case status := <-done:
			return status, nil
		case <-poll.C:
			buildRecord, err := s.builds.GetBuildByID(ctx, buildID)
			if err != nil {
				return "", err
			}
			if domain.BuildTerminal(buildRecord.Status) {
				return buildRecord.Status, nil
			}
		case <-timeout.C:
			return "", domain.BuildTimeoutError(buildID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Service) finishDeployment(ctx context.Context, deployment *domain.Deployment, status, message string) {
	if err := s.setStatus(ctx, deployment.ID, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       status,
		Error:        message,
	}); err != nil {
		s.log.Error("deployment transition failed", "deployment_id", deployment.ID, "status", status, "error", err)
	}
}

// setStatus validates and applies a status transition under the
// deployment's lock, then emits domain events for terminal outcomes.
func (s *Service) setStatus(ctx context.Context, deploymentID string, update domain.DeploymentStatusUpdate) error {
	lock := s.lockFor(deploymentID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if current.Status != update.Status && !domain.ValidDeploymentTransition(current.Status, update.Status) {
		return domain.StateConflictError(fmt.Sprintf("invalid deployment transition %s -> %s", current.Status, update.Status))
	}

	if domain.DeploymentTerminal(update.Status) && update.CompletedAt == nil {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}

	if current.Status != update.Status {
		s.log.Info("deployment status",
			"deployment_id", deploymentID,
			"from", current.Status,
			"to", update.Status,
		)
		s.appendLog(ctx, deploymentID, "info", fmt.Sprintf("status %s -> %s", current.Status, update.Status))
	}
	if update.Error != "" {
		s.appendLog(ctx, deploymentID, "error", update.Error)
	}

	if domain.DeploymentTerminal(update.Status) && !domain.DeploymentTerminal(current.Status) {
		s.emitOutcome(ctx, current, update)
	}
	return nil
}

func (s *Service) emitOutcome(ctx context.Context, before *domain.Deployment, update domain.DeploymentStatusUpdate) {
	eventType := ""
	switch update.Status {
	case domain.DeployRunning:
		eventType = domain.EventDeploymentSuccess
	case domain.DeployFailed:
		eventType = domain.EventDeploymentFailed
	case domain.DeployCancelled:
		eventType = domain.EventDeploymentCancelled
	}
	if eventType == "" {
		return
	}

	snapshot := *before
	snapshot.Status = update.Status
	if update.URL != "" {
		snapshot.URL = update.URL
	}
	if update.ProviderID != "" {
		snapshot.ProviderID = update.ProviderID
	}

	s.emitter.Emit(ctx, domain.Event{
		Type:        eventType,
		Deployment:  snapshot,
		Environment: snapshot.Environment,
		URL:         snapshot.URL,
		Error:       update.Error,
		OccurredAt:  time.Now().UTC(),
	})
}

func (s *Service) recordStart(ctx context.Context, project *domain.Project, deployment *domain.Deployment, actorID string, detail map[string]string) {
	s.audit.Record(ctx, domain.AuditFact{
		Action:     "DEPLOYMENT_STARTED_" + strings.ToUpper(project.Provider),
		ActorID:    actorID,
		ProjectID:  project.ID,
		EntityID:   deployment.ID,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *Service) lockFor(deploymentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[deploymentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[deploymentID] = lock
	}
	return lock
}

// Wait blocks until all background deployment goroutines finish. Used by
// graceful shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}
