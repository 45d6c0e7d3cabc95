package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/repository"
)

// ApplyProviderStatus reconciles a provider-reported status onto the
// deployment it belongs to. The deployment is located by the provider's own
// deployment id; internal ids from external input are never trusted.
func (s *Service) ApplyProviderStatus(ctx context.Context, providerName, providerID, status, url, errMsg string) error {
	deployment, err := s.deployments.GetDeploymentByProviderID(ctx, providerName, providerID)
	if err != nil {
		return err
	}
	if domain.DeploymentTerminal(deployment.Status) {
		// Late or duplicate callback for a settled deployment.
		s.log.Info("ignoring provider status for terminal deployment",
			"deployment_id", deployment.ID, "status", status)
		return nil
	}
	if deployment.Status == status {
		return nil
	}
	if !domain.ValidDeploymentTransition(deployment.Status, status) {
		return domain.StateConflictError("provider status does not fit deployment state")
	}

	return s.setStatus(ctx, deployment.ID, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       status,
		URL:          url,
		Error:        errMsg,
	})
}

// ProviderLogs fetches provider-side logs for a deployment that has
// reached the provider.
func (s *Service) ProviderLogs(ctx context.Context, deploymentID, cursor string) (*provider.LogPage, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.ProviderID == "" {
		return nil, domain.StateConflictError("deployment has not reached the provider")
	}
	adapter, err := s.registry.Resolve(deployment.Provider)
	if err != nil {
		return nil, err
	}
	return adapter.GetDeploymentLogs(ctx, deployment.ProviderID, cursor)
}

// ProviderDeployments lists the provider's own view of a project's
// deployments, for drift inspection against local history.
func (s *Service) ProviderDeployments(ctx context.Context, projectID string, limit int) ([]provider.StatusSnapshot, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Resolve(project.Provider)
	if err != nil {
		return nil, err
	}
	return adapter.ListDeployments(ctx, project.ProviderRef, limit)
}

// RunSweeper periodically fails deployments stuck in deploying past the TTL.
// A provider that never calls back must not leave a deployment in flight
// forever.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.DeployingTTL)
	stale, err := s.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, domain.DeployDeploying, cutoff)
	if err != nil {
		s.log.Error("sweep query failed", "error", err)
		return
	}

	for _, deployment := range stale {
		s.reconcileStale(ctx, deployment)
	}
}

// reconcileStale asks the provider for the truth before declaring a stale
// deployment dead.
func (s *Service) reconcileStale(ctx context.Context, deployment domain.Deployment) {
	if deployment.ProviderID != "" {
		adapter, err := s.registry.Resolve(deployment.Provider)
		if err == nil {
			snapshot, err := adapter.GetDeploymentStatus(ctx, deployment.ProviderID)
			if err == nil && snapshot.Status != deployment.Status {
				if applyErr := s.ApplyProviderStatus(ctx, deployment.Provider, deployment.ProviderID, snapshot.Status, snapshot.URL, snapshot.Error); applyErr != nil && !errors.Is(applyErr, repository.ErrNotFound) {
					s.log.Warn("stale reconcile failed", "deployment_id", deployment.ID, "error", applyErr)
				}
				return
			}
			if err != nil {
				s.log.Warn("stale status poll failed", "deployment_id", deployment.ID, "error", err)
			}
		}
	}

	s.log.Warn("failing stale deployment", "deployment_id", deployment.ID, "updated_at", deployment.UpdatedAt)
	s.finishDeployment(ctx, &deployment, domain.DeployFailed, "deployment stalled; no provider status update")
}
