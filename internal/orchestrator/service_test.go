package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stackport/stackport/internal/build"
	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/repository"
)

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	logs        []domain.LogLine
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *d
	f.deployments[d.ID] = &clone
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (f *fakeDeploymentRepo) GetDeploymentByProviderID(_ context.Context, providerName, providerID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deployments {
		if d.Provider == providerName && d.ProviderID == providerID {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) GetCurrentDeployment(_ context.Context, projectID, environment string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *domain.Deployment
	for _, d := range f.deployments {
		if d.ProjectID == projectID && d.Environment == environment && d.Status == domain.DeployRunning {
			if newest == nil || d.StartedAt.After(newest.StartedAt) {
				newest = d
			}
		}
	}
	if newest == nil {
		return nil, repository.ErrNotFound
	}
	clone := *newest
	return &clone, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = update.Status
	if update.ProviderID != "" {
		d.ProviderID = update.ProviderID
	}
	if update.URL != "" {
		d.URL = update.URL
	}
	if update.Region != "" {
		d.Region = update.Region
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	if update.CompletedAt != nil {
		d.CompletedAt = update.CompletedAt
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(_ context.Context, status string, before time.Time) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.Status == status && d.UpdatedAt.Before(before) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) AppendDeploymentLog(_ context.Context, line domain.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, line)
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LogLine
	for _, l := range f.logs {
		if l.OwnerID == deploymentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) logLines(deploymentID string) []domain.LogLine {
	out, _ := f.ListDeploymentLogs(context.Background(), deploymentID, 0, 0)
	return out
}

type fakeBuildRepo struct {
	mu        sync.Mutex
	builds    map[string]*domain.Build
	artifacts map[string][]domain.Artifact
}

func newFakeBuildRepo() *fakeBuildRepo {
	return &fakeBuildRepo{builds: make(map[string]*domain.Build), artifacts: make(map[string][]domain.Artifact)}
}

func (f *fakeBuildRepo) CreateBuild(_ context.Context, b *domain.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *b
	f.builds[b.ID] = &clone
	return nil
}

func (f *fakeBuildRepo) GetBuildByID(_ context.Context, id string) (*domain.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (f *fakeBuildRepo) UpdateBuildStatus(_ context.Context, id, status, errMsg string, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = status
	if errMsg != "" {
		b.Error = errMsg
	}
	b.CompletedAt = completedAt
	return nil
}

func (f *fakeBuildRepo) SetBuildCacheKey(_ context.Context, id, key string) error { return nil }

func (f *fakeBuildRepo) ListBuildsByProject(_ context.Context, projectID string, limit int) ([]domain.Build, error) {
	return nil, nil
}

func (f *fakeBuildRepo) AddArtifact(_ context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[a.BuildID] = append(f.artifacts[a.BuildID], *a)
	return nil
}

func (f *fakeBuildRepo) ListArtifacts(_ context.Context, buildID string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Artifact(nil), f.artifacts[buildID]...), nil
}

func (f *fakeBuildRepo) AppendBuildLog(_ context.Context, line domain.LogLine) error { return nil }

func (f *fakeBuildRepo) ListBuildLogs(_ context.Context, buildID string, limit, offset int) ([]domain.LogLine, error) {
	return nil, nil
}

type fakeProjectRepo struct {
	projects map[string]*domain.Project
}

func (f *fakeProjectRepo) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (f *fakeProjectRepo) ListProjectEnvVars(_ context.Context, id string) ([]domain.ProjectEnvVar, error) {
	return nil, nil
}

// fakePipeline resolves builds according to a scripted outcome.
type fakePipeline struct {
	builds  *fakeBuildRepo
	outcome string

	mu        sync.Mutex
	watchers  map[string][]chan string
	stops     map[string]chan struct{}
	executed  []string
	cancelled []string
}

func newFakePipeline(builds *fakeBuildRepo, outcome string) *fakePipeline {
	return &fakePipeline{
		builds:   builds,
		outcome:  outcome,
		watchers: make(map[string][]chan string),
		stops:    make(map[string]chan struct{}),
	}
}

func (f *fakePipeline) Create(ctx context.Context, project *domain.Project, spec build.CreateSpec) (*domain.Build, error) {
	now := time.Now().UTC()
	b := &domain.Build{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		DeploymentID: spec.DeploymentID,
		Status:       domain.BuildPending,
		Branch:       spec.Branch,
		CommitSHA:    spec.CommitSHA,
		Trigger:      spec.Trigger,
		RetryOf:      spec.RetryOf,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.builds.CreateBuild(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fakePipeline) Execute(ctx context.Context, buildID string) error {
	f.mu.Lock()
	f.executed = append(f.executed, buildID)
	stop, ok := f.stops[buildID]
	if !ok {
		stop = make(chan struct{})
		f.stops[buildID] = stop
	}
	f.mu.Unlock()

	if f.outcome == "hang" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return context.Canceled
		}
	}

	now := time.Now().UTC()
	f.builds.UpdateBuildStatus(ctx, buildID, f.outcome, "", &now)
	if f.outcome == domain.BuildSuccess {
		f.builds.AddArtifact(ctx, &domain.Artifact{
			ID: uuid.NewString(), BuildID: buildID, Kind: domain.ArtifactBundle,
			Path: "/tmp/bundle.tar.gz", SHA256: "deadbeef", CreatedAt: now,
		})
	}
	f.notify(buildID, f.outcome)
	return nil
}

func (f *fakePipeline) Cancel(ctx context.Context, buildID string) error {
	b, err := f.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if domain.BuildTerminal(b.Status) {
		return domain.StateConflictError("build is already " + b.Status)
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, buildID)
	if stop, ok := f.stops[buildID]; ok {
		close(stop)
		delete(f.stops, buildID)
	}
	f.mu.Unlock()
	now := time.Now().UTC()
	f.builds.UpdateBuildStatus(ctx, buildID, domain.BuildCancelled, "cancelled", &now)
	f.notify(buildID, domain.BuildCancelled)
	return nil
}

func (f *fakePipeline) Subscribe(buildID string) <-chan string {
	ch := make(chan string, 1)
	f.mu.Lock()
	f.watchers[buildID] = append(f.watchers[buildID], ch)
	f.mu.Unlock()
	return ch
}

func (f *fakePipeline) notify(buildID, status string) {
	f.mu.Lock()
	watchers := f.watchers[buildID]
	delete(f.watchers, buildID)
	f.mu.Unlock()
	for _, ch := range watchers {
		ch <- status
	}
}

// fakeAdapter records calls and returns a scripted result.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	creates int
	cancels int
	result  *provider.DeploymentResult
	err     error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CreateDeployment(ctx context.Context, req provider.DeploymentRequest) (*provider.DeploymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &provider.DeploymentResult{
		ProviderID: "prov-1",
		URL:        "https://myapp.example.app",
		Status:     domain.DeployRunning,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (f *fakeAdapter) GetDeploymentStatus(ctx context.Context, providerID string) (*provider.StatusSnapshot, error) {
	return &provider.StatusSnapshot{ProviderID: providerID, Status: domain.DeployRunning}, nil
}

func (f *fakeAdapter) GetDeploymentLogs(ctx context.Context, providerID, cursor string) (*provider.LogPage, error) {
	return &provider.LogPage{}, nil
}

func (f *fakeAdapter) ListDeployments(ctx context.Context, projectRef string, limit int) ([]provider.StatusSnapshot, error) {
	return nil, nil
}

func (f *fakeAdapter) CancelDeployment(ctx context.Context, providerID string) (*provider.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return &provider.CancelResult{ProviderID: providerID, Status: domain.DeployCancelled}, nil
}

func (f *fakeAdapter) ValidateWebhook(header string, body []byte) (*provider.WebhookValidationResult, error) {
	return &provider.WebhookValidationResult{Valid: true}, nil
}

func (f *fakeAdapter) ConnectAccount(ctx context.Context, creds provider.Credentials) (*provider.AccountInfo, error) {
	return &provider.AccountInfo{AccountRef: "acct-1"}, nil
}

func (f *fakeAdapter) DisconnectAccount(ctx context.Context, accountRef string) error { return nil }

func (f *fakeAdapter) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type recordedEvents struct {
	mu     sync.Mutex
	events []domain.Event
	facts  []domain.AuditFact
}

func (r *recordedEvents) Emit(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) Record(_ context.Context, fact domain.AuditFact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, fact)
}

func (r *recordedEvents) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc         *Service
	deployments *fakeDeploymentRepo
	builds      *fakeBuildRepo
	pipeline    *fakePipeline
	adapter     *fakeAdapter
	recorded    *recordedEvents
}

type fixtureOption func(*fixture)

func withBuildOutcome(outcome string) fixtureOption {
	return func(f *fixture) { f.pipeline.outcome = outcome }
}

func withAdapterResult(result *provider.DeploymentResult) fixtureOption {
	return func(f *fixture) { f.adapter.result = result }
}

func withBuildTimeout(timeout time.Duration) fixtureOption {
	return func(f *fixture) { f.svc.cfg.BuildTimeout = timeout }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	deployments := newFakeDeploymentRepo()
	builds := newFakeBuildRepo()
	projects := &fakeProjectRepo{projects: map[string]*domain.Project{
		"proj-1": {
			ID:       "proj-1",
			TeamID:   "team-1",
			Name:     "myapp",
			RepoURL:  "https://example.com/myapp.git",
			Branch:   "main",
			Provider: "vercel",
		},
		"proj-locked": {
			ID:           "proj-locked",
			TeamID:       "team-1",
			Name:         "frozen",
			RepoURL:      "https://example.com/frozen.git",
			Branch:       "main",
			Provider:     "vercel",
			DeployLocked: true,
			LockReason:   "incident in progress",
		},
	}}

	adapter := &fakeAdapter{name: "vercel"}
	registry := provider.NewRegistry()
	registry.Register(adapter)

	pipeline := newFakePipeline(builds, domain.BuildSuccess)
	recorded := &recordedEvents{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(deployments, builds, projects, registry, pipeline, recorded, recorded, log, Config{
		BuildTimeout: 2 * time.Second,
		PollEvery:    10 * time.Millisecond,
	})

	f := &fixture{svc: svc, deployments: deployments, builds: builds, pipeline: pipeline, adapter: adapter, recorded: recorded}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func waitForStatus(t *testing.T, repo *fakeDeploymentRepo, deploymentID, want string) *domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		d, err := repo.GetDeploymentByID(context.Background(), deploymentID)
		if err == nil && d.Status == want {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	d, _ := repo.GetDeploymentByID(context.Background(), deploymentID)
	t.Fatalf("deployment never reached %q, stuck at %q (error %q)", want, d.Status, d.Error)
	return nil
}

func TestDeployPassingBuildEndsRunning(t *testing.T) {
	f := newFixture(t)

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectID:   "proj-1",
		Branch:      "main",
		TriggeredBy: "user-1",
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if deployment.Status != domain.DeployPending {
		t.Fatalf("initial status = %q, want pending (accepted, not finished)", deployment.Status)
	}
	if deployment.BuildID == "" {
		t.Fatal("deployment must reference its build")
	}

	final := waitForStatus(t, f.deployments, deployment.ID, domain.DeployRunning)
	if final.URL == "" {
		t.Fatal("running deployment must carry a provider URL")
	}
	if final.ProviderID == "" {
		t.Fatal("running deployment must carry the provider's id")
	}

	f.svc.Wait()
	types := f.recorded.eventTypes()
	if len(types) != 1 || types[0] != domain.EventDeploymentSuccess {
		t.Fatalf("events = %v, want one deployment.success", types)
	}
}

func TestDeployFailingBuildNeverCallsProvider(t *testing.T) {
	f := newFixture(t, withBuildOutcome(domain.BuildFailed))

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	waitForStatus(t, f.deployments, deployment.ID, domain.DeployFailed)
	f.svc.Wait()

	if f.adapter.createCount() != 0 {
		t.Fatal("provider adapter must not be called for a failed build")
	}

	buildRecord, _ := f.builds.GetBuildByID(context.Background(), deployment.BuildID)
	if buildRecord.Status != domain.BuildFailed {
		t.Fatalf("build status = %q, want failed", buildRecord.Status)
	}
}

func TestDeployLockedProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-locked"})
	if err == nil {
		t.Fatal("expected deploy lock rejection")
	}
	if !domain.HasCode(err, domain.CodeDeployLocked) {
		t.Fatalf("expected deploy_locked, got %v", err)
	}
}

func TestBuildTimeoutFailsDeploymentAndCancelsBuild(t *testing.T) {
	f := newFixture(t, withBuildOutcome("hang"), withBuildTimeout(50*time.Millisecond))

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	final := waitForStatus(t, f.deployments, deployment.ID, domain.DeployFailed)
	f.svc.Wait()

	if !strings.Contains(final.Error, "did not finish in time") {
		t.Fatalf("error = %q, want build timeout message", final.Error)
	}

	f.pipeline.mu.Lock()
	cancelled := len(f.pipeline.cancelled)
	f.pipeline.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("timed-out build cancelled %d times, want 1", cancelled)
	}
}

func TestCancelWhileBuilding(t *testing.T) {
	f := newFixture(t, withBuildOutcome("hang"))

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	waitForStatus(t, f.deployments, deployment.ID, domain.DeployBuilding)

	if err := f.svc.Cancel(context.Background(), deployment.ID, "user-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitForStatus(t, f.deployments, deployment.ID, domain.DeployCancelled)
	f.svc.Wait()

	buildRecord, _ := f.builds.GetBuildByID(context.Background(), deployment.BuildID)
	if buildRecord.Status != domain.BuildCancelled {
		t.Fatalf("build status = %q, want cancelled", buildRecord.Status)
	}

	// Second cancel is a conflict, not a duplicate transition.
	err = f.svc.Cancel(context.Background(), deployment.ID, "user-1")
	if !domain.IsStateConflict(err) {
		t.Fatalf("second cancel: expected state_conflict, got %v", err)
	}
}

func TestRollbackCreatesNewDeployment(t *testing.T) {
	f := newFixture(t)

	// d1: an old running deployment to roll back to.
	d1 := &domain.Deployment{
		ID: "d1", ProjectID: "proj-1", Environment: "production", Provider: "vercel",
		Status: domain.DeployRunning, Branch: "main", CommitSHA: "old-sha",
		StartedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	f.deployments.CreateDeployment(context.Background(), d1)

	// d3: the currently live deployment.
	d3 := &domain.Deployment{
		ID: "d3", ProjectID: "proj-1", Environment: "production", Provider: "vercel",
		Status: domain.DeployRunning, Branch: "main", CommitSHA: "new-sha",
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), d3)

	d4, err := f.svc.Rollback(context.Background(), "d1", "regression in new-sha", "user-1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if d4.RollbackFrom != "d1" {
		t.Fatalf("RollbackFrom = %q, want d1", d4.RollbackFrom)
	}
	if d4.CommitSHA != "old-sha" || d4.Branch != "main" {
		t.Fatal("rollback must replay the target deployment's inputs")
	}

	waitForStatus(t, f.deployments, d4.ID, domain.DeployRunning)
	f.svc.Wait()

	// d3 is untouched by the rollback itself.
	got, _ := f.deployments.GetDeploymentByID(context.Background(), "d3")
	if got.Status != domain.DeployRunning {
		t.Fatalf("d3 status = %q, must remain running", got.Status)
	}
	if got.CommitSHA != "new-sha" {
		t.Fatal("d3 must not be mutated by rollback")
	}
}

func TestDeployWritesDeploymentLog(t *testing.T) {
	f := newFixture(t)

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-1", Branch: "main"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	waitForStatus(t, f.deployments, deployment.ID, domain.DeployRunning)
	f.svc.Wait()

	lines := f.deployments.logLines(deployment.ID)
	if len(lines) == 0 {
		t.Fatal("deployment log must record the lifecycle")
	}
	sawTransition, sawProvider := false, false
	for _, l := range lines {
		if strings.Contains(l.Message, "pending -> building") {
			sawTransition = true
		}
		if strings.Contains(l.Message, "provider vercel accepted") {
			sawProvider = true
		}
	}
	if !sawTransition {
		t.Fatal("deployment log missing the pending -> building transition")
	}
	if !sawProvider {
		t.Fatal("deployment log missing the provider acceptance line")
	}
}

func TestFailedDeployLogsProviderError(t *testing.T) {
	f := newFixture(t)
	f.adapter.err = domain.ConfigurationError("provider rejected credentials", nil)

	deployment, err := f.svc.Deploy(context.Background(), DeployRequest{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	waitForStatus(t, f.deployments, deployment.ID, domain.DeployFailed)
	f.svc.Wait()

	sawError := false
	for _, l := range f.deployments.logLines(deployment.ID) {
		if l.Level == "error" && strings.Contains(l.Message, "provider rejected credentials") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("deployment log must carry the provider failure")
	}
}

func TestRollbackToLiveDeploymentRejected(t *testing.T) {
	f := newFixture(t)

	live := &domain.Deployment{
		ID: "d1", ProjectID: "proj-1", Environment: "production", Provider: "vercel",
		Status: domain.DeployRunning, Branch: "main", CommitSHA: "sha-1",
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), live)

	_, err := f.svc.Rollback(context.Background(), "d1", "oops", "user-1")
	if !domain.IsStateConflict(err) {
		t.Fatalf("rolling back to the live deployment: expected state_conflict, got %v", err)
	}
}

func TestPromoteRequiresRunningSource(t *testing.T) {
	f := newFixture(t)

	source := &domain.Deployment{
		ID: "src", ProjectID: "proj-1", Environment: "staging", Provider: "vercel",
		Status: domain.DeployFailed, StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), source)

	_, err := f.svc.Promote(context.Background(), "src", "production", "user-1")
	if !domain.IsStateConflict(err) {
		t.Fatalf("expected state_conflict for non-running source, got %v", err)
	}
}

func TestPromoteReusesBuildAndSkipsPipeline(t *testing.T) {
	f := newFixture(t)

	f.builds.CreateBuild(context.Background(), &domain.Build{
		ID: "build-src", ProjectID: "proj-1", Status: domain.BuildSuccess,
	})
	f.builds.AddArtifact(context.Background(), &domain.Artifact{
		ID: "a1", BuildID: "build-src", Kind: domain.ArtifactBundle, Path: "/tmp/b.tar.gz", SHA256: "cafe",
	})
	source := &domain.Deployment{
		ID: "src", ProjectID: "proj-1", BuildID: "build-src", Environment: "staging",
		Provider: "vercel", Status: domain.DeployRunning, CommitSHA: "sha-1",
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), source)

	promoted, err := f.svc.Promote(context.Background(), "src", "production", "user-1")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.PromotedFrom != "src" {
		t.Fatalf("PromotedFrom = %q, want src", promoted.PromotedFrom)
	}
	if promoted.BuildID != "build-src" {
		t.Fatal("promotion must reuse the source build")
	}
	if promoted.Environment != "production" {
		t.Fatalf("Environment = %q, want production", promoted.Environment)
	}

	waitForStatus(t, f.deployments, promoted.ID, domain.DeployRunning)
	f.svc.Wait()

	f.pipeline.mu.Lock()
	executed := len(f.pipeline.executed)
	f.pipeline.mu.Unlock()
	if executed != 0 {
		t.Fatal("promotion must not run the build pipeline")
	}
}

func TestPromoteSameEnvironmentRejected(t *testing.T) {
	f := newFixture(t)
	source := &domain.Deployment{
		ID: "src", ProjectID: "proj-1", Environment: "production", Provider: "vercel",
		Status: domain.DeployRunning, StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), source)

	_, err := f.svc.Promote(context.Background(), "src", "production", "user-1")
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyProviderStatusIgnoresTerminalDeployment(t *testing.T) {
	f := newFixture(t)

	d := &domain.Deployment{
		ID: "d1", ProjectID: "proj-1", Provider: "vercel", ProviderID: "prov-9",
		Status: domain.DeployFailed, Error: "original failure",
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), d)

	if err := f.svc.ApplyProviderStatus(context.Background(), "vercel", "prov-9", domain.DeployRunning, "", ""); err != nil {
		t.Fatalf("ApplyProviderStatus: %v", err)
	}

	got, _ := f.deployments.GetDeploymentByID(context.Background(), "d1")
	if got.Status != domain.DeployFailed {
		t.Fatal("late webhook must not resurrect a terminal deployment")
	}
}

func TestApplyProviderStatusAdvancesDeployment(t *testing.T) {
	f := newFixture(t)

	d := &domain.Deployment{
		ID: "d1", ProjectID: "proj-1", Provider: "vercel", ProviderID: "prov-9",
		Status: domain.DeployDeploying, StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.deployments.CreateDeployment(context.Background(), d)

	if err := f.svc.ApplyProviderStatus(context.Background(), "vercel", "prov-9", domain.DeployRunning, "https://live.app", ""); err != nil {
		t.Fatalf("ApplyProviderStatus: %v", err)
	}

	got, _ := f.deployments.GetDeploymentByID(context.Background(), "d1")
	if got.Status != domain.DeployRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
	if got.URL != "https://live.app" {
		t.Fatalf("URL = %q", got.URL)
	}

	types := f.recorded.eventTypes()
	if len(types) != 1 || types[0] != domain.EventDeploymentSuccess {
		t.Fatalf("events = %v, want one deployment.success", types)
	}
}
