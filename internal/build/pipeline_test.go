package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/repository"
)

type fakeBuildRepo struct {
	mu        sync.Mutex
	builds    map[string]*domain.Build
	artifacts map[string][]domain.Artifact
	logs      []domain.LogLine
}

func newFakeBuildRepo() *fakeBuildRepo {
	return &fakeBuildRepo{
		builds:    make(map[string]*domain.Build),
		artifacts: make(map[string][]domain.Artifact),
	}
}

func (f *fakeBuildRepo) CreateBuild(_ context.Context, build *domain.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *build
	f.builds[build.ID] = &clone
	return nil
}

func (f *fakeBuildRepo) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (f *fakeBuildRepo) UpdateBuildStatus(_ context.Context, buildID, status, errMsg string, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
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

func (f *fakeBuildRepo) SetBuildCacheKey(_ context.Context, buildID, cacheKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	b.CacheKey = cacheKey
	return nil
}

func (f *fakeBuildRepo) ListBuildsByProject(_ context.Context, projectID string, limit int) ([]domain.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Build
	for _, b := range f.builds {
		if b.ProjectID == projectID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBuildRepo) AddArtifact(_ context.Context, artifact *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[artifact.BuildID] = append(f.artifacts[artifact.BuildID], *artifact)
	return nil
}

func (f *fakeBuildRepo) ListArtifacts(_ context.Context, buildID string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Artifact(nil), f.artifacts[buildID]...), nil
}

func (f *fakeBuildRepo) AppendBuildLog(_ context.Context, line domain.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, line)
	return nil
}

func (f *fakeBuildRepo) ListBuildLogs(_ context.Context, buildID string, limit, offset int) ([]domain.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LogLine
	for _, l := range f.logs {
		if l.OwnerID == buildID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeProjectRepo struct {
	project *domain.Project
	envVars []domain.ProjectEnvVar
}

func (f *fakeProjectRepo) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	if f.project == nil || f.project.ID != projectID {
		return nil, repository.ErrNotFound
	}
	clone := *f.project
	return &clone, nil
}

func (f *fakeProjectRepo) ListProjectEnvVars(_ context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	return f.envVars, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(t *testing.T, builds repository.BuildRepository, projects repository.ProjectRepository) *Pipeline {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewPipeline(builds, projects, ws, nil, testLogger(), Config{})
}

func testProject() *domain.Project {
	return &domain.Project{
		ID:       "proj-1",
		TeamID:   "team-1",
		Name:     "myapp",
		RepoURL:  "https://example.com/myapp.git",
		Branch:   "main",
		Provider: "vercel",
	}
}

func TestCreateBuildDefaultsBranch(t *testing.T) {
	repo := newFakeBuildRepo()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: testProject()})

	build, err := pipeline.Create(context.Background(), testProject(), CreateSpec{CommitSHA: "abc123", Trigger: "manual"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if build.Branch != "main" {
		t.Fatalf("Branch = %q, want project default", build.Branch)
	}
	if build.Status != domain.BuildPending {
		t.Fatalf("Status = %q, want pending", build.Status)
	}
}

func TestCancelPendingBuild(t *testing.T) {
	repo := newFakeBuildRepo()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: testProject()})

	build, err := pipeline.Create(context.Background(), testProject(), CreateSpec{Branch: "main", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}

	done := pipeline.Subscribe(build.ID)
	if err := pipeline.Cancel(context.Background(), build.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case status := <-done:
		if status != domain.BuildCancelled {
			t.Fatalf("completion status = %q, want cancelled", status)
		}
	case <-time.After(time.Second):
		t.Fatal("completion notification never arrived")
	}

	got, _ := repo.GetBuildByID(context.Background(), build.ID)
	if got.Status != domain.BuildCancelled {
		t.Fatalf("persisted status = %q, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("cancelled build must record completion time")
	}
}

func TestCancelTerminalBuildIsStateConflict(t *testing.T) {
	repo := newFakeBuildRepo()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: testProject()})

	build, err := pipeline.Create(context.Background(), testProject(), CreateSpec{Branch: "main", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := repo.UpdateBuildStatus(context.Background(), build.ID, domain.BuildSuccess, "", &now); err != nil {
		t.Fatal(err)
	}

	err = pipeline.Cancel(context.Background(), build.ID)
	if err == nil {
		t.Fatal("expected error cancelling terminal build")
	}
	if !domain.IsStateConflict(err) {
		t.Fatalf("expected state_conflict, got %v", err)
	}

	// Idempotence check: a second cancel is the same conflict, not a
	// duplicate transition.
	err = pipeline.Cancel(context.Background(), build.ID)
	if !domain.IsStateConflict(err) {
		t.Fatalf("second cancel: expected state_conflict, got %v", err)
	}
}

func TestCancelReleasesProcessHandle(t *testing.T) {
	procs := NewProcessTable()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	procs.Track("b1", cancel)
	if procs.Len() != 1 {
		t.Fatalf("Len = %d, want 1", procs.Len())
	}
	if !procs.Cancel("b1") {
		t.Fatal("expected tracked handle")
	}
	if procs.Len() != 0 {
		t.Fatalf("handle leaked after cancel, Len = %d", procs.Len())
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel handle did not fire")
	}

	if procs.Cancel("b1") {
		t.Fatal("second cancel must report no handle")
	}
}

func TestRetryRequiresTerminalBuild(t *testing.T) {
	repo := newFakeBuildRepo()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: testProject()})

	build, err := pipeline.Create(context.Background(), testProject(), CreateSpec{Branch: "main", CommitSHA: "abc123", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pipeline.Retry(context.Background(), build.ID); !domain.IsStateConflict(err) {
		t.Fatalf("retry of in-flight build: expected state_conflict, got %v", err)
	}

	now := time.Now().UTC()
	repo.UpdateBuildStatus(context.Background(), build.ID, domain.BuildFailed, "boom", &now)

	retried, err := pipeline.Retry(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.RetryOf != build.ID {
		t.Fatalf("RetryOf = %q, want %q", retried.RetryOf, build.ID)
	}
	if retried.Branch != build.Branch || retried.CommitSHA != build.CommitSHA {
		t.Fatal("retry must replay the prior build's inputs")
	}
	if retried.Trigger != "retry" {
		t.Fatalf("Trigger = %q, want retry", retried.Trigger)
	}
}

func TestStageTransitionRefusesSettledBuild(t *testing.T) {
	repo := newFakeBuildRepo()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: testProject()})

	build, err := pipeline.Create(context.Background(), testProject(), CreateSpec{Branch: "main", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel lands after the build was read as pending but before the
	// first stage transition.
	now := time.Now().UTC()
	if err := repo.UpdateBuildStatus(context.Background(), build.ID, domain.BuildCancelled, "cancelled before execution", &now); err != nil {
		t.Fatal(err)
	}

	stale := domain.BuildPending
	err = pipeline.transition(context.Background(), &stale, build.ID, domain.BuildCloning)
	if !domain.IsStateConflict(err) {
		t.Fatalf("expected state_conflict, got %v", err)
	}

	got, _ := repo.GetBuildByID(context.Background(), build.ID)
	if got.Status != domain.BuildCancelled {
		t.Fatalf("persisted status = %q, cancelled verdict must stand", got.Status)
	}
}

func writePackagingFixture(t *testing.T, outputDir string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, outputDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, outputDir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"myapp"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPackageArtifactsBundleOnly(t *testing.T) {
	repo := newFakeBuildRepo()
	project := testProject()
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: project})

	build, err := pipeline.Create(context.Background(), project, CreateSpec{Branch: "main", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}

	dir := writePackagingFixture(t, "dist")
	if err := pipeline.packageArtifacts(context.Background(), build.ID, project, dir, "dist"); err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}

	artifacts, _ := repo.ListArtifacts(context.Background(), build.ID)
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want only the bundle", len(artifacts))
	}
	if artifacts[0].Kind != domain.ArtifactBundle {
		t.Fatalf("Kind = %q, want bundle", artifacts[0].Kind)
	}
}

func TestPackageArtifactsSourceOptIn(t *testing.T) {
	repo := newFakeBuildRepo()
	project := testProject()
	project.ArchiveSource = true
	pipeline := testPipeline(t, repo, &fakeProjectRepo{project: project})

	build, err := pipeline.Create(context.Background(), project, CreateSpec{Branch: "main", Trigger: "manual"})
	if err != nil {
		t.Fatal(err)
	}

	dir := writePackagingFixture(t, "dist")
	if err := pipeline.packageArtifacts(context.Background(), build.ID, project, dir, "dist"); err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}

	artifacts, _ := repo.ListArtifacts(context.Background(), build.ID)
	kinds := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		kinds[a.Kind] = true
	}
	if len(artifacts) != 2 || !kinds[domain.ArtifactBundle] || !kinds[domain.ArtifactSource] {
		t.Fatalf("artifacts = %+v, want bundle and source", artifacts)
	}
}

func TestBuildTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{domain.BuildPending, domain.BuildCloning, true},
		{domain.BuildCloning, domain.BuildInstalling, true},
		{domain.BuildInstalling, domain.BuildBuilding, true},
		{domain.BuildBuilding, domain.BuildPackaging, true},
		{domain.BuildPackaging, domain.BuildSuccess, true},
		{domain.BuildPending, domain.BuildFailed, true},
		{domain.BuildBuilding, domain.BuildCancelled, true},
		{domain.BuildBuilding, domain.BuildCloning, false},
		{domain.BuildSuccess, domain.BuildFailed, false},
		{domain.BuildCancelled, domain.BuildCloning, false},
	}
	for _, tc := range cases {
		if got := domain.ValidBuildTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidBuildTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
