package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/repository"
)

// LogSink receives log lines as they are produced, for live streaming.
// Persistence happens independently of the sink.
type LogSink interface {
	Publish(ownerID string, line domain.LogLine)
}

// Config bounds the pipeline's external commands.
type Config struct {
	GitTimeout     time.Duration
	InstallTimeout time.Duration
	BuildTimeout   time.Duration
}

// Pipeline turns a (repository, branch, commit) tuple into packaged, hashed
// artifacts. It owns the Build entity's status transitions.
type Pipeline struct {
	builds    repository.BuildRepository
	projects  repository.ProjectRepository
	workspace *Workspace
	procs     *ProcessTable
	sink      LogSink
	log       *slog.Logger
	cfg       Config

	mu       sync.Mutex
	watchers map[string][]chan string
}

// NewPipeline constructs a Pipeline.
func NewPipeline(builds repository.BuildRepository, projects repository.ProjectRepository, workspace *Workspace, sink LogSink, log *slog.Logger, cfg Config) *Pipeline {
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Minute
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 5 * time.Minute
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	return &Pipeline{
		builds:    builds,
		projects:  projects,
		workspace: workspace,
		procs:     NewProcessTable(),
		sink:      sink,
		log:       log,
		cfg:       cfg,
		watchers:  make(map[string][]chan string),
	}
}

// CreateSpec names the inputs of a new build.
type CreateSpec struct {
	Branch       string
	CommitSHA    string
	Trigger      string
	RetryOf      string
	DeploymentID string
}

// Create inserts a pending build for a project.
func (p *Pipeline) Create(ctx context.Context, project *domain.Project, spec CreateSpec) (*domain.Build, error) {
	branch := spec.Branch
	if branch == "" {
		branch = project.Branch
	}
	now := time.Now().UTC()
	build := &domain.Build{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		DeploymentID: spec.DeploymentID,
		Status:       domain.BuildPending,
		Branch:       branch,
		CommitSHA:    spec.CommitSHA,
		Trigger:      spec.Trigger,
		RetryOf:      spec.RetryOf,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.builds.CreateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	return build, nil
}

// Retry creates a fresh build replaying a prior build's inputs. The prior
// build must be terminal.
func (p *Pipeline) Retry(ctx context.Context, buildID string) (*domain.Build, error) {
	prior, err := p.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !domain.BuildTerminal(prior.Status) {
		return nil, domain.StateConflictError("build is still in flight; cancel it before retrying")
	}
	project, err := p.projects.GetProjectByID(ctx, prior.ProjectID)
	if err != nil {
		return nil, err
	}
	return p.Create(ctx, project, CreateSpec{
		Branch:    prior.Branch,
		CommitSHA: prior.CommitSHA,
		Trigger:   "retry",
		RetryOf:   prior.ID,
	})
}

// Cancel stops an in-flight build. Cancelling a terminal build is a state
// conflict, not a silent no-op.
func (p *Pipeline) Cancel(ctx context.Context, buildID string) error {
	build, err := p.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if domain.BuildTerminal(build.Status) {
		return domain.StateConflictError(fmt.Sprintf("build is already %s", build.Status))
	}

	if p.procs.Cancel(buildID) {
		// Execute observes the cancelled context and records the terminal
		// status itself.
		return nil
	}

	// No live process; the build is pending or orphaned. Mark it directly.
	now := time.Now().UTC()
	if err := p.builds.UpdateBuildStatus(ctx, buildID, domain.BuildCancelled, "cancelled before execution", &now); err != nil {
		return err
	}
	p.notify(buildID, domain.BuildCancelled)
	return nil
}

// Subscribe returns a channel that receives the build's terminal status
// exactly once.
func (p *Pipeline) Subscribe(buildID string) <-chan string {
	ch := make(chan string, 1)
	p.mu.Lock()
	p.watchers[buildID] = append(p.watchers[buildID], ch)
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) notify(buildID, status string) {
	p.mu.Lock()
	watchers := p.watchers[buildID]
	delete(p.watchers, buildID)
	p.mu.Unlock()

	for _, ch := range watchers {
		ch <- status
	}
}

// Execute runs the full pipeline for a previously created build and returns
// once the build is terminal. The caller's context bounds the entire run.
func (p *Pipeline) Execute(ctx context.Context, buildID string) error {
	build, err := p.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Status != domain.BuildPending {
		return domain.StateConflictError(fmt.Sprintf("build is %s, expected pending", build.Status))
	}
	project, err := p.projects.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		return err
	}
	envVars, err := p.projects.ListProjectEnvVars(ctx, build.ProjectID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.procs.Track(buildID, cancel)
	defer func() {
		p.procs.Remove(buildID)
		cancel()
	}()

	status := build.Status
	runErr := p.run(runCtx, &status, build, project, domain.EnvMap(envVars))

	// Terminal bookkeeping happens on the background context so a
	// cancelled build still gets recorded.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	// A cancel that raced the start of execution may have settled the
	// build already; its verdict stands.
	if persisted, err := p.builds.GetBuildByID(finishCtx, buildID); err == nil && domain.BuildTerminal(persisted.Status) {
		return runErr
	}

	now := time.Now().UTC()
	switch {
	case runErr == nil:
		if err := p.builds.UpdateBuildStatus(finishCtx, buildID, domain.BuildSuccess, "", &now); err != nil {
			return err
		}
		p.appendLog(finishCtx, buildID, "pipeline", "info", "build succeeded")
		p.notify(buildID, domain.BuildSuccess)
		return nil
	case errors.Is(runErr, context.Canceled):
		p.log.Info("build cancelled", "build_id", buildID)
		if err := p.builds.UpdateBuildStatus(finishCtx, buildID, domain.BuildCancelled, "cancelled", &now); err != nil {
			return err
		}
		p.appendLog(finishCtx, buildID, "pipeline", "error", "build cancelled")
		p.notify(buildID, domain.BuildCancelled)
		return runErr
	default:
		p.log.Error("build failed", "build_id", buildID, "error", runErr)
		if err := p.builds.UpdateBuildStatus(finishCtx, buildID, domain.BuildFailed, runErr.Error(), &now); err != nil {
			return err
		}
		p.appendLog(finishCtx, buildID, "pipeline", "error", runErr.Error())
		p.notify(buildID, domain.BuildFailed)
		return runErr
	}
}

func (p *Pipeline) run(ctx context.Context, status *string, build *domain.Build, project *domain.Project, envVars map[string]string) error {
	dir, err := p.workspace.Prepare(build.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.workspace.Cleanup(dir); err != nil {
			p.log.Warn("workspace cleanup failed", "build_id", build.ID, "error", err)
		}
	}()

	// Stage: cloning.
	if err := p.transition(ctx, status, build.ID, domain.BuildCloning); err != nil {
		return err
	}
	cloneCtx, cloneCancel := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err = Clone(cloneCtx, CloneOptions{
		RepoURL:   project.RepoURL,
		Token:     project.RepoToken,
		Branch:    build.Branch,
		CommitSHA: build.CommitSHA,
	}, dir)
	cloneCancel()
	if err != nil {
		return stageErr(ctx, "clone", err)
	}
	p.appendLog(ctx, build.ID, "git", "info", "checkout complete")

	pkg, err := ReadPackageJSON(dir)
	if err != nil {
		return err
	}
	framework := project.Framework
	if framework == "" {
		framework = DetectFramework(pkg)
	}
	outputDir := project.OutputDir
	if outputDir == "" {
		outputDir = DefaultOutputDir(framework)
	}

	deps := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name, version := range pkg.Dependencies {
		deps[name] = version
	}
	for name, version := range pkg.DevDependencies {
		deps[name] = version
	}
	cacheKey, err := ComputeCacheKey(framework, deps, map[string]string{
		"buildCommand": project.BuildCommand,
		"outputDir":    outputDir,
	})
	if err != nil {
		return err
	}
	if err := p.builds.SetBuildCacheKey(ctx, build.ID, cacheKey); err != nil {
		return err
	}

	// Stage: installing.
	if err := p.transition(ctx, status, build.ID, domain.BuildInstalling); err != nil {
		return err
	}
	pm := DetectPackageManager(dir)
	p.appendLog(ctx, build.ID, "install", "info", "using "+pm.Name)
	installCtx, installCancel := context.WithTimeout(ctx, p.cfg.InstallTimeout)
	err = p.runCommand(installCtx, build.ID, "install", dir, envVars, pm.InstallArgs)
	installCancel()
	if err != nil {
		return stageErr(ctx, "install", err)
	}

	// Stage: building.
	if err := p.transition(ctx, status, build.ID, domain.BuildBuilding); err != nil {
		return err
	}
	buildCommand := project.BuildCommand
	if buildCommand == "" {
		buildCommand = "npm run build"
	}
	buildCtx, buildCancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	err = p.runCommand(buildCtx, build.ID, "build", dir, envVars, []string{"sh", "-c", buildCommand})
	buildCancel()
	if err != nil {
		return stageErr(ctx, "build", err)
	}

	outputPath := filepath.Join(dir, outputDir)
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("build command produced no output directory %q", outputDir)
	}

	// Stage: packaging.
	if err := p.transition(ctx, status, build.ID, domain.BuildPackaging); err != nil {
		return err
	}
	return p.packageArtifacts(ctx, build.ID, project, dir, outputDir)
}

// packageArtifacts archives the build output as the deployable bundle and,
// for projects that opted in, the source tree as a second tarball.
func (p *Pipeline) packageArtifacts(ctx context.Context, buildID string, project *domain.Project, dir, outputDir string) error {
	artifactDir, err := p.workspace.ArtifactDir(buildID)
	if err != nil {
		return err
	}

	bundle, err := Archive(filepath.Join(dir, outputDir), filepath.Join(artifactDir, "bundle.tar.gz"))
	if err != nil {
		return stageErr(ctx, "package", err)
	}
	if err := p.recordArtifact(ctx, buildID, domain.ArtifactBundle, bundle); err != nil {
		return err
	}

	if project.ArchiveSource {
		source, err := ArchiveExcluding(dir, filepath.Join(artifactDir, "source.tar.gz"), outputDir)
		if err != nil {
			return stageErr(ctx, "package", err)
		}
		if err := p.recordArtifact(ctx, buildID, domain.ArtifactSource, source); err != nil {
			return err
		}
	}

	p.appendLog(ctx, buildID, "package", "info",
		fmt.Sprintf("packaged bundle (%d bytes, sha256 %s)", bundle.SizeBytes, bundle.SHA256))
	return nil
}

func (p *Pipeline) transition(ctx context.Context, current *string, buildID, next string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A cancel can settle the build between stages; the persisted status
	// is the truth, not the in-memory copy from the last read.
	persisted, err := p.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	*current = persisted.Status
	if !domain.ValidBuildTransition(*current, next) {
		return domain.StateConflictError(fmt.Sprintf("invalid build transition %s -> %s", *current, next))
	}
	if err := p.builds.UpdateBuildStatus(ctx, buildID, next, "", nil); err != nil {
		return err
	}
	*current = next
	return nil
}

func (p *Pipeline) recordArtifact(ctx context.Context, buildID, kind string, result *ArchiveResult) error {
	return p.builds.AddArtifact(ctx, &domain.Artifact{
		ID:        uuid.NewString(),
		BuildID:   buildID,
		Kind:      kind,
		Path:      result.Path,
		SizeBytes: result.SizeBytes,
		SHA256:    result.SHA256,
		CreatedAt: time.Now().UTC(),
	})
}

// runCommand runs one stage command, streaming stdout as info lines and
// stderr as error lines.
func (p *Pipeline) runCommand(ctx context.Context, buildID, source, dir string, envVars map[string]string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty command for stage %s", source)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	env := append(os.Environ(), "CI=true")
	if _, ok := envVars["NODE_ENV"]; !ok {
		env = append(env, "NODE_ENV=production")
	}
	for key, value := range envVars {
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.appendLog(ctx, buildID, source, "info", scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.appendLog(ctx, buildID, source, "error", scanner.Text())
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s exited: %w", args[0], err)
	}
	return nil
}

func (p *Pipeline) appendLog(ctx context.Context, buildID, source, level, message string) {
	line := domain.LogLine{
		OwnerID:   buildID,
		Source:    source,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.builds.AppendBuildLog(ctx, line); err != nil {
		p.log.Warn("persist build log failed", "build_id", buildID, "error", err)
	}
	if p.sink != nil {
		p.sink.Publish(buildID, line)
	}
}

// stageErr prefers the context's cancellation over the command's own error
// so a cancel is recorded as cancelled rather than failed.
func stageErr(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", stage, err)
}
