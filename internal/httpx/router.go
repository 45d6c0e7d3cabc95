package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/orchestrator"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/repository"
	"github.com/stackport/stackport/internal/ws"
)

// DeployService is the deployment lifecycle surface the router exposes.
type DeployService interface {
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (*domain.Deployment, error)
	Rollback(ctx context.Context, targetDeploymentID, reason, actorID string) (*domain.Deployment, error)
	Promote(ctx context.Context, sourceDeploymentID, targetEnvironment, actorID string) (*domain.Deployment, error)
	Cancel(ctx context.Context, deploymentID, actorID string) error
	ProviderLogs(ctx context.Context, deploymentID, cursor string) (*provider.LogPage, error)
	ProviderDeployments(ctx context.Context, projectID string, limit int) ([]provider.StatusSnapshot, error)
}

// BuildService is the build pipeline surface the router exposes.
type BuildService interface {
	Retry(ctx context.Context, buildID string) (*domain.Build, error)
	Cancel(ctx context.Context, buildID string) error
}

// AccountService manages provider account connections.
type AccountService interface {
	Connect(ctx context.Context, teamID, providerName, actorID string, creds provider.Credentials) (*domain.ProviderAccount, error)
	Disconnect(ctx context.Context, teamID, providerName, actorID string) error
}

// WebhookService ingests inbound webhooks.
type WebhookService interface {
	HandleGitPush(ctx context.Context, projectID, signature string, body []byte) error
	HandleProviderCallback(ctx context.Context, providerName, signature string, body []byte) error
	UpsertSecret(ctx context.Context, projectID, secret string) error
	ListFailures(ctx context.Context, providerName string, limit int) ([]domain.WebhookFailure, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	deploys    DeployService
	builds     BuildService
	accounts   AccountService
	webhooks   WebhookService
	deployRepo repository.DeploymentRepository
	buildRepo  repository.BuildRepository
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	webhookTotal       *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitWebhook   = 300
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultLogLimit    = 100

	// actorHeader attributes requests for audit and rate limiting; it is
	// not an authentication mechanism. AuthN lives in the gateway.
	actorHeader = "X-Actor-ID"
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	deploySvc DeployService,
	buildSvc BuildService,
	accountSvc AccountService,
	webhookSvc WebhookService,
	deployRepo repository.DeploymentRepository,
	buildRepo repository.BuildRepository,
	hub *ws.Hub,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		deploys:    deploySvc,
		builds:     buildSvc,
		accounts:   accountSvc,
		webhooks:   webhookSvc,
		deployRepo: deployRepo,
		buildRepo:  buildRepo,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects/", r.audit("/projects", r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, rateLimitKeyActor, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments", r.withRateLimit("/deployments", rateLimitWrite, rateWindowDefault, rateLimitKeyActor, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/builds/", r.audit("/builds", r.withRateLimit("/builds", rateLimitWrite, rateWindowDefault, rateLimitKeyActor, r.handleBuildSubroutes)))
	r.mux.HandleFunc("/providers/", r.audit("/providers", r.withRateLimit("/providers", rateLimitWrite, rateWindowDefault, rateLimitKeyActor, r.handleProviderSubroutes)))
	r.mux.HandleFunc("/webhooks/git/", r.audit("/webhooks/git", r.withRateLimit("/webhooks/git", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGitWebhook)))
	r.mux.HandleFunc("/webhooks/provider/", r.audit("/webhooks/provider", r.withRateLimit("/webhooks/provider", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleProviderWebhook)))
	r.mux.HandleFunc("/webhooks/failures", r.audit("/webhooks/failures", r.withRateLimit("/webhooks/failures", rateLimitRead, rateWindowDefault, rateLimitKeyActor, r.handleWebhookFailures)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.withRateLimit("/ws/logs", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleLogsWS)))
}

func actor(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(actorHeader))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch parts[1] {
	case "deploy":
		r.handleProjectDeploy(w, req, projectID)
	case "deployments":
		r.handleProjectDeployments(w, req, projectID)
	case "builds":
		r.handleProjectBuilds(w, req, projectID)
	case "webhook-secret":
		r.handleWebhookSecret(w, req, projectID)
	case "provider-deployments":
		r.handleProviderDeployments(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProviderDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	snapshots, err := r.deploys.ProviderDeployments(req.Context(), projectID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (r *Router) handleProjectDeploy(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Environment   string `json:"environment"`
		Branch        string `json:"branch"`
		CommitSHA     string `json:"commit_sha"`
		CommitAuthor  string `json:"commit_author"`
		CommitMessage string `json:"commit_message"`
		CanaryPercent int    `json:"canary_percent"`
	}
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	deployment, err := r.deploys.Deploy(req.Context(), orchestrator.DeployRequest{
		ProjectID:     projectID,
		Environment:   payload.Environment,
		Branch:        payload.Branch,
		CommitSHA:     payload.CommitSHA,
		CommitAuthor:  payload.CommitAuthor,
		CommitMessage: payload.CommitMessage,
		CanaryPercent: payload.CanaryPercent,
		Trigger:       "manual",
		TriggeredBy:   actor(req),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deployRepo.ListDeploymentsByProject(req.Context(), projectID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleProjectBuilds(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	builds, err := r.buildRepo.ListBuildsByProject(req.Context(), projectID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	deploymentID := parts[0]
	if len(parts) == 1 {
		r.handleDeploymentGet(w, req, deploymentID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "cancel":
		r.handleDeploymentCancel(w, req, deploymentID)
	case "rollback":
		r.handleDeploymentRollback(w, req, deploymentID)
	case "promote":
		r.handleDeploymentPromote(w, req, deploymentID)
	case "logs":
		r.handleDeploymentLogs(w, req, deploymentID)
	case "provider-logs":
		r.handleProviderLogs(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deployRepo.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleDeploymentCancel(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.deploys.Cancel(req.Context(), deploymentID, actor(req)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (r *Router) handleDeploymentRollback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	deployment, err := r.deploys.Rollback(req.Context(), deploymentID, payload.Reason, actor(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (r *Router) handleDeploymentPromote(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deployment, err := r.deploys.Promote(req.Context(), deploymentID, payload.Environment, actor(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, offset := pagination(req)
	lines, err := r.deployRepo.ListDeploymentLogs(req.Context(), deploymentID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (r *Router) handleProviderLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	page, err := r.deploys.ProviderLogs(req.Context(), deploymentID, req.URL.Query().Get("cursor"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/builds/"), "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	buildID := parts[0]
	if len(parts) == 1 {
		r.handleBuildGet(w, req, buildID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "logs":
		r.handleBuildLogs(w, req, buildID)
	case "artifacts":
		r.handleBuildArtifacts(w, req, buildID)
	case "retry":
		r.handleBuildRetry(w, req, buildID)
	case "cancel":
		r.handleBuildCancel(w, req, buildID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleBuildGet(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	build, err := r.buildRepo.GetBuildByID(req.Context(), buildID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (r *Router) handleBuildLogs(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, offset := pagination(req)
	lines, err := r.buildRepo.ListBuildLogs(req.Context(), buildID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (r *Router) handleBuildArtifacts(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	artifacts, err := r.buildRepo.ListArtifacts(req.Context(), buildID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (r *Router) handleBuildRetry(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	build, err := r.builds.Retry(req.Context(), buildID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, build)
}

func (r *Router) handleBuildCancel(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.builds.Cancel(req.Context(), buildID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (r *Router) handleProviderSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/providers/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	providerName := parts[0]
	switch parts[1] {
	case "connect":
		r.handleProviderConnect(w, req, providerName)
	case "disconnect":
		r.handleProviderDisconnect(w, req, providerName)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProviderConnect(w http.ResponseWriter, req *http.Request, providerName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TeamID    string            `json:"team_id"`
		Token     string            `json:"token"`
		TeamRef   string            `json:"team_ref"`
		ExtraVars map[string]string `json:"extra_vars"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.TeamID == "" {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	account, err := r.accounts.Connect(req.Context(), payload.TeamID, providerName, actor(req), provider.Credentials{
		Token:     payload.Token,
		TeamRef:   payload.TeamRef,
		ExtraVars: payload.ExtraVars,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Never echo credentials back.
	account.Credentials = nil
	writeJSON(w, http.StatusCreated, account)
}

func (r *Router) handleProviderDisconnect(w http.ResponseWriter, req *http.Request, providerName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TeamID string `json:"team_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.TeamID == "" {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if err := r.accounts.Disconnect(req.Context(), payload.TeamID, providerName, actor(req)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleGitWebhook acknowledges the sender no matter what happened
// internally; git hosts retry non-2xx responses and a poisoned payload
// would retry forever.
func (r *Router) handleGitWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/webhooks/git/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get(provider.GitPushScheme.Header)
	result := r.webhooks.HandleGitPush(req.Context(), projectID, signature, body)
	r.recordWebhook("git", result)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// handleProviderWebhook has the same always-ACK contract as the git hook.
func (r *Router) handleProviderWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	providerName := strings.TrimPrefix(req.URL.Path, "/webhooks/provider/")
	if providerName == "" || strings.Contains(providerName, "/") {
		r.notFound(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := ""
	if scheme, ok := provider.SchemeFor(providerName); ok {
		signature = req.Header.Get(scheme.Header)
	}
	result := r.webhooks.HandleProviderCallback(req.Context(), providerName, signature, body)
	r.recordWebhook(providerName, result)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (r *Router) handleWebhookFailures(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	failures, err := r.webhooks.ListFailures(req.Context(), req.URL.Query().Get("provider"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	ownerID := req.URL.Query().Get("deployment_id")
	if ownerID == "" {
		ownerID = req.URL.Query().Get("build_id")
	}
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id or build_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(ownerID, client)
	go func() {
		defer func() {
			r.hub.Unregister(ownerID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func pagination(req *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}
	offset, _ = strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if caller := actor(req); caller != "" {
			fields = append(fields, "actor", caller)
		} else {
			fields = append(fields, "actor", "anonymous")
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
