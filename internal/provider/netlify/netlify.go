// Package netlify implements the provider adapter against the Netlify API.
package netlify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/provider"
)

// statusMap translates Netlify deploy states into the platform vocabulary.
var statusMap = map[string]string{
	"new":        domain.DeployPending,
	"enqueued":   domain.DeployPending,
	"pending":    domain.DeployPending,
	"building":   domain.DeployBuilding,
	"processing": domain.DeployDeploying,
	"uploading":  domain.DeployDeploying,
	"uploaded":   domain.DeployDeploying,
	"prepared":   domain.DeployDeploying,
	"ready":      domain.DeployRunning,
	"error":      domain.DeployFailed,
	"rejected":   domain.DeployFailed,
	"deleted":    domain.DeployCancelled,
}

func normalize(native string) string {
	if s, ok := statusMap[native]; ok {
		return s
	}
	return domain.DeployPending
}

// Adapter talks to the Netlify REST API.
type Adapter struct {
	client        *provider.Client
	webhookSecret []byte
	retry         provider.RetryPolicy
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs a Netlify adapter.
func New(baseURL, token string, webhookSecret []byte, timeout time.Duration, retry provider.RetryPolicy) *Adapter {
	return &Adapter{
		client:        provider.NewClient(baseURL, token, timeout),
		webhookSecret: webhookSecret,
		retry:         retry,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return provider.Netlify }

type deployResponse struct {
	ID           string `json:"id"`
	SiteID       string `json:"site_id"`
	State        string `json:"state"`
	SSLURL       string `json:"ssl_url"`
	DeployURL    string `json:"deploy_ssl_url"`
	ErrorMessage string `json:"error_message"`
	CreatedAt    string `json:"created_at"`
}

func (d deployResponse) bestURL() string {
	if d.SSLURL != "" {
		return d.SSLURL
	}
	return d.DeployURL
}

func (d deployResponse) createdAt() time.Time {
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		return t
	}
	return time.Now().UTC()
}

// CreateDeployment triggers a new deploy on a Netlify site.
func (a *Adapter) CreateDeployment(ctx context.Context, req provider.DeploymentRequest) (*provider.DeploymentResult, error) {
	payload := map[string]any{
		"branch": req.Branch,
		"title":  fmt.Sprintf("%s @ %s", req.ProjectName, req.CommitSHA),
	}

	var resp deployResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "POST", "/api/v1/sites/"+url.PathEscape(req.ProjectRef)+"/builds", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	return &provider.DeploymentResult{
		ProviderID: resp.ID,
		URL:        resp.bestURL(),
		Status:     normalize(resp.State),
		CreatedAt:  resp.createdAt(),
	}, nil
}

// GetDeploymentStatus fetches and normalizes one deploy's state.
func (a *Adapter) GetDeploymentStatus(ctx context.Context, providerID string) (*provider.StatusSnapshot, error) {
	var resp deployResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", "/api/v1/deploys/"+url.PathEscape(providerID), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.StatusSnapshot{
		ProviderID: resp.ID,
		Status:     normalize(resp.State),
		URL:        resp.bestURL(),
		Error:      resp.ErrorMessage,
		CheckedAt:  time.Now().UTC(),
	}, nil
}

// GetDeploymentLogs is not exposed by the Netlify deploys API as structured
// pages; the summary message is returned as a single line.
func (a *Adapter) GetDeploymentLogs(ctx context.Context, providerID, cursor string) (*provider.LogPage, error) {
	if cursor != "" {
		return &provider.LogPage{}, nil
	}
	snapshot, err := a.GetDeploymentStatus(ctx, providerID)
	if err != nil {
		return nil, err
	}
	page := &provider.LogPage{}
	message := "deploy state: " + snapshot.Status
	if snapshot.Error != "" {
		message = snapshot.Error
	}
	page.Lines = append(page.Lines, domain.LogLine{
		OwnerID:   providerID,
		Source:    "provider",
		Level:     "info",
		Message:   message,
		CreatedAt: snapshot.CheckedAt,
	})
	return page, nil
}

// ListDeployments lists recent deploys for a site.
func (a *Adapter) ListDeployments(ctx context.Context, projectRef string, limit int) ([]provider.StatusSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/api/v1/sites/%s/deploys?per_page=%d", url.PathEscape(projectRef), limit)

	var resp []deployResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	snapshots := make([]provider.StatusSnapshot, 0, len(resp))
	for _, d := range resp {
		snapshots = append(snapshots, provider.StatusSnapshot{
			ProviderID: d.ID,
			Status:     normalize(d.State),
			URL:        d.bestURL(),
			Error:      d.ErrorMessage,
			CheckedAt:  time.Now().UTC(),
		})
	}
	return snapshots, nil
}

// CancelDeployment cancels an in-flight deploy.
func (a *Adapter) CancelDeployment(ctx context.Context, providerID string) (*provider.CancelResult, error) {
	var resp deployResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "POST", "/api/v1/deploys/"+url.PathEscape(providerID)+"/cancel", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.CancelResult{ProviderID: resp.ID, Status: normalize(resp.State)}, nil
}

// ValidateWebhook verifies the base64 HMAC-SHA256 signature Netlify sends
// and parses the deploy payload.
func (a *Adapter) ValidateWebhook(header string, body []byte) (*provider.WebhookValidationResult, error) {
	if !provider.NetlifyScheme.Verify(a.webhookSecret, body, header) {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("netlify webhook signature mismatch", nil)
	}

	var event deployResponse
	if err := json.Unmarshal(body, &event); err != nil {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("netlify webhook payload malformed", err)
	}

	return &provider.WebhookValidationResult{
		Valid:      true,
		ProviderID: event.ID,
		Status:     normalize(event.State),
		URL:        event.bestURL(),
		Error:      event.ErrorMessage,
	}, nil
}

// ConnectAccount verifies the token by loading the current user.
func (a *Adapter) ConnectAccount(ctx context.Context, creds provider.Credentials) (*provider.AccountInfo, error) {
	client := provider.NewClient(a.client.BaseURL, creds.Token, a.client.HTTPClient.Timeout)

	var resp struct {
		ID       string `json:"id"`
		FullName string `json:"full_name"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return client.DoJSON(ctx, "GET", "/api/v1/user", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.AccountInfo{AccountRef: resp.ID, Name: resp.FullName}, nil
}

// DisconnectAccount is local-only; personal access tokens are revoked in
// the provider dashboard.
func (a *Adapter) DisconnectAccount(ctx context.Context, accountRef string) error {
	return nil
}
