// Package vercel implements the provider adapter against the Vercel v13
// deployments API.
package vercel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/provider"
)

// statusMap translates Vercel readyState values into the platform
// vocabulary.
var statusMap = map[string]string{
	"QUEUED":       domain.DeployPending,
	"BUILDING":     domain.DeployBuilding,
	"INITIALIZING": domain.DeployDeploying,
	"READY":        domain.DeployRunning,
	"ERROR":        domain.DeployFailed,
	"CANCELED":     domain.DeployCancelled,
}

func normalize(native string) string {
	if s, ok := statusMap[native]; ok {
		return s
	}
	return domain.DeployPending
}

// Adapter talks to the Vercel REST API.
type Adapter struct {
	client        *provider.Client
	webhookSecret []byte
	retry         provider.RetryPolicy
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs a Vercel adapter.
func New(baseURL, token string, webhookSecret []byte, timeout time.Duration, retry provider.RetryPolicy) *Adapter {
	return &Adapter{
		client:        provider.NewClient(baseURL, token, timeout),
		webhookSecret: webhookSecret,
		retry:         retry,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return provider.Vercel }

type deploymentResponse struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	ReadyState string   `json:"readyState"`
	Regions    []string `json:"regions"`
	CreatedAt  int64    `json:"createdAt"`
	ErrorMsg   struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d deploymentResponse) region() string {
	if len(d.Regions) == 0 {
		return ""
	}
	return d.Regions[0]
}

// CreateDeployment creates a deployment on Vercel.
func (a *Adapter) CreateDeployment(ctx context.Context, req provider.DeploymentRequest) (*provider.DeploymentResult, error) {
	payload := map[string]any{
		"name":   req.ProjectName,
		"target": req.Environment,
		"meta": map[string]string{
			"branch":    req.Branch,
			"commitSha": req.CommitSHA,
		},
		"projectSettings": map[string]any{},
	}
	if req.ProjectRef != "" {
		payload["project"] = req.ProjectRef
	}

	var resp deploymentResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "POST", "/v13/deployments", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	return &provider.DeploymentResult{
		ProviderID: resp.ID,
		URL:        publicURL(resp.URL),
		Region:     resp.region(),
		Status:     normalize(resp.ReadyState),
		CreatedAt:  time.UnixMilli(resp.CreatedAt),
	}, nil
}

// GetDeploymentStatus fetches and normalizes one deployment's state.
func (a *Adapter) GetDeploymentStatus(ctx context.Context, providerID string) (*provider.StatusSnapshot, error) {
	var resp deploymentResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", "/v13/deployments/"+url.PathEscape(providerID), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.StatusSnapshot{
		ProviderID: resp.ID,
		Status:     normalize(resp.ReadyState),
		URL:        publicURL(resp.URL),
		Region:     resp.region(),
		Error:      resp.ErrorMsg.Message,
		CheckedAt:  time.Now().UTC(),
	}, nil
}

// GetDeploymentLogs fetches a page of build events for a deployment.
func (a *Adapter) GetDeploymentLogs(ctx context.Context, providerID, cursor string) (*provider.LogPage, error) {
	path := "/v2/deployments/" + url.PathEscape(providerID) + "/events?limit=100"
	if cursor != "" {
		path += "&until=" + url.QueryEscape(cursor)
	}

	var resp struct {
		Events []struct {
			Type    string `json:"type"`
			Created int64  `json:"created"`
			Payload struct {
				Text string `json:"text"`
			} `json:"payload"`
		} `json:"events"`
		Pagination struct {
			Next string `json:"next"`
		} `json:"pagination"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	page := &provider.LogPage{NextCursor: resp.Pagination.Next}
	for _, ev := range resp.Events {
		level := "info"
		if ev.Type == "stderr" || ev.Type == "error" {
			level = "error"
		}
		page.Lines = append(page.Lines, domain.LogLine{
			OwnerID:   providerID,
			Source:    "provider",
			Level:     level,
			Message:   ev.Payload.Text,
			CreatedAt: time.UnixMilli(ev.Created),
		})
	}
	return page, nil
}

// ListDeployments lists recent deployments for a project.
func (a *Adapter) ListDeployments(ctx context.Context, projectRef string, limit int) ([]provider.StatusSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/v6/deployments?projectId=%s&limit=%d", url.QueryEscape(projectRef), limit)

	var resp struct {
		Deployments []deploymentResponse `json:"deployments"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	snapshots := make([]provider.StatusSnapshot, 0, len(resp.Deployments))
	for _, d := range resp.Deployments {
		snapshots = append(snapshots, provider.StatusSnapshot{
			ProviderID: d.ID,
			Status:     normalize(d.ReadyState),
			URL:        publicURL(d.URL),
			Region:     d.region(),
			CheckedAt:  time.Now().UTC(),
		})
	}
	return snapshots, nil
}

// CancelDeployment cancels an in-flight deployment.
func (a *Adapter) CancelDeployment(ctx context.Context, providerID string) (*provider.CancelResult, error) {
	var resp deploymentResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "PATCH", "/v12/deployments/"+url.PathEscape(providerID)+"/cancel", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.CancelResult{ProviderID: resp.ID, Status: normalize(resp.ReadyState)}, nil
}

// ValidateWebhook verifies the HMAC-SHA1 hex signature Vercel sends and
// parses the deployment payload.
func (a *Adapter) ValidateWebhook(header string, body []byte) (*provider.WebhookValidationResult, error) {
	if !provider.VercelScheme.Verify(a.webhookSecret, body, header) {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("vercel webhook signature mismatch", nil)
	}

	var event struct {
		Type    string `json:"type"`
		Payload struct {
			Deployment struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"deployment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("vercel webhook payload malformed", err)
	}

	status := domain.DeployDeploying
	errMsg := ""
	switch event.Type {
	case "deployment.succeeded":
		status = domain.DeployRunning
	case "deployment.error":
		status = domain.DeployFailed
		errMsg = "provider reported deployment error"
	case "deployment.canceled":
		status = domain.DeployCancelled
	}

	return &provider.WebhookValidationResult{
		Valid:      true,
		ProviderID: event.Payload.Deployment.ID,
		Status:     status,
		URL:        publicURL(event.Payload.Deployment.URL),
		Error:      errMsg,
	}, nil
}

// ConnectAccount verifies the token by loading the account it belongs to.
func (a *Adapter) ConnectAccount(ctx context.Context, creds provider.Credentials) (*provider.AccountInfo, error) {
	client := provider.NewClient(a.client.BaseURL, creds.Token, a.client.HTTPClient.Timeout)

	var resp struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return client.DoJSON(ctx, "GET", "/v2/user", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.AccountInfo{AccountRef: resp.User.ID, Name: resp.User.Username}, nil
}

// DisconnectAccount is local-only for Vercel; tokens are revoked in the
// provider dashboard.
func (a *Adapter) DisconnectAccount(ctx context.Context, accountRef string) error {
	return nil
}

func publicURL(host string) string {
	if host == "" {
		return ""
	}
	return "https://" + host
}
