// Package render implements the provider adapter against the Render v1 API.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/provider"
)

// statusMap translates Render deploy statuses into the platform vocabulary.
var statusMap = map[string]string{
	"created":                domain.DeployPending,
	"queued":                 domain.DeployPending,
	"build_in_progress":      domain.DeployBuilding,
	"update_in_progress":     domain.DeployDeploying,
	"pre_deploy_in_progress": domain.DeployDeploying,
	"live":                   domain.DeployRunning,
	"build_failed":           domain.DeployFailed,
	"update_failed":          domain.DeployFailed,
	"pre_deploy_failed":      domain.DeployFailed,
	"canceled":               domain.DeployCancelled,
	"deactivated":            domain.DeployRolledBack,
}

func normalize(native string) string {
	if s, ok := statusMap[native]; ok {
		return s
	}
	return domain.DeployPending
}

// Adapter talks to the Render REST API.
type Adapter struct {
	client        *provider.Client
	webhookSecret []byte
	retry         provider.RetryPolicy
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs a Render adapter.
func New(baseURL, token string, webhookSecret []byte, timeout time.Duration, retry provider.RetryPolicy) *Adapter {
	return &Adapter{
		client:        provider.NewClient(baseURL, token, timeout),
		webhookSecret: webhookSecret,
		retry:         retry,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return provider.Render }

type deployResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Commit struct {
		ID string `json:"id"`
	} `json:"commit"`
	CreatedAt string `json:"createdAt"`
}

func (d deployResponse) createdAt() time.Time {
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		return t
	}
	return time.Now().UTC()
}

// CreateDeployment triggers a deploy of a Render service.
func (a *Adapter) CreateDeployment(ctx context.Context, req provider.DeploymentRequest) (*provider.DeploymentResult, error) {
	payload := map[string]any{"clearCache": "do_not_clear"}
	if req.CommitSHA != "" {
		payload["commitId"] = req.CommitSHA
	}

	var resp deployResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "POST", "/v1/services/"+url.PathEscape(req.ProjectRef)+"/deploys", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	// Deploy ids are scoped under their service; store the composite form
	// so later lookups know which service to ask.
	return &provider.DeploymentResult{
		ProviderID: req.ProjectRef + "/" + resp.ID,
		Status:     normalize(resp.Status),
		CreatedAt:  resp.createdAt(),
	}, nil
}

// GetDeploymentStatus fetches and normalizes one deploy's state. Render
// scopes deploys under their service, so providerID is "serviceID/deployID".
func (a *Adapter) GetDeploymentStatus(ctx context.Context, providerID string) (*provider.StatusSnapshot, error) {
	serviceID, deployID, err := splitID(providerID)
	if err != nil {
		return nil, err
	}

	var resp deployResponse
	err = a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", "/v1/services/"+url.PathEscape(serviceID)+"/deploys/"+url.PathEscape(deployID), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.StatusSnapshot{
		ProviderID: providerID,
		Status:     normalize(resp.Status),
		CheckedAt:  time.Now().UTC(),
	}, nil
}

// GetDeploymentLogs fetches a page of service logs.
func (a *Adapter) GetDeploymentLogs(ctx context.Context, providerID, cursor string) (*provider.LogPage, error) {
	serviceID, _, err := splitID(providerID)
	if err != nil {
		return nil, err
	}
	path := "/v1/logs?resourceIds=" + url.QueryEscape(serviceID) + "&limit=100"
	if cursor != "" {
		path += "&endTime=" + url.QueryEscape(cursor)
	}

	var resp struct {
		Logs []struct {
			Timestamp string `json:"timestamp"`
			Message   string `json:"message"`
			Labels    []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"labels"`
		} `json:"logs"`
		NextEndTime string `json:"nextEndTime"`
	}
	err = a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	page := &provider.LogPage{NextCursor: resp.NextEndTime}
	for _, entry := range resp.Logs {
		level := "info"
		for _, label := range entry.Labels {
			if label.Name == "level" && label.Value != "" {
				level = label.Value
			}
		}
		createdAt := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
			createdAt = t
		}
		page.Lines = append(page.Lines, domain.LogLine{
			OwnerID:   providerID,
			Source:    "provider",
			Level:     level,
			Message:   entry.Message,
			CreatedAt: createdAt,
		})
	}
	return page, nil
}

// ListDeployments lists recent deploys of a service.
func (a *Adapter) ListDeployments(ctx context.Context, projectRef string, limit int) ([]provider.StatusSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/v1/services/%s/deploys?limit=%d", url.PathEscape(projectRef), limit)

	var resp []struct {
		Deploy deployResponse `json:"deploy"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "GET", path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	snapshots := make([]provider.StatusSnapshot, 0, len(resp))
	for _, item := range resp {
		snapshots = append(snapshots, provider.StatusSnapshot{
			ProviderID: projectRef + "/" + item.Deploy.ID,
			Status:     normalize(item.Deploy.Status),
			CheckedAt:  time.Now().UTC(),
		})
	}
	return snapshots, nil
}

// CancelDeployment cancels an in-flight deploy.
func (a *Adapter) CancelDeployment(ctx context.Context, providerID string) (*provider.CancelResult, error) {
	serviceID, deployID, err := splitID(providerID)
	if err != nil {
		return nil, err
	}

	var resp deployResponse
	err = a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.DoJSON(ctx, "POST", "/v1/services/"+url.PathEscape(serviceID)+"/deploys/"+url.PathEscape(deployID)+"/cancel", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &provider.CancelResult{ProviderID: providerID, Status: normalize(resp.Status)}, nil
}

// ValidateWebhook verifies the hex HMAC-SHA256 signature Render sends and
// parses the deploy payload.
func (a *Adapter) ValidateWebhook(header string, body []byte) (*provider.WebhookValidationResult, error) {
	if !provider.RenderScheme.Verify(a.webhookSecret, body, header) {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("render webhook signature mismatch", nil)
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			ServiceID string `json:"serviceId"`
			DeployID  string `json:"deployId"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return &provider.WebhookValidationResult{Valid: false}, domain.ValidationError("render webhook payload malformed", err)
	}

	status := normalize(event.Data.Status)
	errMsg := ""
	if status == domain.DeployFailed {
		errMsg = "provider reported " + event.Data.Status
	}

	return &provider.WebhookValidationResult{
		Valid:      true,
		ProviderID: event.Data.ServiceID + "/" + event.Data.DeployID,
		Status:     status,
		Error:      errMsg,
	}, nil
}

// ConnectAccount verifies the token by listing owners it can see.
func (a *Adapter) ConnectAccount(ctx context.Context, creds provider.Credentials) (*provider.AccountInfo, error) {
	client := provider.NewClient(a.client.BaseURL, creds.Token, a.client.HTTPClient.Timeout)

	var resp []struct {
		Owner struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"owner"`
	}
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return client.DoJSON(ctx, "GET", "/v1/owners?limit=1", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, domain.ConfigurationError("render token has no visible owners", nil)
	}
	return &provider.AccountInfo{AccountRef: resp[0].Owner.ID, Name: resp[0].Owner.Name}, nil
}

// DisconnectAccount is local-only; API keys are revoked in the provider
// dashboard.
func (a *Adapter) DisconnectAccount(ctx context.Context, accountRef string) error {
	return nil
}

func splitID(providerID string) (serviceID, deployID string, err error) {
	for i := 0; i < len(providerID); i++ {
		if providerID[i] == '/' {
			return providerID[:i], providerID[i+1:], nil
		}
	}
	return "", "", domain.ValidationError("render deployment id must be service/deploy", nil)
}
