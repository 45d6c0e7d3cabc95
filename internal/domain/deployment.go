package domain

import (
	"encoding/json"
	"time"
)

// Deployment statuses form the platform-wide vocabulary. Provider adapters
// must translate native statuses into this set before anything above the
// adapter layer sees them.
const (
	DeployPending    = "pending"
	DeployBuilding   = "building"
	DeployDeploying  = "deploying"
	DeployRunning    = "running"
	DeployFailed     = "failed"
	DeployRolledBack = "rolled-back"
	DeployCancelled  = "cancelled"
)

// Deployment is the unit the platform presents as live or not. Rollback and
// promotion always create a new row referencing the old one; history is
// append-only.
type Deployment struct {
	ID             string
	ProjectID      string
	BuildID        string
	Environment    string
	Provider       string
	ProviderID     string
	URL            string
	Region         string
	Status         string
	CanaryPercent  int
	RollbackFrom   string
	RollbackReason string
	PromotedFrom   string
	CommitSHA      string
	Branch         string
	CommitAuthor   string
	CommitMessage  string
	TriggeredBy    string
	Error          string
	Metadata       json.RawMessage
	StartedAt      time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// DeploymentTerminal reports whether a deployment status admits no further
// transitions.
func DeploymentTerminal(status string) bool {
	switch status {
	case DeployRunning, DeployFailed, DeployRolledBack, DeployCancelled:
		return true
	}
	return false
}

// ValidDeploymentTransition enforces the orchestrator state machine:
// pending → building → deploying → running, failed/rolled-back from
// building or deploying, cancelled from any non-terminal state.
func ValidDeploymentTransition(from, to string) bool {
	if DeploymentTerminal(from) {
		return false
	}
	switch to {
	case DeployCancelled:
		return true
	case DeployFailed, DeployRolledBack:
		return from == DeployBuilding || from == DeployDeploying || from == DeployPending
	case DeployBuilding:
		return from == DeployPending
	case DeployDeploying:
		return from == DeployBuilding
	case DeployRunning:
		return from == DeployDeploying
	}
	return false
}

// DeploymentStatusUpdate captures the mutable fields of a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	ProviderID   string
	URL          string
	Region       string
	Error        string
	Metadata     json.RawMessage
	CompletedAt  *time.Time
}

// ProviderAccount stores a connected provider account with encrypted
// credentials.
type ProviderAccount struct {
	ID          string
	TeamID      string
	Provider    string
	AccountRef  string
	Credentials []byte
	CreatedAt   time.Time
}

// WebhookFailure records a webhook that was acknowledged to the sender but
// failed internal validation or processing.
type WebhookFailure struct {
	ID        int64
	Provider  string
	ProjectID string
	Reason    string
	CreatedAt time.Time
}
