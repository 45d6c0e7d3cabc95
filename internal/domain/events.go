package domain

import "time"

// Domain event types consumed by the external notification fan-out.
const (
	EventDeploymentSuccess   = "deployment.success"
	EventDeploymentFailed    = "deployment.failed"
	EventDeploymentCancelled = "deployment.cancelled"
)

// Event is the payload handed to the external notification and audit
// collaborators on a deployment outcome.
type Event struct {
	Type        string
	Deployment  Deployment
	Environment string
	URL         string
	Error       string
	OccurredAt  time.Time
}

// AuditFact is a structured record for the external audit log. This core
// emits facts; it does not implement the audit store.
type AuditFact struct {
	Action     string
	ActorID    string
	ProjectID  string
	EntityID   string
	Detail     map[string]string
	OccurredAt time.Time
}
