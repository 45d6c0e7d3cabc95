package domain

import (
	"encoding/json"
	"time"
)

// Build statuses follow the pipeline order; failed and cancelled are
// reachable from any non-terminal state.
const (
	BuildPending    = "pending"
	BuildCloning    = "cloning"
	BuildInstalling = "installing"
	BuildBuilding   = "building"
	BuildPackaging  = "packaging"
	BuildSuccess    = "success"
	BuildFailed     = "failed"
	BuildCancelled  = "cancelled"
)

var buildOrder = map[string]int{
	BuildPending:    0,
	BuildCloning:    1,
	BuildInstalling: 2,
	BuildBuilding:   3,
	BuildPackaging:  4,
	BuildSuccess:    5,
}

// Build captures a single execution of the build pipeline.
type Build struct {
	ID           string
	ProjectID    string
	DeploymentID string
	Status       string
	Branch       string
	CommitSHA    string
	Trigger      string
	CacheKey     string
	RetryOf      string
	Error        string
	Metadata     json.RawMessage
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// BuildTerminal reports whether a build status admits no further transitions.
func BuildTerminal(status string) bool {
	return status == BuildSuccess || status == BuildFailed || status == BuildCancelled
}

// ValidBuildTransition enforces monotonic progress along the pipeline, with
// failed/cancelled reachable from any non-terminal state.
func ValidBuildTransition(from, to string) bool {
	if BuildTerminal(from) {
		return false
	}
	if to == BuildFailed || to == BuildCancelled {
		return true
	}
	fromOrder, ok := buildOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := buildOrder[to]
	if !ok {
		return false
	}
	return toOrder > fromOrder
}

// Artifact is one packaged, hashed output of a build.
type Artifact struct {
	ID        string
	BuildID   string
	Kind      string
	Path      string
	SizeBytes int64
	SHA256    string
	CreatedAt time.Time
}

// Artifact kinds produced by the pipeline.
const (
	ArtifactBundle = "bundle"
	ArtifactSource = "source"
)

// LogLine is a structured log entry attached to a build or deployment.
type LogLine struct {
	ID        int64
	OwnerID   string
	Source    string
	Level     string
	Message   string
	CreatedAt time.Time
}
