package domain

import "time"

// Project carries the build and deploy configuration for one repository.
// This core treats projects as read-only; settings CRUD lives elsewhere.
type Project struct {
	ID           string
	TeamID       string
	Name         string
	RepoURL      string
	RepoToken    string
	Branch       string
	Framework    string
	BuildCommand string
	OutputDir    string
	Provider     string
	ProviderRef  string

	// ArchiveSource opts the project into a separate source tarball next
	// to the deployable bundle.
	ArchiveSource bool

	DeployLocked bool
	LockReason   string
	CreatedAt    time.Time
}

// ProjectEnvVar is one environment variable injected into builds.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     string
	CreatedAt time.Time
}

// EnvMap flattens env var rows into the form subprocesses expect.
func EnvMap(vars []ProjectEnvVar) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Key] = v.Value
	}
	return out
}
