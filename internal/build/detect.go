package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PackageManager describes the detected toolchain for a checkout.
type PackageManager struct {
	Name        string
	Lockfile    string
	InstallArgs []string
}

// lockfilePrecedence is checked in order; the first lockfile present wins.
// Every install is frozen so a build never rewrites the lockfile.
var lockfilePrecedence = []PackageManager{
	{Name: "pnpm", Lockfile: "pnpm-lock.yaml", InstallArgs: []string{"pnpm", "install", "--frozen-lockfile"}},
	{Name: "yarn", Lockfile: "yarn.lock", InstallArgs: []string{"yarn", "install", "--frozen-lockfile"}},
	{Name: "npm", Lockfile: "package-lock.json", InstallArgs: []string{"npm", "ci"}},
	{Name: "bun", Lockfile: "bun.lockb", InstallArgs: []string{"bun", "install", "--frozen-lockfile"}},
}

// DetectPackageManager picks the package manager from lockfiles in dir.
// With no lockfile at all, plain npm install is the fallback.
func DetectPackageManager(dir string) PackageManager {
	for _, pm := range lockfilePrecedence {
		if _, err := os.Stat(filepath.Join(dir, pm.Lockfile)); err == nil {
			return pm
		}
	}
	return PackageManager{Name: "npm", InstallArgs: []string{"npm", "install"}}
}

// PackageJSON is the subset of package.json the pipeline reads.
type PackageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ReadPackageJSON loads and parses dir/package.json.
func ReadPackageJSON(dir string) (*PackageJSON, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	var pkg PackageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &pkg, nil
}

// frameworkOutputDirs maps detected frameworks to their default output
// directory when the project does not configure one.
var frameworkOutputDirs = map[string]string{
	"next":   ".next",
	"nuxt":   ".output",
	"astro":  "dist",
	"vite":   "dist",
	"remix":  "build",
	"gatsby": "public",
	"cra":    "build",
}

// DetectFramework inspects dependencies for a known framework.
func DetectFramework(pkg *PackageJSON) string {
	if pkg == nil {
		return ""
	}
	has := func(name string) bool {
		if _, ok := pkg.Dependencies[name]; ok {
			return true
		}
		_, ok := pkg.DevDependencies[name]
		return ok
	}
	switch {
	case has("next"):
		return "next"
	case has("nuxt"):
		return "nuxt"
	case has("astro"):
		return "astro"
	case has("@remix-run/node"):
		return "remix"
	case has("gatsby"):
		return "gatsby"
	case has("react-scripts"):
		return "cra"
	case has("vite"):
		return "vite"
	}
	return ""
}

// DefaultOutputDir returns the conventional output directory for a
// framework, with "dist" as the generic fallback.
func DefaultOutputDir(framework string) string {
	if dir, ok := frameworkOutputDirs[framework]; ok {
		return dir
	}
	return "dist"
}
