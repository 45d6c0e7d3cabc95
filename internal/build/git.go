package build

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// CloneOptions select what to check out.
type CloneOptions struct {
	RepoURL   string
	Token     string
	Branch    string
	CommitSHA string
}

// Clone checks the repository out into dest. A branch deploy is a shallow
// clone; a pinned commit needs history, so it fetches the branch and checks
// the commit out explicitly.
func Clone(ctx context.Context, opts CloneOptions, dest string) error {
	if opts.RepoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	repoURL, err := authenticatedURL(opts.RepoURL, opts.Token)
	if err != nil {
		return err
	}

	if opts.CommitSHA == "" {
		args := []string{"clone", "--depth", "1"}
		if opts.Branch != "" {
			args = append(args, "--branch", opts.Branch)
		}
		args = append(args, repoURL, ".")
		return runGit(ctx, dest, args...)
	}

	if err := runGit(ctx, dest, "init", "--quiet"); err != nil {
		return err
	}
	if err := runGit(ctx, dest, "remote", "add", "origin", repoURL); err != nil {
		return err
	}
	branch := opts.Branch
	if branch == "" {
		branch = "HEAD"
	}
	if err := runGit(ctx, dest, "fetch", "--quiet", "origin", branch); err != nil {
		return err
	}
	return runGit(ctx, dest, "checkout", "--quiet", opts.CommitSHA)
}

// HeadCommit returns the checked-out commit hash.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, string(output))
	}
	return nil
}

func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return repoURL, nil
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}
