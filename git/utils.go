package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grovetools/prdflow/command"
	"github.com/grovetools/prdflow/errors"
)

// run executes git in dir and returns its trimmed stdout. A non-zero exit is
// reported with git's stderr.
func run(ctx context.Context, builder *command.SafeBuilder, dir string, args ...string) (string, error) {
	cmd, err := builder.Build(ctx, "git", args...)
	if err != nil {
		return "", fmt.Errorf("failed to build command: %w", err)
	}
	defer cmd.Release()
	execCmd := cmd.Exec()
	execCmd.Dir = dir
	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	output, err := execCmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok && stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		if _, lookErr := exec.LookPath("git"); lookErr != nil {
			return "", errors.Wrap(lookErr, errors.ErrCodeGitNotInstalled, "git is not installed")
		}
		return "", errors.CommandFailed("git "+strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetRepoInfo returns the repository name and current branch
func GetRepoInfo(ctx context.Context, dir string) (repo string, branch string, err error) {
	builder := command.NewSafeBuilder()

	// Find git root first to ensure context is correct for worktrees
	gitRoot, err := GetGitRoot(ctx, dir)
	if err != nil {
		return "", "", fmt.Errorf("could not find git root: %w", err)
	}

	branch, err = run(ctx, builder, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("get current branch: %w", err)
	}

	remoteURL, err := run(ctx, builder, gitRoot, "config", "--get", "remote.origin.url")
	if err != nil || remoteURL == "" {
		// Fallback to the basename of the git root directory
		return filepath.Base(gitRoot), branch, nil
	}
	return extractRepoName(remoteURL), branch, nil
}

// extractRepoName extracts repository name from git URL
func extractRepoName(url string) string {
	url = strings.TrimSuffix(url, ".git")

	// Handle SSH URLs (git@github.com:user/repo)
	if strings.HasPrefix(url, "git@") {
		if _, path, ok := strings.Cut(url, ":"); ok {
			url = path
		}
	}

	parts := strings.Split(url, "/")
	if name := parts[len(parts)-1]; name != "" {
		return name
	}
	return "unknown"
}

// GetGitRoot returns the root directory of the git repository
func GetGitRoot(ctx context.Context, dir string) (string, error) {
	root, err := run(ctx, command.NewSafeBuilder(), dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeGitNotRepo, fmt.Sprintf("not a git repository: %s", dir))
	}
	return root, nil
}

// ResolveRef resolves a git ref (branch name, tag, or commit) to its full commit hash.
func ResolveRef(ctx context.Context, dir, ref string) (string, error) {
	builder := command.NewSafeBuilder()
	if err := builder.Validate("gitRef", ref); err != nil {
		return "", errors.InvalidInput("ref", err.Error())
	}
	hash, err := run(ctx, builder, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	return hash, nil
}

// GetHeadCommit returns the current HEAD commit hash for a repository.
func GetHeadCommit(ctx context.Context, dir string) (string, error) {
	return ResolveRef(ctx, dir, "HEAD")
}
