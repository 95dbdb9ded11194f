package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/moby/patternmatcher"

	"github.com/grovetools/prdflow/command"
	"github.com/grovetools/prdflow/errors"
)

// Repository runs the git operations the workflow engine needs against one
// working tree.
type Repository struct {
	dir     string
	builder *command.SafeBuilder
	ignore  *patternmatcher.PatternMatcher
}

// RepoInfo describes the repository for session announcements.
type RepoInfo struct {
	Name   string `json:"name"`
	Branch string `json:"branch"`
	Root   string `json:"root"`
}

// Open returns a Repository for the working tree containing dir. Paths
// matching any ignore pattern (.dockerignore syntax) are hidden from
// ListFiles.
func Open(ctx context.Context, dir string, ignore []string) (*Repository, error) {
	root, err := GetGitRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	return NewRepository(root, command.NewSafeBuilder(), ignore)
}

// NewRepository creates a Repository rooted at dir without probing it.
func NewRepository(dir string, builder *command.SafeBuilder, ignore []string) (*Repository, error) {
	pm, err := patternmatcher.New(ignore)
	if err != nil {
		return nil, errors.InvalidInput("engine.ignore", err.Error())
	}
	if builder == nil {
		builder = command.NewSafeBuilder()
	}
	return &Repository{dir: dir, builder: builder, ignore: pm}, nil
}

// Dir returns the working tree root.
func (r *Repository) Dir() string {
	return r.dir
}

func (r *Repository) git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.builder, r.dir, args...)
}

// Info returns the repository name and current branch.
func (r *Repository) Info(ctx context.Context) (RepoInfo, error) {
	name, branch, err := GetRepoInfo(ctx, r.dir)
	if err != nil {
		return RepoInfo{}, err
	}
	return RepoInfo{Name: name, Branch: branch, Root: r.dir}, nil
}

// ListFiles returns tracked and untracked-but-not-ignored files relative to
// the root, minus the configured ignore patterns.
func (r *Repository) ListFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		skip, err := r.ignore.MatchesOrParentMatches(line)
		if err != nil {
			return nil, fmt.Errorf("match ignore patterns: %w", err)
		}
		if !skip {
			files = append(files, line)
		}
	}
	return files, nil
}

// HasFile reports whether path is one of the listed files.
func (r *Repository) HasFile(ctx context.Context, path string) (bool, error) {
	files, err := r.ListFiles(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f == path {
			return true, nil
		}
	}
	return false, nil
}

// HeadCommit returns the HEAD hash, or "" in a repository without commits.
func (r *Repository) HeadCommit(ctx context.Context) (string, error) {
	hash, err := GetHeadCommit(ctx, r.dir)
	if err != nil {
		if _, logErr := r.git(ctx, "log", "-1"); logErr != nil {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

// CommitMessage returns the subject line of a commit.
func (r *Repository) CommitMessage(ctx context.Context, hash string) (string, error) {
	if err := r.builder.Validate("gitRef", hash); err != nil {
		return "", errors.InvalidInput("commit_hash", err.Error())
	}
	return r.git(ctx, "log", "-1", "--format=%s", hash)
}

// Diff returns the patch a commit introduced.
func (r *Repository) Diff(ctx context.Context, hash string) (string, error) {
	if err := r.builder.Validate("gitRef", hash); err != nil {
		return "", errors.InvalidInput("commit_hash", err.Error())
	}
	return r.git(ctx, "show", "--format=", "--patch", hash)
}

// ChangedFiles returns paths with uncommitted changes.
func (r *Repository) ChangedFiles(ctx context.Context) ([]string, error) {
	status, err := GetStatus(ctx, r.dir)
	if err != nil {
		return nil, err
	}
	return status.Changed(), nil
}

// FilesInCommit returns the paths a commit touched.
func (r *Repository) FilesInCommit(ctx context.Context, hash string) ([]string, error) {
	out, err := r.git(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", hash)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// UndoCommit undoes hash, which must be HEAD and have a parent. The files it
// touched are restored from the parent and HEAD moves back one commit. It
// returns a summary of what was undone.
func (r *Repository) UndoCommit(ctx context.Context, hash string) (string, error) {
	head, err := r.HeadCommit(ctx)
	if err != nil {
		return "", err
	}
	if head == "" || !strings.HasPrefix(head, hash) || len(hash) < 7 {
		return "", errors.NotLatestCommit(hash)
	}
	parent, err := r.git(ctx, "rev-parse", "--verify", "--quiet", head+"^")
	if err != nil {
		return "", errors.New(errors.ErrCodeWorkflow, "cannot undo the first commit of a repository").
			WithDetail("hash", hash)
	}

	message, err := r.CommitMessage(ctx, head)
	if err != nil {
		return "", err
	}
	files, err := r.FilesInCommit(ctx, head)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		// Files added by the commit do not exist in the parent.
		if _, err := r.git(ctx, "cat-file", "-e", parent+":"+f); err != nil {
			if _, err := r.git(ctx, "rm", "--quiet", "--cached", "--ignore-unmatch", "--", f); err != nil {
				return "", err
			}
			if _, err := r.git(ctx, "clean", "--quiet", "--force", "--", f); err != nil {
				return "", err
			}
			continue
		}
		if _, err := r.git(ctx, "checkout", parent, "--", f); err != nil {
			return "", err
		}
	}
	if _, err := r.git(ctx, "reset", "--soft", parent); err != nil {
		return "", err
	}

	parentMessage, _ := r.CommitMessage(ctx, parent)
	return fmt.Sprintf("Removed: %s %s\nNow at:  %s %s", short(head), message, short(parent), parentMessage), nil
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
