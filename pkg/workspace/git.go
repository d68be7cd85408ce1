package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrBranchExists indicates a branch create lost a race to a concurrent
// allocation for the same story.
var ErrBranchExists = errors.New("branch already exists")

// VCS abstracts the version-control operations the provider needs.
// Implementations must be safe for concurrent use across repositories;
// operations on the same repository are serialized by the caller.
type VCS interface {
	// Branch creates a new branch at base. Returns ErrBranchExists if the
	// name is taken.
	Branch(ctx context.Context, repoPath, base, name string) error

	// Materialize checks a branch out into an isolated directory.
	Materialize(ctx context.Context, repoPath, branch, destDir string) error

	// Diff returns the changes a worktree carries relative to base.
	Diff(ctx context.Context, worktreeDir, base string) (string, error)

	// ChangedPaths lists the paths a worktree modified relative to base.
	ChangedPaths(ctx context.Context, worktreeDir, base string) ([]string, error)

	// Commit stages everything in the worktree and commits it.
	Commit(ctx context.Context, worktreeDir, message string) error

	// Merge fast-forwards or merges branch into the target branch.
	Merge(ctx context.Context, repoPath, branch, into string) error

	// Tip returns the commit hash a branch points at.
	Tip(ctx context.Context, repoPath, branch string) (string, error)

	// Remove detaches a materialized worktree.
	Remove(ctx context.Context, repoPath, worktreeDir string) error

	// DeleteBranch removes a branch after its dispatch is abandoned.
	DeleteBranch(ctx context.Context, repoPath, name string) error
}

// Git runs the git CLI. The zero value is ready to use.
type Git struct{}

func (Git) Branch(ctx context.Context, repoPath, base, name string) error {
	err := run(ctx, repoPath, "branch", name, base)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	return err
}

func (Git) Materialize(ctx context.Context, repoPath, branch, destDir string) error {
	return run(ctx, repoPath, "worktree", "add", destDir, branch)
}

func (Git) Diff(ctx context.Context, worktreeDir, base string) (string, error) {
	return output(ctx, worktreeDir, "diff", base)
}

func (Git) ChangedPaths(ctx context.Context, worktreeDir, base string) ([]string, error) {
	out, err := output(ctx, worktreeDir, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (Git) Commit(ctx context.Context, worktreeDir, message string) error {
	if err := run(ctx, worktreeDir, "add", "-A"); err != nil {
		return err
	}
	// Empty commits keep attempt boundaries visible in history.
	return run(ctx, worktreeDir, "commit", "--allow-empty", "-m", message)
}

func (Git) Merge(ctx context.Context, repoPath, branch, into string) error {
	if err := run(ctx, repoPath, "checkout", into); err != nil {
		return err
	}
	return run(ctx, repoPath, "merge", "--no-ff", "--no-edit", branch)
}

func (Git) Tip(ctx context.Context, repoPath, branch string) (string, error) {
	out, err := output(ctx, repoPath, "rev-parse", branch)
	return strings.TrimSpace(out), err
}

func (Git) Remove(ctx context.Context, repoPath, worktreeDir string) error {
	return run(ctx, repoPath, "worktree", "remove", "--force", worktreeDir)
}

func (Git) DeleteBranch(ctx context.Context, repoPath, name string) error {
	return run(ctx, repoPath, "branch", "-D", name)
}

func run(ctx context.Context, dir string, args ...string) error {
	_, err := output(ctx, dir, args...)
	return err
}

func output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
