// Package workspace materializes isolated git worktrees for agent
// dispatches. Every dispatch gets its own branch and directory; merges
// back into the integration branch happen only after a gate passes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
)

// ErrAlreadyAllocated indicates another live dispatch holds the
// workspace for this story attempt.
var ErrAlreadyAllocated = errors.New("workspace already allocated")

// Workspace is one materialized dispatch workspace.
type Workspace struct {
	SessionID string
	StoryID   string
	Attempt   int
	Branch    string
	Dir       string
	Policy    Policy
}

// BranchName returns the per-dispatch branch name. Attempt 0 is the
// initial dispatch; retries increment.
func BranchName(sessionID, storyID string, attempt int) string {
	return fmt.Sprintf("wave/%s/%s/attempt-%d", sessionID, storyID, attempt)
}

// ParseBranch decomposes a dispatch branch name back into its parts.
func ParseBranch(branch string) (sessionID, storyID string, attempt int, ok bool) {
	var rest string
	if rest, ok = strings.CutPrefix(branch, "wave/"); !ok {
		return "", "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", 0, false
	}
	suffix, hasAttempt := strings.CutPrefix(parts[2], "attempt-")
	if !hasAttempt {
		return "", "", 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}

// Provider allocates, reclaims, and releases dispatch workspaces under a
// configured scratch root.
type Provider struct {
	cfg *config.WorkspaceConfig
	vcs VCS
}

// NewProvider returns a workspace provider backed by the given VCS.
func NewProvider(cfg *config.WorkspaceConfig, vcs VCS) *Provider {
	return &Provider{cfg: cfg, vcs: vcs}
}

// Allocate creates the branch for a story attempt at base and
// materializes it into a scratch directory. Losing an allocation race to
// a live dispatch returns ErrAlreadyAllocated; a stale branch left by a
// crashed allocation is reclaimed after a jittered wait.
func (p *Provider) Allocate(ctx context.Context, projectPath string, story *models.StorySpec, sessionID string, attempt int, base string, globalForbidden []string) (*Workspace, error) {
	branch := BranchName(sessionID, story.ID, attempt)
	dir := filepath.Join(p.cfg.Root, sessionID, fmt.Sprintf("%s-attempt-%d", story.ID, attempt))
	log := slog.With("session_id", sessionID, "story_id", story.ID, "attempt", attempt, "branch", branch)

	for try := 0; try < 2; try++ {
		err := p.vcs.Branch(ctx, projectPath, base, branch)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBranchExists) {
			return nil, fmt.Errorf("failed to create workspace branch: %w", err)
		}
		if try > 0 {
			return nil, fmt.Errorf("%w: branch %s", ErrAlreadyAllocated, branch)
		}

		// The branch may belong to a live dispatch or be debris from a
		// crashed one. Wait out the race, then reclaim if the worktree
		// directory never appeared.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(allocJitter(p.cfg.AllocRetryJitter)):
		}
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil, fmt.Errorf("%w: branch %s", ErrAlreadyAllocated, branch)
		}
		log.Warn("Reclaiming stale workspace branch from crashed allocation")
		if delErr := p.vcs.DeleteBranch(ctx, projectPath, branch); delErr != nil {
			return nil, fmt.Errorf("failed to reclaim stale branch: %w", delErr)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if err := p.vcs.Materialize(ctx, projectPath, branch, dir); err != nil {
		return nil, fmt.Errorf("failed to materialize workspace: %w", err)
	}

	log.Info("Workspace allocated", "dir", dir)
	return &Workspace{
		SessionID: sessionID,
		StoryID:   story.ID,
		Attempt:   attempt,
		Branch:    branch,
		Dir:       dir,
		Policy:    PolicyFor(story, globalForbidden),
	}, nil
}

// WorkspaceFor reconstructs the Workspace value for an existing dispatch
// branch, for recovery and merge operations that outlive the allocating
// process. It does not touch the filesystem.
func (p *Provider) WorkspaceFor(story *models.StorySpec, sessionID string, attempt int, globalForbidden []string) *Workspace {
	return &Workspace{
		SessionID: sessionID,
		StoryID:   story.ID,
		Attempt:   attempt,
		Branch:    BranchName(sessionID, story.ID, attempt),
		Dir:       filepath.Join(p.cfg.Root, sessionID, fmt.Sprintf("%s-attempt-%d", story.ID, attempt)),
		Policy:    PolicyFor(story, globalForbidden),
	}
}

// Reclaim rebuilds a workspace directory from its branch tip. Used during
// recovery when a dispatch may have died mid-write and the directory
// contents are suspect.
func (p *Provider) Reclaim(ctx context.Context, projectPath string, ws *Workspace) error {
	if err := p.vcs.Remove(ctx, projectPath, ws.Dir); err != nil {
		slog.Warn("Failed to detach suspect worktree, removing directory directly",
			"dir", ws.Dir, "error", err)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("failed to remove suspect workspace dir: %w", err)
	}
	if err := p.vcs.Materialize(ctx, projectPath, ws.Branch, ws.Dir); err != nil {
		return fmt.Errorf("failed to rematerialize workspace: %w", err)
	}
	slog.Info("Workspace reclaimed", "branch", ws.Branch, "dir", ws.Dir)
	return nil
}

// Commit snapshots the workspace contents onto its branch.
func (p *Provider) Commit(ctx context.Context, ws *Workspace, message string) error {
	return p.vcs.Commit(ctx, ws.Dir, message)
}

// Diff returns the workspace's changes relative to base.
func (p *Provider) Diff(ctx context.Context, ws *Workspace, base string) (string, error) {
	return p.vcs.Diff(ctx, ws.Dir, base)
}

// ChangedPaths lists the paths the workspace modified relative to base.
func (p *Provider) ChangedPaths(ctx context.Context, ws *Workspace, base string) ([]string, error) {
	return p.vcs.ChangedPaths(ctx, ws.Dir, base)
}

// Merge folds the workspace branch into the target branch and detaches
// the worktree. The branch itself is kept for audit and retry lineage.
func (p *Provider) Merge(ctx context.Context, projectPath string, ws *Workspace, into string) error {
	if err := p.vcs.Merge(ctx, projectPath, ws.Branch, into); err != nil {
		return fmt.Errorf("failed to merge workspace branch: %w", err)
	}
	// The worktree may already be detached when merging after recovery.
	if err := p.detach(ctx, projectPath, ws); err != nil {
		slog.Warn("Failed to detach worktree after merge", "dir", ws.Dir, "error", err)
	}
	return nil
}

// Release abandons a workspace: the worktree is detached but the branch
// survives so a retry can base itself on the attempt's tip.
func (p *Provider) Release(ctx context.Context, projectPath string, ws *Workspace) error {
	return p.detach(ctx, projectPath, ws)
}

// Tip returns the commit hash of the workspace branch.
func (p *Provider) Tip(ctx context.Context, projectPath string, ws *Workspace) (string, error) {
	return p.vcs.Tip(ctx, projectPath, ws.Branch)
}

func (p *Provider) detach(ctx context.Context, projectPath string, ws *Workspace) error {
	if err := p.vcs.Remove(ctx, projectPath, ws.Dir); err != nil {
		return fmt.Errorf("failed to detach worktree: %w", err)
	}
	return nil
}

func allocJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
