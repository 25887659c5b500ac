// Package vcs provides the version-control capability used by leases and the
// validation gate: isolated worktrees, push, diff and pull request creation.
//
// go-git does not manage linked worktrees, so worktree add/remove/prune shell
// out to the git CLI. Everything else goes through go-git.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/config"
	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/shell"
)

var (
	// ErrBranchNotFound is returned when a branch does not resolve.
	ErrBranchNotFound = errors.New("branch not found")
)

// Git operates on the repository at RepoDir.
type Git struct {
	repoDir    string
	remote     string
	baseBranch string
	token      config.Secret
	run        shell.Runner
	logger     *logging.Logger
}

// GitOption configures Git.
type GitOption func(*Git)

// WithGitRunner replaces git CLI execution, for tests.
func WithGitRunner(r shell.Runner) GitOption {
	return func(g *Git) { g.run = r }
}

// WithGitLogger sets the logger.
func WithGitLogger(l *logging.Logger) GitOption {
	return func(g *Git) { g.logger = l }
}

// WithPushToken authenticates pushes over HTTPS.
func WithPushToken(token config.Secret) GitOption {
	return func(g *Git) { g.token = token }
}

// NewGit returns a Git for the repository at repoDir.
func NewGit(cfg config.WorktreeConfig, opts ...GitOption) *Git {
	g := &Git{
		repoDir:    cfg.RepoDir,
		remote:     cfg.Remote,
		baseBranch: cfg.BaseBranch,
		run:        shell.Run,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Git) open() (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(g.repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", g.repoDir, err)
	}
	return repo, nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) (bool, error) {
	repo, err := g.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolving branch %s: %w", branch, err)
	}
	return true, nil
}

// CreateIsolatedWorkspace adds a linked worktree at path on branch. An
// existing branch is attached; otherwise it is created from the base branch.
// It reports whether an existing branch was attached.
func (g *Git) CreateIsolatedWorkspace(ctx context.Context, path, branch string) (bool, error) {
	exists, err := g.BranchExists(branch)
	if err != nil {
		return false, err
	}
	args := []string{"worktree", "add", path, branch}
	if !exists {
		args = []string{"worktree", "add", "-b", branch, path, g.baseBranch}
	}
	if _, err := g.run(ctx, g.repoDir, "git", args...); err != nil {
		return false, fmt.Errorf("creating worktree %s: %w", path, err)
	}
	g.logger.Info(ctx, "worktree created",
		zap.String("path", path),
		zap.String("branch", branch),
		zap.Bool("attached", exists),
	)
	return exists, nil
}

// RemoveIsolatedWorkspace removes the worktree at path. A missing path only
// prunes stale worktree metadata. The branch is kept.
func (g *Git) RemoveIsolatedWorkspace(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, _ = g.run(ctx, g.repoDir, "git", "worktree", "prune")
		return nil
	}
	if _, err := g.run(ctx, g.repoDir, "git", "worktree", "remove", "--force", path); err != nil {
		g.logger.Warn(ctx, "git worktree remove failed, removing directory", zap.String("path", path), zap.Error(err))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("removing worktree %s: %w", path, rmErr)
		}
		_, _ = g.run(ctx, g.repoDir, "git", "worktree", "prune")
	}
	return nil
}

// Push pushes branch to the configured remote.
func (g *Git) Push(ctx context.Context, branch string) error {
	repo, err := g.open()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: g.remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
	}
	if g.token.IsSet() {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: g.token.Value()}
	}
	err = repo.PushContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pushing %s to %s: %w", branch, g.remote, err)
	}
	return nil
}

// Head returns the commit hash at the tip of branch.
func (g *Git) Head(_ context.Context, branch string) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	commit, err := branchCommit(repo, branch)
	if err != nil {
		return "", err
	}
	return commit.Hash.String(), nil
}

// Diff returns a unified diff from rev to the tip of branch. An empty rev
// diffs from the merge base with the base branch.
func (g *Git) Diff(ctx context.Context, rev, branch string) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	head, err := branchCommit(repo, branch)
	if err != nil {
		return "", err
	}

	var from *object.Commit
	if rev != "" {
		from, err = repo.CommitObject(plumbing.NewHash(rev))
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", rev, err)
		}
	} else {
		base, err := branchCommit(repo, g.baseBranch)
		if err != nil {
			return "", err
		}
		bases, err := base.MergeBase(head)
		if err != nil {
			return "", fmt.Errorf("merge base of %s and %s: %w", g.baseBranch, branch, err)
		}
		if len(bases) == 0 {
			return "", fmt.Errorf("%s and %s share no history", g.baseBranch, branch)
		}
		from = bases[0]
	}

	patch, err := from.PatchContext(ctx, head)
	if err != nil {
		return "", fmt.Errorf("diffing %s..%s: %w", from.Hash, branch, err)
	}
	return patch.String(), nil
}

func branchCommit(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving branch %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", ref.Hash(), err)
	}
	return commit, nil
}

// RemoteRepo returns the owner and name of the GitHub repository behind the
// configured remote, parsed from its first URL.
func (g *Git) RemoteRepo() (owner, name string, err error) {
	repo, err := g.open()
	if err != nil {
		return "", "", err
	}
	remote, err := repo.Remote(g.remote)
	if err != nil {
		return "", "", fmt.Errorf("reading remote %s: %w", g.remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %s has no URL", g.remote)
	}
	return parseGitHubURL(urls[0])
}

func parseGitHubURL(raw string) (string, string, error) {
	s := strings.TrimSuffix(strings.TrimSpace(raw), ".git")
	for _, prefix := range []string{"git@github.com:", "ssh://git@github.com/", "https://github.com/", "http://github.com/"} {
		if strings.HasPrefix(s, prefix) {
			parts := strings.Split(strings.TrimPrefix(s, prefix), "/")
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				return parts[0], parts[1], nil
			}
		}
	}
	return "", "", fmt.Errorf("not a GitHub remote: %s", raw)
}
