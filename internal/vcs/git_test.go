package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ralph/internal/config"
)

type call struct {
	dir  string
	args []string
}

func recordingRunner(calls *[]call) func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return func(_ context.Context, dir, _ string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{dir: dir, args: args})
		return nil, nil
	}
}

// initRepo creates a repository with one commit on master and returns it.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, dir, repo, "README.md", "# project\n", "initial")
	return dir, repo
}

func commitFile(t *testing.T, dir string, repo *git.Repository, name, content, msg string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "ralph", Email: "ralph@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func checkoutNew(t *testing.T, repo *git.Repository, branch string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}))
}

func newTestGit(dir string, opts ...GitOption) *Git {
	return NewGit(config.WorktreeConfig{RepoDir: dir, Remote: "origin", BaseBranch: "master"}, opts...)
}

func TestGit_BranchExists(t *testing.T) {
	dir, repo := initRepo(t)
	g := newTestGit(dir)

	ok, err := g.BranchExists("master")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.BranchExists("ralph/g1")
	require.NoError(t, err)
	assert.False(t, ok)

	checkoutNew(t, repo, "ralph/g1")
	ok, err = g.BranchExists("ralph/g1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGit_CreateIsolatedWorkspace(t *testing.T) {
	dir, repo := initRepo(t)
	var calls []call
	g := newTestGit(dir, WithGitRunner(recordingRunner(&calls)))
	ctx := context.Background()

	attached, err := g.CreateIsolatedWorkspace(ctx, "/tmp/wt/ralph-g1", "ralph/g1")
	require.NoError(t, err)
	assert.False(t, attached)
	require.Len(t, calls, 1)
	assert.Equal(t, dir, calls[0].dir)
	assert.Equal(t, []string{"worktree", "add", "-b", "ralph/g1", "/tmp/wt/ralph-g1", "master"}, calls[0].args)

	checkoutNew(t, repo, "ralph/g1")
	attached, err = g.CreateIsolatedWorkspace(ctx, "/tmp/wt/ralph-g1", "ralph/g1")
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Equal(t, []string{"worktree", "add", "/tmp/wt/ralph-g1", "ralph/g1"}, calls[1].args)
}

func TestGit_RemoveIsolatedWorkspace(t *testing.T) {
	dir, _ := initRepo(t)
	var calls []call
	g := newTestGit(dir, WithGitRunner(recordingRunner(&calls)))
	ctx := context.Background()

	require.NoError(t, g.RemoveIsolatedWorkspace(ctx, filepath.Join(t.TempDir(), "gone")))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"worktree", "prune"}, calls[0].args)

	present := t.TempDir()
	require.NoError(t, g.RemoveIsolatedWorkspace(ctx, present))
	assert.Equal(t, []string{"worktree", "remove", "--force", present}, calls[1].args)
}

func TestGit_HeadAndDiff(t *testing.T) {
	dir, repo := initRepo(t)
	checkoutNew(t, repo, "ralph/g1")
	first := commitFile(t, dir, repo, "retry.go", "package retry\n", "add retry")
	commitFile(t, dir, repo, "retry_test.go", "package retry\n\n// test\n", "add retry test")

	g := newTestGit(dir)
	ctx := context.Background()

	head, err := g.Head(ctx, "ralph/g1")
	require.NoError(t, err)
	assert.Len(t, head, 40)

	full, err := g.Diff(ctx, "", "ralph/g1")
	require.NoError(t, err)
	assert.Contains(t, full, "retry.go")
	assert.Contains(t, full, "retry_test.go")
	assert.NotContains(t, full, "README.md")

	since, err := g.Diff(ctx, first.String(), "ralph/g1")
	require.NoError(t, err)
	assert.Contains(t, since, "retry_test.go")
	assert.NotContains(t, since, "b/retry.go")

	_, err = g.Head(ctx, "missing")
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestGit_RemoteRepo(t *testing.T) {
	dir, repo := initRepo(t)
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:fyrsmithlabs/ralph.git"},
	})
	require.NoError(t, err)

	owner, name, err := newTestGit(dir).RemoteRepo()
	require.NoError(t, err)
	assert.Equal(t, "fyrsmithlabs", owner)
	assert.Equal(t, "ralph", name)
}

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		repo    string
		wantErr bool
	}{
		{"https://github.com/acme/widgets.git", "acme", "widgets", false},
		{"https://github.com/acme/widgets", "acme", "widgets", false},
		{"ssh://git@github.com/acme/widgets.git", "acme", "widgets", false},
		{"git@github.com:acme/widgets.git", "acme", "widgets", false},
		{"https://gitlab.com/acme/widgets.git", "", "", true},
		{"https://github.com/acme", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := parseGitHubURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}
