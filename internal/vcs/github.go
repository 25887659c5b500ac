package vcs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ralph/internal/config"
	"github.com/fyrsmithlabs/ralph/internal/logging"
)

// ReviewRequest describes a pull request to open for a branch.
type ReviewRequest struct {
	Branch string
	Title  string
	Body   string
}

// GitHub opens pull requests through the GitHub API.
type GitHub struct {
	client  *github.Client
	owner   string
	repo    string
	base    string
	limiter *rate.Limiter
	retry   *RetryConfig
	logger  *logging.Logger
}

// NewGitHubClient creates a GitHub client with token authentication.
func NewGitHubClient(ctx context.Context, token config.Secret) (*github.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// NewGitHub returns a pull request requester for owner/repo targeting base.
func NewGitHub(client *github.Client, cfg config.GitHubConfig, base string, logger *logging.Logger) *GitHub {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GitHub{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		base:    base,
		limiter: rate.NewLimiter(limit, burst),
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
}

// WithRetry overrides the retry policy.
func (g *GitHub) WithRetry(cfg *RetryConfig) *GitHub {
	g.retry = cfg
	return g
}

// RequestExternalReview opens a pull request for the branch, or returns the
// URL of the one already open.
func (g *GitHub) RequestExternalReview(ctx context.Context, req ReviewRequest) (string, error) {
	existing, err := g.findOpen(ctx, req.Branch)
	if err != nil {
		return "", err
	}
	if existing != nil {
		g.logger.Info(ctx, "pull request already open", zap.String("url", existing.GetHTMLURL()))
		return existing.GetHTMLURL(), nil
	}

	var pr *github.PullRequest
	_, err = g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Branch),
			Base:  github.String(g.base),
			Body:  github.String(req.Body),
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request for %s: %w", req.Branch, err)
	}
	g.logger.Info(ctx, "pull request opened",
		zap.String("branch", req.Branch),
		zap.Int("number", pr.GetNumber()),
		zap.String("url", pr.GetHTMLURL()),
	)
	return pr.GetHTMLURL(), nil
}

func (g *GitHub) findOpen(ctx context.Context, branch string) (*github.PullRequest, error) {
	var prs []*github.PullRequest
	_, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
			State: "open",
			Head:  g.owner + ":" + branch,
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func (g *GitHub) do(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	return retryGitHubOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return op()
	})
}
