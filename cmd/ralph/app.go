package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/config"
	"github.com/fyrsmithlabs/ralph/internal/controller"
	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/project"
	"github.com/fyrsmithlabs/ralph/internal/secrets"
	"github.com/fyrsmithlabs/ralph/internal/session"
	"github.com/fyrsmithlabs/ralph/internal/telemetry"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
	"github.com/fyrsmithlabs/ralph/internal/validation"
	"github.com/fyrsmithlabs/ralph/internal/vcs"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry.Telemetry
	sessions  *session.FileStore
	leases    *lease.Manager
	ctrl      *controller.Controller
}

func loadConfig() (*config.Config, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project directory: %w", err)
	}
	if configPath != "" {
		return config.LoadWithFile(dir, configPath)
	}
	return config.Load(dir)
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Level != "" {
		level, err := logging.LevelFromString(cfg.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Format != "" {
		logCfg.Format = cfg.Format
	}
	return logging.NewLogger(logCfg)
}

// newApp loads configuration and wires the controller with its
// collaborators.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	m := metrics.Default()

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewFileStore(cfg.SessionsDir())
	if err != nil {
		return nil, err
	}

	store := tracker.NewBeads(cfg.Tracker.Binary, cfg.Tracker.Dir, cfg.Tracker.Timeout,
		tracker.WithLogger(logger.Named("tracker")))

	git := vcs.NewGit(cfg.Worktree,
		vcs.WithGitLogger(logger.Named("git")),
		vcs.WithPushToken(cfg.GitHub.Token))

	leaseOpts := []lease.Option{
		lease.WithLogger(logger.Named("lease")),
		lease.WithMetrics(m),
	}
	if gh := newGitHub(ctx, cfg, git, logger); gh != nil {
		leaseOpts = append(leaseOpts, lease.WithReviewRequester(gh))
	}
	leases := lease.NewManager(cfg.Worktree.Root, cfg.LeasesDir(), git, leaseOpts...)

	brk := breaker.New(breaker.NewFileLog(cfg.AttemptLogPath()), store,
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithMetrics(m))

	gate, err := newGate(cfg, logger, m)
	if err != nil {
		return nil, err
	}

	opts := []controller.Option{
		controller.WithReviewer(gate),
		controller.WithRepository(git),
		controller.WithLogger(logger.Named("controller")),
		controller.WithMetrics(m),
		controller.WithTracer(tel.Tracer("github.com/fyrsmithlabs/ralph/internal/controller")),
	}
	if det := project.Detect(cfg.Worktree.RepoDir); det.TestCommand != "" {
		opts = append(opts, controller.WithTestCommand(det.TestCommand))
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		telemetry: tel,
		sessions:  sessions,
		leases:    leases,
		ctrl:      controller.New(sessions, store, leases, brk, opts...),
	}, nil
}

// newGitHub returns a pull request requester when a token is configured.
// Owner and repo fall back to the origin remote.
func newGitHub(ctx context.Context, cfg *config.Config, git *vcs.Git, logger *logging.Logger) *vcs.GitHub {
	if !cfg.GitHub.Token.IsSet() {
		return nil
	}
	ghCfg := cfg.GitHub
	if ghCfg.Owner == "" {
		owner, repo, err := git.RemoteRepo()
		if err != nil {
			logger.Warn(ctx, "pull requests disabled: cannot determine GitHub repository", zap.Error(err))
			return nil
		}
		ghCfg.Owner, ghCfg.Repo = owner, repo
	}
	client, err := vcs.NewGitHubClient(ctx, ghCfg.Token)
	if err != nil {
		logger.Warn(ctx, "pull requests disabled", zap.Error(err))
		return nil
	}
	return vcs.NewGitHub(client, ghCfg, cfg.Worktree.BaseBranch, logger.Named("github"))
}

// newGate builds the validation gate for the configured reviewer. A
// missing Anthropic key leaves the gate without a reviewer; reviews then
// fail as unavailable and units stay open.
func newGate(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*validation.Gate, error) {
	var reviewer validation.Reviewer
	switch cfg.Review.Provider {
	case config.ReviewProviderCommand:
		r, err := validation.NewCommandReviewer(cfg.Review.Command, cfg.Worktree.RepoDir, cfg.Review.Timeout)
		if err != nil {
			return nil, err
		}
		reviewer = r
	default:
		if cfg.Review.APIKey.IsSet() {
			r, err := validation.NewAnthropicReviewerFromConfig(cfg.Review)
			if err != nil {
				return nil, err
			}
			reviewer = r
		}
	}

	allow, err := secrets.LoadAllowlist(cfg.Worktree.RepoDir)
	if err != nil {
		return nil, err
	}
	return validation.NewGate(reviewer,
		validation.WithRedactor(secrets.NewRedactor(allow)),
		validation.WithLogger(logger.Named("validation")),
		validation.WithMetrics(m)), nil
}

// close flushes metrics and traces. Errors are reported, not returned.
func (a *app) close(ctx context.Context) {
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.logger.Warn(ctx, "writing metrics textfile failed", zap.Error(err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp wires the app, runs fn and flushes on the way out.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// requireSession returns the --session value or an error naming the flag.
func requireSession() (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("--session is required (or set RALPH_SESSION_ID)")
	}
	return sessionID, nil
}
