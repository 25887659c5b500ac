package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/complexity"
	"github.com/fyrsmithlabs/ralph/internal/controller"
	"github.com/fyrsmithlabs/ralph/internal/session"
)

var (
	startTask            string
	startEpic            string
	startGroup           string
	startMode            string
	startTier            string
	startSkipValidation  bool
	startForceValidation bool
	startPullRequest     bool

	buildGroup string

	resumeExtra int

	cancelDiscard bool

	statusFollow bool
)

// startCmd creates a session and prints the first directive
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a planning or building session",
	Long: `Start a new session and print the first directive for the agent.

The session id is printed first; pass it to later commands with --session or
RALPH_SESSION_ID. When running under a host hook, use the host session id so
the Stop hook finds the session.

Examples:
  # Plan a task
  ralph start --session $HOST_SESSION --task "add CSV export"

  # Build an already planned epic straight away
  ralph start --task "add CSV export" --mode building --group bd-12 --pr`,
	RunE: runStart,
}

// startBuildCmd moves a planned session into building
var startBuildCmd = &cobra.Command{
	Use:   "start-build",
	Short: "Begin building a planned session",
	Long: `Move a session from planning into building. A worktree lease is acquired
for the group and the building budget applies.

Examples:
  ralph start-build --session abc --group bd-12`,
	RunE: runStartBuild,
}

// resumeCmd resumes a paused session
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused session",
	Long: `Resume a paused session in the mode it paused from. --extra raises the
iteration ceiling, which is required when the budget was exhausted.

Examples:
  ralph resume --session abc --extra 5`,
	RunE: runResume,
}

// cancelCmd stops a session
var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Pause a session and release its worktree",
	Long: `Cancel the session: the worktree lease is released without publishing and
the session is paused so it can be resumed. --discard deletes the session.

Examples:
  ralph cancel --session abc
  ralph cancel --session abc --discard`,
	RunE: runCancel,
}

// statusCmd reports session state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session state, progress and attempt counts",
	Long: `Show a session's mode, iteration, current unit, group progress and attempt
counters. Without --session every session is listed.

Examples:
  ralph status --session abc
  ralph status --session abc --follow
  ralph status --json`,
	RunE: runStatus,
}

func init() {
	startCmd.Flags().StringVar(&startTask, "task", "", "task description (required)")
	startCmd.Flags().StringVar(&startEpic, "epic", "", "epic reference")
	startCmd.Flags().StringVar(&startGroup, "group", "", "work group reference (required for building)")
	startCmd.Flags().StringVar(&startMode, "mode", "planning", "initial mode: planning or building")
	startCmd.Flags().StringVar(&startTier, "tier", "", "override the complexity tier")
	startCmd.Flags().BoolVar(&startSkipValidation, "skip-validation", false, "close units without review (ignored for critical tasks)")
	startCmd.Flags().BoolVar(&startForceValidation, "force-validation", false, "require review for every unit")
	startCmd.Flags().BoolVar(&startPullRequest, "pr", false, "open a pull request when the work is published")
	_ = startCmd.MarkFlagRequired("task")

	startBuildCmd.Flags().StringVar(&buildGroup, "group", "", "work group reference (defaults to the epic)")

	resumeCmd.Flags().IntVar(&resumeExtra, "extra", 0, "additional iterations")

	cancelCmd.Flags().BoolVar(&cancelDiscard, "discard", false, "delete the session instead of pausing it")

	statusCmd.Flags().BoolVar(&statusFollow, "follow", false, "print again whenever the session changes")
}

func buildStartRequest() (controller.StartRequest, error) {
	req := controller.StartRequest{
		SessionID:         sessionID,
		Task:              startTask,
		EpicRef:           startEpic,
		GroupRef:          startGroup,
		SkipValidation:    startSkipValidation,
		ForceValidation:   startForceValidation,
		CreatePullRequest: startPullRequest,
	}
	mode, err := session.ParseMode(startMode)
	if err != nil {
		return req, err
	}
	req.Mode = mode
	if startTier != "" {
		tier, err := complexity.ParseTier(startTier)
		if err != nil {
			return req, err
		}
		req.TierOverride = tier
	}
	return req, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	req, err := buildStartRequest()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		s, err := a.ctrl.Start(ctx, req)
		if err != nil {
			return err
		}
		d, err := a.ctrl.Evaluate(ctx, s.ID, controller.WorkerResult{})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), struct {
				Session  *session.Session    `json:"session"`
				Decision controller.Decision `json:"decision"`
			}{s, d})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s (%s, tier %s, %d iterations)\n\n",
			s.ID, s.Mode, s.Tier, s.MaxIterations)
		printDecision(cmd.OutOrStdout(), d)
		return nil
	})
}

func runStartBuild(cmd *cobra.Command, _ []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		s, err := a.ctrl.StartBuild(ctx, id, buildGroup)
		if err != nil {
			return err
		}
		return printSession(cmd.OutOrStdout(), s)
	})
}

func runResume(cmd *cobra.Command, _ []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		s, err := a.ctrl.Resume(ctx, id, resumeExtra)
		if errors.Is(err, controller.ErrNoBudget) {
			return fmt.Errorf("%w: pass --extra to raise the ceiling", err)
		}
		if err != nil {
			return err
		}
		return printSession(cmd.OutOrStdout(), s)
	})
}

func runCancel(cmd *cobra.Command, _ []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		s, err := a.ctrl.Cancel(ctx, id, cancelDiscard)
		if err != nil {
			return err
		}
		if s == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "session %s discarded\n", id)
			return nil
		}
		return printSession(cmd.OutOrStdout(), s)
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app) error {
		if sessionID == "" {
			return listSessions(ctx, cmd.OutOrStdout(), a)
		}
		if err := printStatus(ctx, cmd.OutOrStdout(), a, sessionID); err != nil {
			return err
		}
		if !statusFollow {
			return nil
		}
		return followStatus(ctx, cmd.OutOrStdout(), a, sessionID)
	})
}

func listSessions(ctx context.Context, w io.Writer, a *app) error {
	all, err := a.sessions.List(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, all)
	}
	if len(all) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	for _, s := range all {
		fmt.Fprintf(w, "%-36s  %-15s  %3d/%-3d  %s\n", s.ID, s.Mode, s.Iteration, s.MaxIterations, oneLine(s.Task, 60))
	}
	return nil
}

func printStatus(ctx context.Context, w io.Writer, a *app, id string) error {
	st, err := a.ctrl.Status(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, st)
	}
	formatStatus(w, st)
	return nil
}

// followStatus reprints the status on every write to the session file
// until the session is removed or ctx is cancelled.
func followStatus(ctx context.Context, w io.Writer, a *app, id string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(a.sessions.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", a.sessions.Dir(), err)
	}
	target := filepath.Clean(a.sessions.Path(id))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove {
				fmt.Fprintf(w, "session %s removed\n", id)
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fmt.Fprintln(w)
			if err := printStatus(ctx, w, a, id); err != nil {
				a.logger.Warn(ctx, "reading session failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn(ctx, "watch error", zap.Error(err))
		}
	}
}

func formatStatus(w io.Writer, st controller.Status) {
	s := st.Session
	fmt.Fprintf(w, "session:    %s\n", s.ID)
	fmt.Fprintf(w, "mode:       %s\n", s.Mode)
	if s.Mode == session.Paused {
		fmt.Fprintf(w, "paused:     %s (from %s)\n", s.PauseReason, s.PausedFrom)
	}
	fmt.Fprintf(w, "task:       %s\n", oneLine(s.Task, 72))
	fmt.Fprintf(w, "tier:       %s (validation %s)\n", s.Tier, s.Validation)
	fmt.Fprintf(w, "iteration:  %d/%d\n", s.Iteration, s.MaxIterations)
	if s.GroupRef != "" {
		fmt.Fprintf(w, "group:      %s\n", s.GroupRef)
	}
	if st.Progress != nil {
		fmt.Fprintf(w, "progress:   %.0f%%\n", *st.Progress)
	}
	if s.CurrentUnit != "" {
		fmt.Fprintf(w, "unit:       %s\n", s.CurrentUnit)
	}
	if st.Attempts != nil {
		fmt.Fprintf(w, "attempts:   %d failed, %d rejected\n", st.Attempts.Failures, st.Attempts.Rejections)
	}
	if s.Lease != nil {
		fmt.Fprintf(w, "worktree:   %s (%s)\n", s.Lease.Path, s.Lease.Branch)
	}
}

func printSession(w io.Writer, s *session.Session) error {
	if jsonOutput {
		return printJSON(w, s)
	}
	formatStatus(w, controller.Status{Session: s})
	return nil
}

func printDecision(w io.Writer, d controller.Decision) {
	if d.Continues() {
		fmt.Fprintln(w, d.Directive)
		return
	}
	fmt.Fprintf(w, "halted (%s): %s\n", d.Reason, d.Message)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
