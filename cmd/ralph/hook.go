package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/controller"
	"github.com/fyrsmithlabs/ralph/internal/hooks"
	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/session"
)

// hookCmd is the host hook entry point
var hookCmd = &cobra.Command{
	Use:   "hook <stop|session-end>",
	Short: "Handle a host lifecycle hook",
	Long: `Read a hook payload on stdin and answer the host.

On Stop the worker's final message is evaluated. When the session should
continue, the reply blocks the stop and carries the next directive; otherwise
the host is allowed to stop, with a system message explaining why. Sessions
ralph does not know are ignored.

On SessionEnd the session is paused and its worktree released without
publishing.

Examples:
  # settings.json hook commands
  ralph hook stop
  ralph hook session-end`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHook,
}

func runHook(cmd *cobra.Command, args []string) error {
	in, err := hooks.ReadInput(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		ev, err := hooks.ParseHookType(args[0])
		if err != nil {
			return err
		}
		in.Event = ev
	}
	if sessionID != "" {
		in.SessionID = sessionID
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		resp, err := newHookManager(a.ctrl, a.logger).Execute(ctx, in)
		if err != nil {
			return err
		}
		return resp.Write(cmd.OutOrStdout())
	})
}

// newHookManager registers the Stop and SessionEnd handlers for ctrl.
func newHookManager(ctrl *controller.Controller, logger *logging.Logger) *hooks.HookManager {
	mgr := hooks.NewHookManager()
	mgr.RegisterHandler(hooks.HookStop, stopHandler(ctrl, logger))
	mgr.RegisterHandler(hooks.HookSessionEnd, sessionEndHandler(ctrl))
	return mgr
}

// unknownSession reports errors meaning the host session is not one of ours.
func unknownSession(err error) bool {
	return errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidID)
}

func stopHandler(ctrl *controller.Controller, logger *logging.Logger) hooks.HookHandler {
	return func(ctx context.Context, in hooks.Input) (hooks.Response, error) {
		output, err := in.WorkerOutput()
		if err != nil {
			// A missing transcript still counts as a turn without a signal.
			logger.Warn(ctx, "reading worker output failed", zap.Error(err))
		}
		d, err := ctrl.Evaluate(ctx, in.SessionID, controller.WorkerResult{Output: output})
		if unknownSession(err) {
			return hooks.Response{}, nil
		}
		if err != nil {
			return hooks.Response{}, err
		}
		return decisionResponse(d), nil
	}
}

func sessionEndHandler(ctrl *controller.Controller) hooks.HookHandler {
	return func(ctx context.Context, in hooks.Input) (hooks.Response, error) {
		_, err := ctrl.Teardown(ctx, in.SessionID)
		if unknownSession(err) {
			return hooks.Response{}, nil
		}
		return hooks.Response{}, err
	}
}

// decisionResponse maps a decision onto the hook reply. Inactive sessions
// stop silently.
func decisionResponse(d controller.Decision) hooks.Response {
	switch {
	case d.Continues():
		return hooks.Response{Block: true, Reason: d.Directive}
	case d.Reason == controller.ReasonNotActive:
		return hooks.Response{}
	default:
		return hooks.Response{SystemMessage: "ralph: " + d.Message}
	}
}
