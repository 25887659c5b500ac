package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/controller"
	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/logging"
)

// runCmd drives a session with an external worker command
var runCmd = &cobra.Command{
	Use:   "run [-- worker command...]",
	Short: "Drive a session with a worker command until it halts",
	Long: `Run the loop without a host hook. Each directive is written to the worker
command's stdin and its stdout is evaluated as the turn's final message.
The worker defaults to worker.command from the config. A worker that exits
non-zero while building counts as a failed attempt at its unit.

SIGINT, SIGTERM and SIGHUP pause the session and release its worktree before
exiting. Resume it with ralph resume.

Examples:
  ralph run --session abc
  ralph run --session abc -- claude -p --output-format text`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		argv := args
		if len(argv) == 0 {
			argv = a.cfg.Worker.Command
		}
		if len(argv) == 0 {
			return fmt.Errorf("no worker command: pass one after -- or set worker.command")
		}

		st, err := a.ctrl.Status(ctx, id)
		if err != nil {
			return err
		}
		// A missing worktree is re-created at the same path by the first
		// evaluation, so only a live lease is adopted here.
		dir := a.cfg.Worktree.RepoDir
		if l := st.Session.Lease; l != nil && l.State != lease.StateReleased {
			if a.leases.Present(l) {
				a.leases.Adopt(l)
			}
			dir = l.Path
		}

		guard := lease.NewGuard(a.leases,
			lease.WithGuardLogger(a.logger.Named("guard")),
			lease.WithOnSignal(func(ctx context.Context) {
				if _, err := a.ctrl.Interrupt(ctx, id); err != nil {
					a.logger.Error(ctx, "failed to pause interrupted session", zap.Error(err))
				}
			}),
		)
		guard.Start(ctx)
		defer guard.Stop()

		ctx = logging.WithSessionID(ctx, id)
		a.logger.Info(ctx, "worker loop starting", zap.Strings("worker", argv), zap.String("dir", dir))

		d, err := a.ctrl.Run(ctx, id, controller.CommandWorker{Argv: argv, Dir: dir})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), d)
		}
		printDecision(cmd.OutOrStdout(), d)
		return nil
	})
}
