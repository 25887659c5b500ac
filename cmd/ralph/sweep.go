package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/session"
)

var sweepDryRun bool

// sweepCmd recovers worktrees orphaned by crashed processes
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release worktrees no session owns",
	Long: `Release every lease record whose worktree is not held by a session. Use this
after a crash left a worktree behind. Records whose acquiring process is still
running, or that were written in the last minute, are left alone.

Examples:
  ralph sweep --dry-run
  ralph sweep`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list orphaned leases without releasing them")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		all, err := a.sessions.List(ctx)
		if err != nil {
			return err
		}
		inUse := leaseOwners(all)

		sweeper := lease.NewSweeper(a.leases)
		var swept []lease.Record
		if sweepDryRun {
			swept, err = sweeper.Orphans(inUse)
		} else {
			swept, err = sweeper.Sweep(ctx, inUse)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), swept)
		}
		verb := "released"
		if sweepDryRun {
			verb = "orphaned"
		}
		for _, rec := range swept {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, rec.Path)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d lease(s) %s\n", len(swept), verb)
		return nil
	})
}

// leaseOwners reports a record as in use when a session still holds an
// unreleased lease on its path.
func leaseOwners(sessions []*session.Session) func(lease.Record) bool {
	held := make(map[string]struct{})
	for _, s := range sessions {
		if s.Lease != nil && s.Lease.State != lease.StateReleased {
			held[filepath.Clean(s.Lease.Path)] = struct{}{}
		}
	}
	return func(rec lease.Record) bool {
		_, ok := held[filepath.Clean(rec.Path)]
		return ok
	}
}
