package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/controller"
)

var failSummary string

// unitCmd groups work unit commands issued by the agent
var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Close or fail the current work unit",
}

// unitCloseCmd submits a unit for closure
var unitCloseCmd = &cobra.Command{
	Use:   "close [unit-id]",
	Short: "Close a unit, reviewing it first when validation is on",
	Long: `Close a work unit. When the session requires validation the unit's diff is
reviewed against its acceptance criteria first; a rejection is recorded and
the unit stays open. The unit defaults to the session's current unit.

Examples:
  ralph unit close --session abc
  ralph unit close --session abc bd-42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnitClose,
}

// unitFailCmd records a failed attempt
var unitFailCmd = &cobra.Command{
	Use:   "fail [unit-id]",
	Short: "Record a failed attempt at a unit",
	Long: `Record a failed attempt. The second failure of a unit blocks it and the loop
moves on to other work.

Examples:
  ralph unit fail --session abc --summary "tests still red after refactor"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnitFail,
}

func init() {
	unitFailCmd.Flags().StringVar(&failSummary, "summary", "", "what went wrong")
	unitCmd.AddCommand(unitCloseCmd)
	unitCmd.AddCommand(unitFailCmd)
}

func unitArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ""
}

func runUnitClose(cmd *cobra.Command, args []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		res, err := a.ctrl.CloseUnit(ctx, id, unitArg(args))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		formatCloseResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runUnitFail(cmd *cobra.Command, args []string) error {
	id, err := requireSession()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		out, err := a.ctrl.ReportFailure(ctx, id, unitArg(args), failSummary)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), out)
		}
		formatOutcome(cmd.OutOrStdout(), out)
		return nil
	})
}

func formatCloseResult(w io.Writer, res controller.CloseResult) {
	switch {
	case res.Closed && res.Verdict != nil:
		fmt.Fprintf(w, "%s approved and closed\n", res.UnitID)
	case res.Closed:
		fmt.Fprintf(w, "%s closed\n", res.UnitID)
	case res.Verdict != nil:
		fmt.Fprintf(w, "%s rejected: %s\n", res.UnitID, res.Verdict.Feedback)
		if res.Outcome != nil {
			formatOutcome(w, *res.Outcome)
		}
	}
}

func formatOutcome(w io.Writer, out breaker.Outcome) {
	switch {
	case !out.Recorded:
		fmt.Fprintln(w, "unit is already blocked; nothing recorded")
	case out.Tripped:
		fmt.Fprintf(w, "%s attempt %d/%d: unit blocked, move on to other work\n", out.Kind, out.Attempts, breaker.Threshold)
	default:
		fmt.Fprintf(w, "%s attempt %d/%d: unit reopened for retry\n", out.Kind, out.Attempts, breaker.Threshold)
	}
}
