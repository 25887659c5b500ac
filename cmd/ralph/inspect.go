package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ralph/internal/budget"
	"github.com/fyrsmithlabs/ralph/internal/complexity"
	"github.com/fyrsmithlabs/ralph/internal/project"
)

var (
	budgetTier           string
	budgetSkipValidation bool
	budgetForce          bool
)

// classifyCmd prints the complexity tier of a task description
var classifyCmd = &cobra.Command{
	Use:   "classify <task description>",
	Short: "Classify a task description into a complexity tier",
	Long: `Print the complexity tier ralph would assign to a task, with its planning and
building budgets.

Examples:
  ralph classify "fix typo in README"
  ralph classify --json "rotate the signing keys"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

// budgetCmd prints the iteration budget table
var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show iteration budgets and validation per tier",
	Long: `Show the planning and building iteration ceilings and the validation
requirement for each complexity tier, or for one tier with --tier.

Examples:
  ralph budget
  ralph budget --tier critical --skip-validation`,
	RunE: runBudget,
}

// detectCmd prints the project's test framework
var detectCmd = &cobra.Command{
	Use:   "detect-framework",
	Short: "Detect the project's test framework",
	Long: `Detect the test framework from marker files in the project directory and
print the command building directives tell the agent to run.

Examples:
  ralph detect-framework --project ./service`,
	RunE: runDetect,
}

func init() {
	budgetCmd.Flags().StringVar(&budgetTier, "tier", "", "show a single tier")
	budgetCmd.Flags().BoolVar(&budgetSkipValidation, "skip-validation", false, "apply a skip-validation request")
	budgetCmd.Flags().BoolVar(&budgetForce, "force-validation", false, "apply a force-validation request")
}

type tierBudget struct {
	Tier       complexity.Tier   `json:"tier"`
	Planning   int               `json:"planning_iterations"`
	Building   int               `json:"building_iterations"`
	Validation budget.Validation `json:"validation"`
}

func budgetFor(tier complexity.Tier, o budget.Overrides) tierBudget {
	plan, build := budget.Limits(tier)
	b, _ := budget.For(budget.Building, tier)
	return tierBudget{Tier: tier, Planning: plan, Building: build, Validation: b.Apply(o)}
}

func runClassify(cmd *cobra.Command, args []string) error {
	tb := budgetFor(complexity.Classify(strings.Join(args, " ")), budget.Overrides{})
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), tb)
	}
	writeBudgets(cmd.OutOrStdout(), []tierBudget{tb})
	return nil
}

func runBudget(cmd *cobra.Command, _ []string) error {
	tiers := []complexity.Tier{complexity.Trivial, complexity.Simple, complexity.Standard, complexity.Critical}
	if budgetTier != "" {
		t, err := complexity.ParseTier(budgetTier)
		if err != nil {
			return err
		}
		tiers = []complexity.Tier{t}
	}
	o := budget.Overrides{SkipValidation: budgetSkipValidation, ForceValidation: budgetForce}
	rows := make([]tierBudget, 0, len(tiers))
	for _, t := range tiers {
		rows = append(rows, budgetFor(t, o))
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	writeBudgets(cmd.OutOrStdout(), rows)
	return nil
}

func writeBudgets(w io.Writer, rows []tierBudget) {
	fmt.Fprintf(w, "%-9s  %8s  %8s  %s\n", "TIER", "PLANNING", "BUILDING", "VALIDATION")
	for _, r := range rows {
		fmt.Fprintf(w, "%-9s  %8d  %8d  %s\n", r.Tier, r.Planning, r.Building, r.Validation)
	}
}

func runDetect(cmd *cobra.Command, _ []string) error {
	det := project.Detect(projectDir)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), det)
	}
	if det.Framework == project.None {
		fmt.Fprintln(cmd.OutOrStdout(), "no test framework detected")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", det.Framework, det.Marker, det.TestCommand)
	return nil
}
