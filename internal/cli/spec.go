package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/output"
	"github.com/pennyworth-tech/agent-arborist/internal/state"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Spec-level operations: setup, scan, status, finalize",
}

var branchesSetupCmd = &cobra.Command{
	Use:   "branches-setup",
	Short: "Create the base branch the task branches fork from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		// Reuse the pipeline context sans task id for the shared plumbing.
		sc, err := app.stepContext("", "branches-setup")
		if err != nil {
			return err
		}
		if err := steps.SetupBranches(cmd.Context(), sc); err != nil {
			return err
		}
		fmt.Printf("{\"success\": true, \"base_branch\": %q}\n", sc.Manifest.BaseBranch)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Emit the spec's state document as JSON",
	Long: `Derives every task's state from commit trailers and prints the scan
document consumed by the dashboard. States come from commit history only; the
command reads the persisted task tree and, when a manifest exists, takes the
scan base from its source branch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		t, err := app.loadTree()
		if err != nil {
			return err
		}

		oracle := state.NewOracle(app.Repo)
		doc, err := oracle.Scan(cmd.Context(), t, app.Env.GitRoot, app.Env.SpecID, scanBaseRef(app))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a colored summary of task states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		t, err := app.loadTree()
		if err != nil {
			return err
		}

		oracle := state.NewOracle(app.Repo)
		states, _, err := oracle.ScanTaskStates(cmd.Context(), t, app.Env.GitRoot, app.Env.SpecID, scanBaseRef(app))
		if err != nil {
			return err
		}

		fmt.Printf("Spec: %s\n", app.Env.SpecID)
		for _, id := range t.ComputeExecutionOrder() {
			st, ok := states[id]
			if !ok {
				st = state.StatePending
			}
			fmt.Printf("  %-12s %s\n", id, output.ColoredState(st))
		}
		output.RenderSummary(os.Stdout, states)
		return nil
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Emit the end-of-run summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		t, err := app.loadTree()
		if err != nil {
			return err
		}

		oracle := state.NewOracle(app.Repo)
		states, _, err := oracle.ScanTaskStates(cmd.Context(), t, app.Env.GitRoot, app.Env.SpecID, scanBaseRef(app))
		if err != nil {
			return err
		}
		output.RenderSummary(os.Stderr, states)

		summary := map[string]any{"success": true, "tasks": len(states)}
		for id, st := range states {
			if st == state.StateFailed {
				summary["success"] = false
				summary["failed_task"] = id
			}
		}
		return json.NewEncoder(os.Stdout).Encode(summary)
	},
}

// scanBaseRef picks the scan base: the manifest's source branch when one
// exists, otherwise the configured source rev.
func scanBaseRef(app *appContext) string {
	if m, err := app.loadManifest(); err == nil && m.SourceBranch != "" {
		return m.SourceBranch
	}
	return app.Env.SourceRev
}

func init() {
	specCmd.AddCommand(branchesSetupCmd)
	specCmd.AddCommand(scanCmd)
	specCmd.AddCommand(statusCmd)
	specCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(specCmd)
}
