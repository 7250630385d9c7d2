package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/steps"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run individual pipeline steps for a task",
	Long: `Pipeline step commands. The workflow engine invokes these; each prints
exactly one JSON step result on stdout.`,
}

// stepRunner adapts a step handler to a cobra command body.
func stepRunner(stepName string, run func(context.Context, *steps.Context) steps.Result) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		sc, err := app.stepContext(args[0], stepName)
		if err != nil {
			return err
		}
		return emitResult(run(cmd.Context(), sc))
	}
}

func init() {
	taskCmd.AddCommand(&cobra.Command{
		Use:   "pre-sync <task-id>",
		Short: "Ensure the task worktree exists at its branch, synced from the parent",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("pre-sync", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.PreSync(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "container-up <task-id>",
		Short: "Start the devcontainer for the task worktree when container mode is active",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("container-up", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.ContainerUp(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "run <task-id>",
		Short: "Invoke the implement runner with the task description",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("run", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.Run(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "commit <task-id>",
		Short: "Stage and commit the runner's changes with pipeline trailers",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("commit", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.Commit(ctx, sc, 0)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "run-test <task-id>",
		Short: "Run the task's test commands, retrying the implement cycle on failure",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("run-test", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.RunTest(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "review <task-id>",
		Short: "Ask the review runner for a verdict on the task diff",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("review", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.Review(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "post-merge <task-id>",
		Short: "Merge the task branch into its parent branch with --no-ff",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("post-merge", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.PostMerge(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "post-cleanup <task-id>",
		Short: "Remove the task worktree and optionally its branch and container",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("post-cleanup", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.PostCleanup(ctx, sc)
		}),
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "complete <task-id>",
		Short: "Record an internal task's completion once its children merged",
		Args:  cobra.ExactArgs(1),
		RunE: stepRunner("complete", func(ctx context.Context, sc *steps.Context) steps.Result {
			return steps.CompleteParent(ctx, sc)
		}),
	})

	rootCmd.AddCommand(taskCmd)
}
