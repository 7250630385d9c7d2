package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/home"
	"github.com/pennyworth-tech/agent-arborist/internal/hooks"
	"github.com/pennyworth-tech/agent-arborist/internal/manifest"
	"github.com/pennyworth-tech/agent-arborist/internal/output"
	"github.com/pennyworth-tech/agent-arborist/internal/restart"
	"github.com/pennyworth-tech/agent-arborist/internal/runstore"
	"github.com/pennyworth-tech/agent-arborist/internal/sched"
	"github.com/pennyworth-tech/agent-arborist/internal/state"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
)

var dagCmd = &cobra.Command{
	Use:   "dag",
	Short: "Build and execute the spec's DAG",
}

var (
	flagTreeFile   string
	flagNoFinalize bool
	flagRunID      string
	flagFollow     bool
)

var dagBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Generate the manifest and DAG bundle from a task tree",
	Long: `Reads a task tree (JSON produced by the spec parser or planner), computes
deterministic branch assignments, derives the DAG bundle, applies configured
hooks, and persists everything under the arborist home.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		if flagTreeFile == "" {
			return errors.NewArgumentErrorWithUsage(
				"a task tree file is required",
				"arborist dag build --tree <tree.json>",
			)
		}

		data, err := os.ReadFile(flagTreeFile)
		if err != nil {
			return errors.WrapWithMessage(err, errors.Argument, "reading task tree")
		}
		t, err := tree.Unmarshal(data)
		if err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return err
		}

		source := app.Env.SourceRev
		if branch, berr := app.Repo.CurrentBranch(cmd.Context(), app.Env.GitRoot); berr == nil && branch != "HEAD" {
			source = branch
		}

		m, err := manifest.Generate(app.Env.SpecID, t, source)
		if err != nil {
			return err
		}

		bundle, err := dagbuild.Build(dagbuild.Config{
			SpecID:  app.Env.SpecID,
			Review:  app.Env.Review,
			Cleanup: app.Env.Cleanup,
		}, t, m)
		if err != nil {
			return err
		}

		defs, err := hooks.LoadDefinitions(home.HooksDir(app.Env.Home))
		if err != nil {
			return err
		}
		injector := hooks.NewInjector(app.Env.Hooks, defs)
		if bundle, err = injector.Inject(bundle); err != nil {
			return err
		}

		if err := manifest.Save(m, manifest.DefaultPath(app.Env.Home, app.Env.SpecID)); err != nil {
			return err
		}
		treeData, err := t.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(app.treePath(), treeData, 0o644); err != nil {
			return errors.WrapWithMessage(err, errors.Runtime, "writing task tree")
		}
		bundlePath := dagbuild.BundlePath(home.DagsDir(app.Env.Home), app.Env.SpecID)
		if err := dagbuild.Save(bundle, bundlePath); err != nil {
			return err
		}

		fmt.Printf("Built DAG for %s: %d tasks, bundle at %s\n",
			app.Env.SpecID, len(m.Tasks), bundlePath)
		fmt.Println(injector.Summary())
		return nil
	},
}

var dagRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the spec's DAG",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDAG(cmd, "")
	},
}

var dagRestartCmd = &cobra.Command{
	Use:   "restart <run-id>",
	Short: "Re-execute the DAG, skipping steps the prior run completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDAG(cmd, args[0])
	},
}

// runDAG is the shared body of dag run and dag restart.
func runDAG(cmd *cobra.Command, restartFrom string) error {
	app, err := buildAppContext()
	if err != nil {
		return err
	}
	if err := app.requireSpec(); err != nil {
		return err
	}

	bundle, err := dagbuild.Load(dagbuild.BundlePath(home.DagsDir(app.Env.Home), app.Env.SpecID))
	if err != nil {
		return err
	}

	runsDir := home.RunsDir(app.Env.Home, app.Env.SpecID)

	runID := flagRunID
	if runID == "" {
		runID = runstore.NewRunID()
	}
	store, err := runstore.Open(runsDir, app.Env.SpecID, runID)
	if err != nil {
		return err
	}

	var rc *restart.Context
	if restartFrom != "" {
		prior, err := runstore.LoadState(runsDir, restartFrom)
		if err != nil {
			return err
		}
		priorStore, err := runstore.Open(runsDir, app.Env.SpecID, restartFrom)
		if err != nil {
			return err
		}
		rc = restart.Build(prior, bundle, priorStore.ReadOutput)
		rc.ValidateIntegrity(cmd.Context(), app.Repo, app.Env.GitRoot)
	}

	// Fence the run's state scan with the run-start sentinel.
	oracle := state.NewOracle(app.Repo)
	if _, err := oracle.RunStartSHA(cmd.Context(), app.Env.GitRoot, app.Env.SpecID, true); err != nil {
		app.Log.Warn("could not create run-start commit: " + err.Error())
	}

	skip := map[string]bool{}
	if flagNoFinalize {
		skip[dagbuild.StepFinalize] = true
	}

	engine := &sched.Engine{
		Bundle:      bundle,
		Store:       store,
		Proc:        app.Proc,
		Restart:     rc,
		MaxAITasks:  app.Env.MaxAITasks,
		StepTimeout: app.Env.StepTimeout,
		Log:         app.Log,
		SkipSteps:   skip,
	}

	sp := spinner.New(spinner.CharSets[14], 120*time.Millisecond,
		spinner.WithWriter(os.Stderr))
	sp.Suffix = fmt.Sprintf(" running %s (run %s)", app.Env.SpecID, runID)
	sp.Start()
	execErr := engine.Execute(cmd.Context())
	sp.Stop()

	if t, terr := app.loadTree(); terr == nil {
		if states, _, serr := oracle.ScanTaskStates(cmd.Context(), t, app.Env.GitRoot, app.Env.SpecID, scanBaseRef(app)); serr == nil {
			fmt.Fprintln(os.Stderr)
			output.RenderSummary(os.Stderr, states)
		}
	}
	if execErr != nil {
		return execErr
	}
	fmt.Printf("Run %s completed\n", runID)
	return nil
}

var dagLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show a run's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		runDir := home.RunsDir(app.Env.Home, app.Env.SpecID) + "/" + args[0]
		return runstore.Tail(cmd.Context(), runDir, flagFollow, os.Stdout)
	},
}

var dagRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List run ids for the spec",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := app.requireSpec(); err != nil {
			return err
		}
		ids, err := runstore.ListRuns(home.RunsDir(app.Env.Home, app.Env.SpecID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	dagBuildCmd.Flags().StringVar(&flagTreeFile, "tree", "", "task tree JSON file")
	dagRunCmd.Flags().BoolVar(&flagNoFinalize, "no-finalize", false, "skip the finalize step")
	dagRunCmd.Flags().StringVar(&flagRunID, "run-id", "", "explicit run id (default: generated)")
	dagRestartCmd.Flags().StringVar(&flagRunID, "run-id", "", "run id for the new attempt (default: generated)")
	dagLogsCmd.Flags().BoolVar(&flagFollow, "follow", false, "keep streaming new log lines")

	dagCmd.AddCommand(dagBuildCmd)
	dagCmd.AddCommand(dagRunCmd)
	dagCmd.AddCommand(dagRestartCmd)
	dagCmd.AddCommand(dagLogsCmd)
	dagCmd.AddCommand(dagRunsCmd)
	rootCmd.AddCommand(dagCmd)
}
