package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/home"
	"github.com/pennyworth-tech/agent-arborist/internal/hooks"
	"github.com/pennyworth-tech/agent-arborist/internal/runner"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Execute and inspect hook steps",
}

var (
	flagHookDefinition string
	flagHookRef        string
	flagHookTask       string
)

var hooksRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a hook step definition and print its JSON result",
	Long: `Executes a hook definition passed inline (--definition) or by name
(--ref, resolved from the hooks directory). Injected DAG steps re-invoke this
command.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}

		var def hooks.StepDefinition
		switch {
		case flagHookDefinition != "":
			if err := json.Unmarshal([]byte(flagHookDefinition), &def); err != nil {
				return errors.WrapWithMessage(err, errors.Argument, "parsing --definition")
			}
		case flagHookRef != "":
			defs, err := hooks.LoadDefinitions(home.HooksDir(app.Env.Home))
			if err != nil {
				return err
			}
			named, ok := defs[flagHookRef]
			if !ok {
				return errors.NewArgumentError("unknown hook definition " + flagHookRef)
			}
			def = named
		default:
			return errors.NewArgumentErrorWithUsage(
				"a hook definition is required",
				"arborist hooks run --definition '<json>' | --ref <name>",
			)
		}
		if err := def.Validate(); err != nil {
			return err
		}

		hctx := hooks.ExecContext{
			SpecID: app.Env.SpecID,
			TaskID: flagHookTask,
			Home:   app.Env.Home,
		}
		if flagHookTask != "" {
			if m, merr := app.loadManifest(); merr == nil {
				if assign, ok := m.Task(flagHookTask); ok {
					hctx.Branch = assign.Branch
					hctx.ParentBranch = assign.ParentBranch
				}
			}
			if sc, serr := app.stepContext(flagHookTask, "hook"); serr == nil {
				hctx.WorktreePath = sc.WorktreePath(flagHookTask)
			}
		}
		if hctx.WorktreePath == "" {
			hctx.WorktreePath = app.Env.GitRoot
		}

		runnerName, model := app.Env.StepRunnerModel("hook")
		r, err := runner.Get(runnerName)
		if err != nil {
			return err
		}

		exec := &hooks.Executor{Proc: app.Proc, Runner: r, Model: model}
		res := exec.Execute(cmd.Context(), def, hctx)

		data, err := steps.Encode(res)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		os.Stdout.Write([]byte("\n"))
		if !steps.Succeeded(res) {
			return errors.NewRuntimeError(steps.ErrorOf(res))
		}
		return nil
	},
}

func init() {
	hooksRunCmd.Flags().StringVar(&flagHookDefinition, "definition", "", "inline JSON step definition")
	hooksRunCmd.Flags().StringVar(&flagHookRef, "ref", "", "named definition from the hooks directory")
	hooksRunCmd.Flags().StringVar(&flagHookTask, "task", "", "task id the hook runs against")

	hooksCmd.AddCommand(hooksRunCmd)
	rootCmd.AddCommand(hooksCmd)
}
