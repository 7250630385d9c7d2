package cli

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pennyworth-tech/agent-arborist/internal/config"
	"github.com/pennyworth-tech/agent-arborist/internal/container"
	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/home"
	"github.com/pennyworth-tech/agent-arborist/internal/logging"
	"github.com/pennyworth-tech/agent-arborist/internal/manifest"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/runner"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// appContext is everything a command needs, built once per invocation.
type appContext struct {
	Env  config.Environment
	Log  *zap.Logger
	Proc proc.Runner
	Repo *vcs.Git
}

// buildAppContext resolves home, loads configuration, and resolves the spec
// id from flag, environment, or the current branch.
func buildAppContext() (*appContext, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.WrapWithMessage(err, errors.Runtime, "getting working directory")
	}

	homeDir, err := home.Resolve(flagHome, cwd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.Debug = true
	}

	gitRoot := home.GitRoot(cwd)

	specID := flagSpec
	if specID == "" {
		specID = os.Getenv("ARBORIST_SPEC_ID")
	}
	if specID == "" {
		if branch := vcs.CurrentBranchFast(cwd); branch != "" {
			specID = vcs.SpecIDFromBranch(branch)
		}
	}

	env, err := config.NewEnvironment(cfg, homeDir, gitRoot, specID)
	if err != nil {
		return nil, err
	}

	log := logging.New(logging.Options{Debug: env.Debug})
	p := proc.New()

	return &appContext{
		Env:  env,
		Log:  log,
		Proc: p,
		Repo: vcs.NewGit(p),
	}, nil
}

// requireSpec fails when no spec id could be resolved.
func (a *appContext) requireSpec() error {
	if a.Env.SpecID == "" {
		return errors.NewArgumentError(
			"cannot determine spec id",
			"pass --spec, set ARBORIST_SPEC_ID, or run from a spec branch",
		)
	}
	return nil
}

// treePath is the task tree persisted beside the manifest at build time.
func (a *appContext) treePath() string {
	return filepath.Join(home.DagsDir(a.Env.Home), a.Env.SpecID+".tree.json")
}

// loadTree reads the persisted task tree for the spec.
func (a *appContext) loadTree() (*tree.TaskTree, error) {
	data, err := os.ReadFile(a.treePath())
	if err != nil {
		return nil, errors.WrapWithMessage(err, errors.Prerequisite,
			"task tree not found for spec "+a.Env.SpecID,
			"run arborist dag build first")
	}
	return tree.Unmarshal(data)
}

// loadManifest discovers and reads the spec's manifest.
func (a *appContext) loadManifest() (*manifest.Manifest, error) {
	path := manifest.Discover(a.Env.SpecID, a.Env.Home, a.Env.GitRoot)
	if path == "" {
		return nil, errors.NewPrerequisiteError(
			"no manifest found for spec "+a.Env.SpecID,
			"run arborist dag build first",
			"or set "+manifest.EnvVar,
		)
	}
	return manifest.Load(path)
}

// stepContext assembles the per-task pipeline context for a step command.
func (a *appContext) stepContext(taskID, stepName string) (*steps.Context, error) {
	if err := a.requireSpec(); err != nil {
		return nil, err
	}
	t, err := a.loadTree()
	if err != nil {
		return nil, err
	}
	m, err := a.loadManifest()
	if err != nil {
		return nil, err
	}

	runnerName, model := a.Env.StepRunnerModel(stepName)
	r, err := runner.Get(runnerName)
	if err != nil {
		return nil, err
	}

	return &steps.Context{
		SpecID:                  a.Env.SpecID,
		TaskID:                  taskID,
		Tree:                    t,
		Manifest:                m,
		Repo:                    a.Repo,
		Proc:                    a.Proc,
		Containers:              container.NewSupervisor(a.Proc),
		ContainerMode:           a.Env.ContainerMode,
		Runner:                  r,
		Model:                   model,
		GitRoot:                 a.Env.GitRoot,
		Home:                    a.Env.Home,
		MaxRetries:              a.Env.MaxRetries,
		RunnerTimeout:           a.Env.RunnerTimeout,
		TestTimeout:             a.Env.TestTimeout,
		DeleteBranchOnCleanup:   a.Env.DeleteBranchOnCleanup,
		ResolveConflictsWithLLM: a.Env.ResolveConflictsWithLLM,
		Log:                     a.Log,
	}, nil
}

// emitResult prints the step's JSON result on stdout (the contract every
// step honors: exactly one JSON object) and converts failure to an error.
func emitResult(res steps.Result) error {
	data, err := steps.Encode(res)
	if err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "encoding step result")
	}
	os.Stdout.Write(data)
	os.Stdout.Write([]byte("\n"))
	if !steps.Succeeded(res) {
		return errors.NewRuntimeError(steps.ErrorOf(res))
	}
	return nil
}
