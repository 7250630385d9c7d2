// Package runner abstracts the LLM CLIs (claude, opencode, gemini) that
// implement and review tasks. Each runner knows its own argv shape; the
// engine treats them uniformly through the Runner interface.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
)

// Default is the runner used when neither config nor ARBORIST_RUNNER selects one.
const Default = "claude"

// Result is the outcome of one prompt execution.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes a prompt against an LLM CLI.
type Runner interface {
	// Name is the registry key ("claude", "opencode", "gemini").
	Name() string
	// Available reports whether the CLI binary is on PATH.
	Available() bool
	// Argv builds the full command line for a prompt and optional model.
	Argv(prompt, model string) []string
}

// claudeRunner drives the Claude Code CLI: claude -p <prompt> [--model m].
type claudeRunner struct{}

func (claudeRunner) Name() string    { return "claude" }
func (claudeRunner) Available() bool { return onPath("claude") }
func (claudeRunner) Argv(prompt, model string) []string {
	argv := []string{"claude", "-p", prompt}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return argv
}

// opencodeRunner drives the OpenCode CLI: opencode run <prompt>.
type opencodeRunner struct{}

func (opencodeRunner) Name() string    { return "opencode" }
func (opencodeRunner) Available() bool { return onPath("opencode") }
func (opencodeRunner) Argv(prompt, model string) []string {
	argv := []string{"opencode", "run"}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return append(argv, prompt)
}

// geminiRunner drives the Gemini CLI: gemini [-m model] <prompt>.
type geminiRunner struct{}

func (geminiRunner) Name() string    { return "gemini" }
func (geminiRunner) Available() bool { return onPath("gemini") }
func (geminiRunner) Argv(prompt, model string) []string {
	argv := []string{"gemini"}
	if model != "" {
		argv = append(argv, "-m", model)
	}
	return append(argv, prompt)
}

func onPath(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// Get returns a runner by name.
func Get(name string) (Runner, error) {
	switch name {
	case "", Default:
		return claudeRunner{}, nil
	case "opencode":
		return opencodeRunner{}, nil
	case "gemini":
		return geminiRunner{}, nil
	}
	return nil, errors.NewConfigError(
		fmt.Sprintf("unknown runner %q", name),
		"valid runners: claude, opencode, gemini",
	)
}

// All returns every registered runner for availability probing.
func All() []Runner {
	return []Runner{claudeRunner{}, opencodeRunner{}, geminiRunner{}}
}

// Invoker executes prompts through a process runner, optionally wrapped for
// container execution by the caller.
type Invoker struct {
	Proc proc.Runner
	// WrapSpec, when non-nil, transforms the spec before execution
	// (container exec prefixing).
	WrapSpec func(proc.Spec) proc.Spec
}

// Invoke runs a prompt with the given runner in dir.
func (iv *Invoker) Invoke(ctx context.Context, r Runner, prompt, model, dir string, timeout time.Duration) Result {
	spec := proc.Spec{
		Argv:    r.Argv(prompt, model),
		Dir:     dir,
		Timeout: timeout,
		Stdin:   proc.StdinDevNull,
	}
	if iv.WrapSpec != nil {
		spec = iv.WrapSpec(spec)
	}

	res := iv.Proc.Run(ctx, spec)
	out := Result{
		Success:  res.Success(),
		Output:   string(res.Stdout),
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}
	switch {
	case res.Err != nil:
		out.Error = errors.KindSpawn + ": " + r.Name() + " not found in PATH"
	case res.TimedOut:
		out.Error = fmt.Sprintf("%s: %s exceeded %s", errors.KindRunnerTimeout, r.Name(), timeout)
	case res.ExitCode != 0:
		out.Error = fmt.Sprintf("%s: %s exited %d: %s",
			errors.KindRunnerFailure, r.Name(), res.ExitCode, truncate(string(res.Stderr), 400))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
