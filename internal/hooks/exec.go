package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/runner"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
)

// ExecContext is what a hook step knows about its surroundings. It is also
// the JSON payload plugin commands receive on stdin.
type ExecContext struct {
	SpecID       string `json:"spec_id"`
	TaskID       string `json:"task_id,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Branch       string `json:"branch,omitempty"`
	ParentBranch string `json:"parent_branch,omitempty"`
	Home         string `json:"home"`
}

// variables returns the substitution map for prompt/command templates.
func (c *ExecContext) variables() map[string]string {
	return map[string]string{
		"spec_id":       c.SpecID,
		"task_id":       c.TaskID,
		"worktree_path": c.WorktreePath,
		"branch":        c.Branch,
		"parent_branch": c.ParentBranch,
		"home":          c.Home,
	}
}

var templateVar = regexp.MustCompile(`\{\{(\w+)\}\}`)

// substitute replaces {{name}} template variables.
func substitute(s string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.Trim(m, "{}")
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// DefaultTimeout bounds hook execution when the definition sets none.
const DefaultTimeout = 10 * time.Minute

// Executor runs resolved hook definitions.
type Executor struct {
	Proc   proc.Runner
	Runner runner.Runner
	Model  string
}

// Execute dispatches on the definition kind and returns the step result.
func (e *Executor) Execute(ctx context.Context, def StepDefinition, hctx ExecContext) steps.Result {
	switch def.Kind {
	case KindShell:
		return e.execShell(ctx, def, hctx)
	case KindLLMEval:
		return e.execLLMEval(ctx, def, hctx)
	case KindQualityCheck:
		return e.execQualityCheck(ctx, def, hctx)
	case KindPlugin:
		return e.execPlugin(ctx, def, hctx)
	}
	res := &steps.ShellHookResult{}
	res.Kind = steps.KindShellHook
	res.Error = fmt.Sprintf("unknown hook kind %q", def.Kind)
	return res
}

func (e *Executor) timeout(def StepDefinition) time.Duration {
	if def.Timeout > 0 {
		return time.Duration(def.Timeout) * time.Second
	}
	return DefaultTimeout
}

func (e *Executor) runCommand(ctx context.Context, def StepDefinition, hctx ExecContext) (proc.Result, string, error) {
	command := substitute(def.Command, hctx.variables())
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return proc.Result{}, command, fmt.Errorf("invalid hook command %q", command)
	}
	dir := hctx.WorktreePath
	res := e.Proc.Run(ctx, proc.Spec{
		Argv:    argv,
		Dir:     dir,
		Timeout: e.timeout(def),
		Stdin:   proc.StdinDevNull,
	})
	return res, command, nil
}

func (e *Executor) execShell(ctx context.Context, def StepDefinition, hctx ExecContext) steps.Result {
	out := &steps.ShellHookResult{}
	out.Kind = steps.KindShellHook
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)

	res, command, err := e.runCommand(ctx, def, hctx)
	out.Command = command
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.ReturnCode = res.ExitCode
	out.Stdout = string(res.Stdout)
	out.Stderr = string(res.Stderr)
	out.DurationSeconds = res.Duration.Seconds()
	out.Success = res.Success()
	if !out.Success && out.Error == "" {
		out.Error = fmt.Sprintf("hook command exited %d", res.ExitCode)
	}
	return out
}

// scoreLine matches "SCORE: 8.5" style output from evaluators.
var scoreLine = regexp.MustCompile(`(?mi)^\s*SCORE:\s*([0-9]+(?:\.[0-9]+)?)`)

func (e *Executor) execLLMEval(ctx context.Context, def StepDefinition, hctx ExecContext) steps.Result {
	out := &steps.LLMEvalResult{}
	out.Kind = steps.KindLLMEval
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)
	out.Runner = e.Runner.Name()
	out.Model = e.Model

	prompt := substitute(def.Prompt, hctx.variables())
	iv := &runner.Invoker{Proc: e.Proc}
	res := iv.Invoke(ctx, e.Runner, prompt, e.Model, hctx.WorktreePath, e.timeout(def))
	out.DurationSeconds = res.Duration.Seconds()
	out.RawResponse = res.Output
	if !res.Success {
		out.Error = res.Error
		return out
	}

	if m := scoreLine.FindStringSubmatch(res.Output); len(m) == 2 {
		out.Score, _ = strconv.ParseFloat(m[1], 64)
	}
	out.Summary = firstNonScoreLine(res.Output)
	out.Success = true
	return out
}

func firstNonScoreLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || scoreLine.MatchString(line) {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}

func (e *Executor) execQualityCheck(ctx context.Context, def StepDefinition, hctx ExecContext) steps.Result {
	out := &steps.QualityCheckResult{}
	out.Kind = steps.KindQualityCheck
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)
	out.MinScore = def.MinScore

	res, command, err := e.runCommand(ctx, def, hctx)
	out.Command = command
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.ReturnCode = res.ExitCode
	out.Output = string(res.Stdout)
	out.DurationSeconds = res.Duration.Seconds()

	if m := scoreLine.FindStringSubmatch(out.Output); len(m) == 2 {
		out.Score, _ = strconv.ParseFloat(m[1], 64)
	}
	out.Passed = res.Success() && (def.MinScore == 0 || out.Score >= def.MinScore)
	out.Success = out.Passed
	if !out.Success && out.Error == "" {
		out.Error = fmt.Sprintf("quality check scored %.2f below minimum %.2f", out.Score, def.MinScore)
	}
	return out
}

func (e *Executor) execPlugin(ctx context.Context, def StepDefinition, hctx ExecContext) steps.Result {
	out := &steps.PluginResult{}
	out.Kind = steps.KindPlugin
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)

	command := substitute(def.Command, hctx.variables())
	out.Command = command
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		out.Error = fmt.Sprintf("invalid plugin command %q", command)
		return out
	}

	payload, err := json.Marshal(hctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	res := e.Proc.Run(ctx, proc.Spec{
		Argv:      argv,
		Dir:       hctx.WorktreePath,
		Timeout:   e.timeout(def),
		Stdin:     proc.StdinPipe,
		StdinData: payload,
	})
	out.DurationSeconds = res.Duration.Seconds()
	if !res.Success() {
		out.Error = fmt.Sprintf("plugin exited %d: %s", res.ExitCode,
			strings.TrimSpace(string(res.Stderr)))
		return out
	}

	// Plugins may emit structured data; keep it verbatim.
	trimmed := strings.TrimSpace(string(res.Stdout))
	if json.Valid([]byte(trimmed)) {
		out.Data = json.RawMessage(trimmed)
	}
	out.Success = true
	return out
}
