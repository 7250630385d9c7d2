// Package sched executes a DAG bundle: it dispatches ready steps, suspends
// call steps on their sub-DAGs, bounds AI-tagged steps with a FIFO admission
// queue, and skips steps a prior run already completed.
//
// The scheduler is single-threaded with respect to its ready-queue: one
// goroutine per DAG owns the dispatch loop, workers only report completions
// back over a channel. Shared state (run store, AI tokens, restart context)
// is concurrency-safe by construction.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/google/shlex"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/restart"
	"github.com/pennyworth-tech/agent-arborist/internal/runstore"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
)

// DefaultMaxAITasks bounds concurrently running AI-tagged steps.
const DefaultMaxAITasks = 2

// DefaultStepTimeout bounds one step invocation.
const DefaultStepTimeout = time.Hour

// Engine executes one bundle against one run store.
type Engine struct {
	Bundle *dagbuild.Bundle
	Store  *runstore.Store
	Proc   proc.Runner
	// Restart, when non-nil, supplies skip-if-already-done decisions.
	Restart *restart.Context

	MaxAITasks  int
	StepTimeout time.Duration
	Log         *zap.Logger

	// SkipSteps names root-DAG steps to bypass (used by dag run --no-finalize).
	SkipSteps map[string]bool

	aiSem *semaphore.Weighted
}

// stepOutcome travels from a worker back to its DAG's dispatch loop.
type stepOutcome struct {
	name    string
	success bool
	err     string
}

// Execute runs the bundle's root DAG to completion. It returns an error when
// any step failed or was blocked, after all records are written.
func (e *Engine) Execute(ctx context.Context) error {
	if e.Log == nil {
		e.Log = zap.NewNop()
	}
	max := e.MaxAITasks
	if max <= 0 {
		max = DefaultMaxAITasks
	}
	e.aiSem = semaphore.NewWeighted(int64(max))

	err := e.runDAG(ctx, &e.Bundle.Root)

	status := runstore.StatusSuccess
	if err != nil {
		status = runstore.StatusFailed
	}
	if ctx.Err() != nil {
		status = runstore.StatusFailed
	}
	if ferr := e.Store.Finish(status); ferr != nil {
		e.Log.Warn("finishing run record", zap.Error(ferr))
	}
	if ctx.Err() != nil {
		return errors.NewRuntimeError(errors.KindCancelled + ": run cancelled")
	}
	return err
}

// runDAG owns one DAG's dispatch loop. Workers execute steps concurrently;
// only this loop mutates the DAG's completion state.
func (e *Engine) runDAG(ctx context.Context, d *dagbuild.SubDAG) error {
	completed := make(map[string]bool, len(d.Steps))
	failed := make(map[string]bool, len(d.Steps))
	started := make(map[string]bool, len(d.Steps))

	outcomes := make(chan stepOutcome, len(d.Steps))
	var wg sync.WaitGroup
	inFlight := 0

	ready := func() []*dagbuild.Step {
		var out []*dagbuild.Step
		for i := range d.Steps {
			s := &d.Steps[i]
			if started[s.Name] {
				continue
			}
			ok := true
			for _, dep := range s.Depends {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, s)
			}
		}
		return out
	}

	launch := func(s *dagbuild.Step) {
		started[s.Name] = true
		inFlight++
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- e.runStep(ctx, d, s)
		}()
	}

	for {
		if ctx.Err() == nil {
			for _, s := range ready() {
				launch(s)
			}
		}
		if inFlight == 0 {
			break
		}
		out := <-outcomes
		inFlight--
		if out.success {
			completed[out.name] = true
		} else {
			failed[out.name] = true
		}
	}
	wg.Wait()

	// Steps whose dependencies failed never ran; record them as pending so
	// the restart oracle re-runs them next time.
	for i := range d.Steps {
		s := &d.Steps[i]
		if started[s.Name] {
			continue
		}
		rec := runstore.StatusPending
		_ = e.Store.StepFinished(d.Name, s.Name, rec, -1, "blocked by failed dependency", nil)
	}

	if ctx.Err() != nil {
		return errors.NewRuntimeError(errors.KindCancelled + ": DAG " + d.Name + " cancelled")
	}
	if len(failed) > 0 {
		var names []string
		for n := range failed {
			names = append(names, n)
		}
		return errors.NewRuntimeError(
			fmt.Sprintf("DAG %s: %d step(s) failed: %s", d.Name, len(failed), strings.Join(names, ", ")))
	}
	return nil
}

// runStep executes one step: restart replay, sub-DAG call, or command.
func (e *Engine) runStep(ctx context.Context, d *dagbuild.SubDAG, s *dagbuild.Step) stepOutcome {
	// Restart skip: a step the prior run completed replays its output with
	// no external effects. This is the at-most-once guarantee.
	if prior := e.priorCompletion(d.Name, s.Name); prior != nil {
		e.Log.Info("skipping step from prior run",
			zap.String("dag", d.Name), zap.String("step", s.Name))
		output := prior.RawOutput
		if len(output) > 0 {
			if parsed, err := steps.Decode(output); err == nil {
				steps.MarkSkipped(parsed, "prior run")
				if re, err := steps.Encode(parsed); err == nil {
					output = re
				}
			}
		}
		_ = e.Store.StepStarted(d.Name, s.Name)
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusSkipped, 0, "", output)
		return stepOutcome{name: s.Name, success: true}
	}

	if e.SkipSteps[s.Name] && d.IsRoot {
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusSkipped, 0, "", nil)
		return stepOutcome{name: s.Name, success: true}
	}

	if s.IsCall() {
		return e.runCallStep(ctx, d, s)
	}
	return e.runExecStep(ctx, d, s)
}

// runCallStep suspends on the named sub-DAG until its terminal step is done.
func (e *Engine) runCallStep(ctx context.Context, d *dagbuild.SubDAG, s *dagbuild.Step) stepOutcome {
	sub := e.Bundle.SubDAG(s.Call)
	if sub == nil {
		msg := fmt.Sprintf("%s: call target %q missing", errors.KindPlan, s.Call)
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, msg, nil)
		return stepOutcome{name: s.Name, err: msg}
	}

	_ = e.Store.StepStarted(d.Name, s.Name)
	err := e.runDAG(ctx, sub)
	if err != nil {
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, err.Error(), nil)
		return stepOutcome{name: s.Name, err: err.Error()}
	}
	_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusSuccess, 0, "", nil)
	return stepOutcome{name: s.Name, success: true}
}

// runExecStep launches the step's command, capturing its JSON result.
func (e *Engine) runExecStep(ctx context.Context, d *dagbuild.SubDAG, s *dagbuild.Step) stepOutcome {
	// AI queue admission. Acquire is FIFO; release is deferred so every exit
	// path (success, failure, cancellation) returns the token.
	if s.Queue == dagbuild.QueueAI {
		if err := e.aiSem.Acquire(ctx, 1); err != nil {
			msg := errors.KindCancelled + ": cancelled while queued"
			_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, msg, nil)
			return stepOutcome{name: s.Name, err: msg}
		}
		defer e.aiSem.Release(1)
	}

	if ctx.Err() != nil {
		msg := errors.KindCancelled + ": not started"
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, msg, nil)
		return stepOutcome{name: s.Name, err: msg}
	}

	argv, err := shlex.Split(s.Command)
	if err != nil || len(argv) == 0 {
		msg := fmt.Sprintf("%s: invalid command %q", errors.KindPlan, s.Command)
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, msg, nil)
		return stepOutcome{name: s.Name, err: msg}
	}

	_ = e.Store.StepStarted(d.Name, s.Name)
	e.Log.Info("running step", zap.String("dag", d.Name), zap.String("step", s.Name))

	timeout := e.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	res := e.Proc.Run(ctx, proc.Spec{
		Argv:    argv,
		Env:     expandEnv(d.Env),
		Timeout: timeout,
		Stdin:   proc.StdinDevNull,
	})

	output := extractResultJSON(res.Stdout)

	switch {
	case ctx.Err() != nil:
		msg := errors.KindCancelled
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, res.ExitCode, msg, output)
		return stepOutcome{name: s.Name, err: msg}
	case res.Err != nil:
		msg := errors.KindSpawn + ": " + argv[0]
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, -1, msg, nil)
		return stepOutcome{name: s.Name, err: msg}
	case res.TimedOut:
		msg := fmt.Sprintf("%s: exceeded %s", errors.KindStepTimeout, timeout)
		_ = e.Store.StepFinished(d.Name, s.Name, runstore.StatusFailed, res.ExitCode, msg, output)
		return stepOutcome{name: s.Name, err: msg}
	}

	success := res.ExitCode == 0
	errMsg := ""
	if parsed, perr := steps.Decode(output); perr == nil {
		success = steps.Succeeded(parsed)
		errMsg = steps.ErrorOf(parsed)
	} else if !success {
		errMsg = strings.TrimSpace(string(res.Stderr))
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
	}

	status := runstore.StatusSuccess
	if !success {
		status = runstore.StatusFailed
	}
	_ = e.Store.StepFinished(d.Name, s.Name, status, res.ExitCode, errMsg, output)
	return stepOutcome{name: s.Name, success: success, err: errMsg}
}

func (e *Engine) priorCompletion(dagName, stepName string) *restart.StepCompletionState {
	if e.Restart == nil {
		return nil
	}
	return e.Restart.CompletedStep(dagName, stepName)
}

// extractResultJSON pulls the step's JSON result from stdout. Handlers print
// exactly one JSON object as their last line; anything before it is noise
// from subprocess passthrough.
func extractResultJSON(stdout []byte) []byte {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
			return []byte(line)
		}
	}
	return nil
}

// expandEnv resolves ${VAR} references in DAG env entries against the
// current process environment. Entries whose reference resolves empty are
// dropped so container forwarding stays minimal.
func expandEnv(entries []string) []string {
	var out []string
	for _, kv := range entries {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		expanded := os.Expand(val, func(name string) string {
			return os.Getenv(name)
		})
		if strings.Contains(val, "${") && expanded == "" {
			continue
		}
		out = append(out, key+"="+expanded)
	}
	return out
}
