package steps

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/container"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/state"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"

	"github.com/google/shlex"
)

// testTally aggregates counts across a task's test commands.
type testTally struct {
	Passed  int
	Failed  int
	Skipped int
	Runtime float64
}

// runTestCommands executes each configured test command through the process
// runner (container-wrapped when active) and aggregates parsed counts.
// Returns the first failing command, or "".
func runTestCommands(ctx context.Context, c *Context, wt string, cmds []tree.TestCommand) (testTally, string) {
	var tally testTally
	failedCmd := ""

	useContainer, _ := c.useContainer(wt)

	for _, tc := range cmds {
		argv, err := shlex.Split(tc.Command)
		if err != nil || len(argv) == 0 {
			tally.Failed++
			if failedCmd == "" {
				failedCmd = tc.Command
			}
			continue
		}

		timeout := c.testTimeout()
		if tc.Timeout > 0 {
			timeout = time.Duration(tc.Timeout) * time.Second
		}

		spec := proc.Spec{Argv: argv, Dir: wt, Timeout: timeout, Stdin: proc.StdinDevNull}
		if useContainer {
			spec = container.Wrap(spec, wt)
		}

		res := c.Proc.Run(ctx, spec)
		tally.Runtime += res.Duration.Seconds()

		counts := parseTestOutput(tc.Framework, string(res.Stdout)+string(res.Stderr))
		tally.Passed += counts.Passed
		tally.Skipped += counts.Skipped

		if res.Success() {
			if counts.Passed == 0 && counts.Failed == 0 {
				// Parser found nothing; the exit code is the verdict.
				tally.Passed++
			}
			tally.Failed += counts.Failed
			if counts.Failed > 0 && failedCmd == "" {
				failedCmd = tc.Command
			}
			continue
		}

		if counts.Failed > 0 {
			tally.Failed += counts.Failed
		} else {
			tally.Failed++
		}
		if failedCmd == "" {
			failedCmd = tc.Command
		}
	}
	return tally, failedCmd
}

// testCounts are counts extracted from one test run's output.
type testCounts struct {
	Passed  int
	Failed  int
	Skipped int
}

var (
	// go test -v summary lines: "--- PASS: TestX" / "--- FAIL" / "--- SKIP".
	goPass = regexp.MustCompile(`(?m)^--- PASS`)
	goFail = regexp.MustCompile(`(?m)^--- FAIL`)
	goSkip = regexp.MustCompile(`(?m)^--- SKIP`)

	// pytest summary: "3 passed, 1 failed, 2 skipped in 0.12s".
	pyPassed  = regexp.MustCompile(`(\d+) passed`)
	pyFailed  = regexp.MustCompile(`(\d+) failed`)
	pySkipped = regexp.MustCompile(`(\d+) skipped`)

	// jest/vitest summary: "Tests: 1 failed, 4 passed, 5 total".
	jsPassed  = regexp.MustCompile(`(\d+) passed`)
	jsFailed  = regexp.MustCompile(`(\d+) failed`)
	jsSkipped = regexp.MustCompile(`(\d+) skipped`)
)

// parseTestOutput extracts counts using the framework hint, falling back to
// the common "N passed/N failed" shape most frameworks print.
func parseTestOutput(framework, output string) testCounts {
	switch framework {
	case "go":
		return testCounts{
			Passed:  len(goPass.FindAllString(output, -1)),
			Failed:  len(goFail.FindAllString(output, -1)),
			Skipped: len(goSkip.FindAllString(output, -1)),
		}
	case "pytest":
		return testCounts{
			Passed:  firstInt(pyPassed, output),
			Failed:  firstInt(pyFailed, output),
			Skipped: firstInt(pySkipped, output),
		}
	case "jest", "vitest":
		return testCounts{
			Passed:  firstInt(jsPassed, output),
			Failed:  firstInt(jsFailed, output),
			Skipped: firstInt(jsSkipped, output),
		}
	}
	return testCounts{
		Passed:  firstInt(pyPassed, output),
		Failed:  firstInt(pyFailed, output),
		Skipped: firstInt(pySkipped, output),
	}
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// commitTestRecord writes the test-step commit carrying count trailers.
// failedCmd != "" marks the run as failed.
func commitTestRecord(ctx context.Context, c *Context, wt string, tally testTally, failedCmd string, retry int) error {
	result := state.ResultPass
	if failedCmd != "" || tally.Failed > 0 {
		result = state.ResultFail
	}

	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepTest)
	tr.Add(state.TrailerResult, result)
	tr.Add(state.TrailerRetry, strconv.Itoa(retry))
	tr.Add(state.TrailerTestPassed, strconv.Itoa(tally.Passed))
	tr.Add(state.TrailerTestFailed, strconv.Itoa(tally.Failed))
	tr.Add(state.TrailerTestSkipped, strconv.Itoa(tally.Skipped))
	tr.Add(state.TrailerTestRuntime, fmt.Sprintf("%.1fs", tally.Runtime))
	if failedCmd != "" {
		tr.Add(state.TrailerTest, failedCmd)
	}

	msg := state.Subject(c.SpecID, c.TaskID, state.StepTest, "run tests") + "\n\n" + tr.Format()
	_, err := c.Repo.Commit(ctx, msg, wt, true)
	return err
}

// commitReviewRecord writes the review-step commit with verdict trailers.
func commitReviewRecord(ctx context.Context, c *Context, wt, verdict, logPath string, retry int) error {
	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepReview)
	tr.Add(state.TrailerResult, verdict)
	tr.Add(state.TrailerRetry, strconv.Itoa(retry))
	tr.Add(state.TrailerReview, verdict)
	if logPath != "" {
		tr.Add(state.TrailerReviewLog, logPath)
	}

	msg := state.Subject(c.SpecID, c.TaskID, state.StepReview, "review changes") + "\n\n" + tr.Format()
	_, err := c.Repo.Commit(ctx, msg, wt, true)
	return err
}
