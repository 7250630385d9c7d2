package steps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pennyworth-tech/agent-arborist/internal/state"
)

// Prompt templates are deliberately short: the runner CLIs carry their own
// system context, and operators override behavior through hooks rather than
// by editing engine prompts.

func implementPrompt(name, description string) string {
	var b strings.Builder
	b.WriteString("Implement the following task in this repository.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", name)
	if description != "" {
		fmt.Fprintf(&b, "\n%s\n", description)
	}
	b.WriteString("\nMake the code changes directly. Do not commit; the pipeline commits for you.")
	return b.String()
}

func fixTestsPrompt(name, failedCmd string, tally testTally) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tests are failing for task %q.\n", name)
	if failedCmd != "" {
		fmt.Fprintf(&b, "Failing command: %s\n", failedCmd)
	}
	fmt.Fprintf(&b, "Counts: %d passed, %d failed, %d skipped.\n", tally.Passed, tally.Failed, tally.Skipped)
	b.WriteString("Fix the failures. Do not commit; the pipeline commits for you.")
	return b.String()
}

func reviewPrompt(diff string) string {
	const maxDiff = 60000
	if len(diff) > maxDiff {
		diff = diff[:maxDiff] + "\n... (diff truncated)"
	}
	return "Review the following change. Reply with a verdict line " +
		"\"VERDICT: PASS\" or \"VERDICT: FAIL\" followed by your findings.\n\n" + diff
}

func fixReviewPrompt(reviewOutput string) string {
	const maxLen = 20000
	if len(reviewOutput) > maxLen {
		reviewOutput = reviewOutput[:maxLen]
	}
	return "A code review rejected the current change. Address every finding below, " +
		"then stop. Do not commit; the pipeline commits for you.\n\n" + reviewOutput
}

func resolveConflictsPrompt(paths []string) string {
	return "A merge is in progress with unresolved conflicts in these files:\n" +
		strings.Join(paths, "\n") +
		"\n\nResolve every conflict marker, keeping both sides' intent. Do not commit."
}

// parseReviewVerdict extracts pass/fail from the reviewer's output. Missing
// or malformed verdicts count as fail: an unreviewable change is not a pass.
func parseReviewVerdict(output string) string {
	upper := strings.ToUpper(output)
	if strings.Contains(upper, "VERDICT: PASS") {
		return state.ResultPass
	}
	return state.ResultFail
}

// writeReviewLog stores the full review output under the home directory and
// returns the path recorded in the Review-Log trailer.
func writeReviewLog(c *Context, retry int, output string) (string, error) {
	dir := filepath.Join(c.Home, "reviews", c.SpecID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_r%d.log", c.TaskID, retry))
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
