package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTestOutputGo(t *testing.T) {
	output := `=== RUN   TestOne
--- PASS: TestOne (0.00s)
=== RUN   TestTwo
--- FAIL: TestTwo (0.01s)
=== RUN   TestThree
--- SKIP: TestThree (0.00s)
FAIL`
	counts := parseTestOutput("go", output)
	assert.Equal(t, 1, counts.Passed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Skipped)
}

func TestParseTestOutputPytest(t *testing.T) {
	counts := parseTestOutput("pytest", "==== 3 passed, 1 failed, 2 skipped in 0.12s ====")
	assert.Equal(t, 3, counts.Passed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 2, counts.Skipped)
}

func TestParseTestOutputJest(t *testing.T) {
	counts := parseTestOutput("jest", "Tests: 1 failed, 4 passed, 5 total")
	assert.Equal(t, 4, counts.Passed)
	assert.Equal(t, 1, counts.Failed)
}

func TestParseTestOutputFallback(t *testing.T) {
	counts := parseTestOutput("", "7 passed in 1.2s")
	assert.Equal(t, 7, counts.Passed)
	assert.Equal(t, 0, counts.Failed)

	counts = parseTestOutput("", "no recognizable summary")
	assert.Equal(t, 0, counts.Passed)
	assert.Equal(t, 0, counts.Failed)
}

func TestParseReviewVerdict(t *testing.T) {
	assert.Equal(t, "pass", parseReviewVerdict("Looks good.\nVERDICT: PASS"))
	assert.Equal(t, "fail", parseReviewVerdict("VERDICT: FAIL\nmissing error handling"))
	// A reviewer that never renders a verdict is a fail, not a pass.
	assert.Equal(t, "fail", parseReviewVerdict("I am not sure about this one."))
}
