package runstore

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID()
	assert.Regexp(t, regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{8}$`), id)
}

func TestQualifySplitRoundTrip(t *testing.T) {
	full := QualifyStep("T001", "pre-sync")
	assert.Equal(t, "T001.pre-sync", full)

	dag, step := SplitStep(full)
	assert.Equal(t, "T001", dag)
	assert.Equal(t, "pre-sync", step)

	dag, step = SplitStep("bare")
	assert.Empty(t, dag)
	assert.Equal(t, "bare", step)
}

func TestStepLifecycleRecords(t *testing.T) {
	s, err := Open(t.TempDir(), "hello", NewRunID())
	require.NoError(t, err)

	require.NoError(t, s.StepStarted("T001", "run"))
	snap := s.Snapshot()
	rec := snap.Steps["T001.run"]
	require.NotNil(t, rec)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.NotNil(t, rec.StartedAt)

	require.NoError(t, s.StepFinished("T001", "run", StatusSuccess, 0, "", []byte(`{"kind":"run","success":true}`)))
	snap = s.Snapshot()
	rec = snap.Steps["T001.run"]
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, "T001.run", rec.OutputKey)

	assert.JSONEq(t, `{"kind":"run","success":true}`, string(s.ReadOutput("T001.run")))
}

func TestOpenReopensExistingState(t *testing.T) {
	runsDir := t.TempDir()
	runID := NewRunID()

	s1, err := Open(runsDir, "hello", runID)
	require.NoError(t, err)
	require.NoError(t, s1.StepFinished("T001", "run", StatusFailed, 2, "boom", nil))

	s2, err := Open(runsDir, "hello", runID)
	require.NoError(t, err)
	rec := s2.Snapshot().Steps["T001.run"]
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestWritesAreAtomic(t *testing.T) {
	s, err := Open(t.TempDir(), "hello", NewRunID())
	require.NoError(t, err)
	require.NoError(t, s.StepFinished("T001", "run", StatusSuccess, 0, "", []byte("{}")))

	// No temp files are left behind after a write.
	var leftovers []string
	_ = filepath.Walk(s.Dir(), func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(path, ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	assert.Empty(t, leftovers)
}

func TestFinishWritesTerminalStatus(t *testing.T) {
	runsDir := t.TempDir()
	runID := NewRunID()
	s, err := Open(runsDir, "hello", runID)
	require.NoError(t, err)
	require.NoError(t, s.Finish(StatusFailed))

	st, err := LoadState(runsDir, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.NotNil(t, st.EndedAt)
}

func TestRunLogAppends(t *testing.T) {
	s, err := Open(t.TempDir(), "hello", NewRunID())
	require.NoError(t, err)
	require.NoError(t, s.StepStarted("T001", "run"))
	require.NoError(t, s.StepFinished("T001", "run", StatusSuccess, 0, "", nil))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "run.log"))
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "START T001.run")
	assert.Contains(t, log, "SUCCESS T001.run")
}

func TestListRunsSorted(t *testing.T) {
	runsDir := t.TempDir()
	for _, id := range []string{"20260101_120000_bbbb1111", "20260101_110000_aaaa0000"} {
		_, err := Open(runsDir, "hello", id)
		require.NoError(t, err)
	}

	ids, err := ListRuns(runsDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"20260101_110000_aaaa0000", "20260101_120000_bbbb1111"}, ids)
}

func TestListRunsMissingDir(t *testing.T) {
	ids, err := ListRuns(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoadStateMissingRun(t *testing.T) {
	_, err := LoadState(t.TempDir(), "nope")
	assert.Error(t, err)
}
