package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDispatchesOnKind(t *testing.T) {
	in := &PreSyncResult{
		Preamble:        newPreamble(KindPreSync, true),
		WorktreePath:    "/tmp/wt",
		Branch:          "main_a_T001",
		ParentBranch:    "main_a",
		CreatedWorktree: true,
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	ps, ok := out.(*PreSyncResult)
	require.True(t, ok)
	assert.Equal(t, "main_a_T001", ps.Branch)
	assert.True(t, ps.CreatedWorktree)
	assert.True(t, Succeeded(out))
}

func TestDecodeEveryKind(t *testing.T) {
	results := []Result{
		&PreSyncResult{Preamble: newPreamble(KindPreSync, true)},
		&ContainerUpResult{Preamble: newPreamble(KindContainerUp, true)},
		&ContainerStopResult{Preamble: newPreamble(KindContainerStop, true)},
		&RunResult{Preamble: newPreamble(KindRun, true)},
		&CommitResult{Preamble: newPreamble(KindCommit, true)},
		&RunTestResult{Preamble: newPreamble(KindRunTest, true)},
		&ReviewResult{Preamble: newPreamble(KindReview, true)},
		&PostMergeResult{Preamble: newPreamble(KindPostMerge, true)},
		&PostCleanupResult{Preamble: newPreamble(KindPostCleanup, true)},
		&ShellHookResult{Preamble: newPreamble(KindShellHook, true)},
		&LLMEvalResult{Preamble: newPreamble(KindLLMEval, true)},
		&QualityCheckResult{Preamble: newPreamble(KindQualityCheck, true)},
		&PluginResult{Preamble: newPreamble(KindPlugin, true)},
	}
	for _, r := range results {
		data, err := Encode(r)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err, string(data))
		assert.IsType(t, r, decoded)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"mystery","success":true}`))
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestMarkSkipped(t *testing.T) {
	r := &RunResult{Preamble: newPreamble(KindRun, true)}
	MarkSkipped(r, "prior run")

	data, err := Encode(r)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	rr := decoded.(*RunResult)
	assert.True(t, rr.Skipped)
	assert.Equal(t, "prior run", rr.SkipReason)
	// Skipping never flips the success flag.
	assert.True(t, rr.Success)
}
