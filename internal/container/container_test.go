package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/testutil"
)

func withDevcontainer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dc := filepath.Join(dir, ".devcontainer")
	require.NoError(t, os.MkdirAll(dc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dc, "devcontainer.json"), []byte("{}"), 0o644))
	return dir
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"auto", "enabled", "disabled", ""} {
		_, err := ParseMode(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}

func TestHasDevcontainer(t *testing.T) {
	assert.False(t, HasDevcontainer(t.TempDir()))
	assert.True(t, HasDevcontainer(withDevcontainer(t)))

	// A Dockerfile alone also counts.
	dir := t.TempDir()
	dc := filepath.Join(dir, ".devcontainer")
	require.NoError(t, os.MkdirAll(dc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dc, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	assert.True(t, HasDevcontainer(dir))
}

func TestShouldUse(t *testing.T) {
	plain := t.TempDir()
	with := withDevcontainer(t)

	use, err := ShouldUse(ModeDisabled, with)
	require.NoError(t, err)
	assert.False(t, use)

	use, err = ShouldUse(ModeAuto, plain)
	require.NoError(t, err)
	assert.False(t, use)

	use, err = ShouldUse(ModeAuto, with)
	require.NoError(t, err)
	assert.True(t, use)

	use, err = ShouldUse(ModeEnabled, with)
	require.NoError(t, err)
	assert.True(t, use)

	// Enabled without a devcontainer fails fast.
	_, err = ShouldUse(ModeEnabled, plain)
	assert.Error(t, err)
}

func TestExecPrefixForwardsOnlyEnginePrefix(t *testing.T) {
	prefix := ExecPrefix("/ws", []string{
		"ARBORIST_SPEC_ID=hello",
		"PATH=/usr/bin",
		"ARBORIST_MODEL=opus",
		"SECRET_TOKEN=x",
	})

	assert.Equal(t, []string{
		"devcontainer", "exec", "--workspace-folder", "/ws",
		"--remote-env", "ARBORIST_SPEC_ID=hello",
		"--remote-env", "ARBORIST_MODEL=opus",
	}, prefix)
}

func TestWrapPrependsPrefix(t *testing.T) {
	spec := proc.Spec{Argv: []string{"go", "test", "./..."}}
	wrapped := Wrap(spec, "/ws")

	assert.Equal(t, "devcontainer", wrapped.Argv[0])
	assert.Equal(t, "go", wrapped.Argv[len(wrapped.Argv)-3])
}

func TestEnsureUpIdempotentWhenRunning(t *testing.T) {
	ws := withDevcontainer(t)
	fake := testutil.NewFakeProc()
	fake.StubOutput([]string{"docker", "ps"}, "abc123\n")

	sup := NewSupervisor(fake)
	id, err := sup.EnsureUp(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	// Already running: no devcontainer up call.
	assert.Empty(t, fake.CallsMatching("devcontainer", "up"))
}

func TestEnsureUpStartsAndHealthChecks(t *testing.T) {
	ws := withDevcontainer(t)
	fake := testutil.NewFakeProc()
	// Not running, up succeeds, health check succeeds.
	fake.StubOutput([]string{"docker", "ps"}, "")
	fake.StubOutput([]string{"devcontainer", "up"}, "started")
	fake.StubOutput([]string{"devcontainer", "exec"}, "git version 2.43.0")

	sup := NewSupervisor(fake)
	_, err := sup.EnsureUp(context.Background(), ws)
	require.NoError(t, err)

	assert.Len(t, fake.CallsMatching("devcontainer", "up"), 1)
	assert.Len(t, fake.CallsMatching("devcontainer", "exec"), 1)
}

func TestEnsureUpFailsOnHealthCheck(t *testing.T) {
	ws := withDevcontainer(t)
	fake := testutil.NewFakeProc()
	fake.StubOutput([]string{"docker", "ps"}, "")
	fake.StubOutput([]string{"devcontainer", "up"}, "started")
	fake.StubFailure([]string{"devcontainer", "exec"}, 127, "git: not found")

	sup := NewSupervisor(fake)
	_, err := sup.EnsureUp(context.Background(), ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container-health")
}

func TestStopMissingContainerIsSuccess(t *testing.T) {
	fake := testutil.NewFakeProc()
	fake.StubOutput([]string{"docker", "ps"}, "")

	sup := NewSupervisor(fake)
	stopped, err := sup.Stop(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, stopped)
}
