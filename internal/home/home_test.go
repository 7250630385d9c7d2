package home

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitRepoDir(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	return dir
}

func TestResolvePrecedence(t *testing.T) {
	dir := gitRepoDir(t)

	// Explicit override wins.
	got, err := Resolve("/explicit", dir)
	require.NoError(t, err)
	assert.Equal(t, "/explicit", got)

	// Environment variable next.
	t.Setenv(EnvVar, "/from-env")
	got, err = Resolve("", dir)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", got)

	// Git root fallback.
	t.Setenv(EnvVar, "")
	got, err = Resolve("", dir)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, DirName))
}

func TestResolveOutsideRepoWithoutEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Resolve("", t.TempDir())
	assert.Error(t, err)
}

func TestInitCreatesLayoutAndGitignore(t *testing.T) {
	dir := gitRepoDir(t)
	homeDir := filepath.Join(dir, DirName)

	require.NoError(t, Init(homeDir))
	assert.True(t, IsInitialized(homeDir))

	for _, sub := range []string{DagsDir(homeDir), HooksDir(homeDir)} {
		info, err := os.Stat(sub)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, DirName+"/runs/")

	// Re-running does not duplicate entries.
	require.NoError(t, Init(homeDir))
	data, _ = os.ReadFile(filepath.Join(dir, ".gitignore"))
	assert.Equal(t, content, string(data))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, filepath.Join("/h", "dagu", "dags"), DagsDir("/h"))
	assert.Equal(t, filepath.Join("/h", "runs", "spec1"), RunsDir("/h", "spec1"))
	assert.Equal(t, filepath.Join("/h", "hooks"), HooksDir("/h"))
}
