// Package home resolves the arborist home directory and manages the
// repository-local state layout beneath it.
//
// Resolution order: explicit override, ARBORIST_HOME environment variable,
// then <git root>/.arborist. The manifest store and run store both hang off
// this directory.
package home

import (
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// EnvVar is the environment variable that overrides home resolution.
const EnvVar = "ARBORIST_HOME"

// DirName is the home directory name created at the git root.
const DirName = ".arborist"

// dagsSubdir holds generated DAG bundles and branch manifests.
const dagsSubdir = "dagu/dags"

// runsSubdir holds per-run step capture directories.
const runsSubdir = "runs"

// hooksSubdir holds named hook step definition files.
const hooksSubdir = "hooks"

// GitRoot returns the root of the git repository containing dir, or "" when
// dir is not inside a repository.
func GitRoot(dir string) string {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return ""
		}
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ""
	}
	return wt.Filesystem.Root()
}

// Resolve determines the arborist home directory.
func Resolve(override, cwd string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env, nil
	}
	if root := GitRoot(cwd); root != "" {
		return filepath.Join(root, DirName), nil
	}
	return "", errors.NewConfigError(
		"cannot determine arborist home: not in a git repository and "+EnvVar+" not set",
		"run arborist from inside a git repository",
		"or set "+EnvVar+" to an absolute path",
	)
}

// DagsDir returns the directory holding DAG bundles and manifests.
func DagsDir(home string) string {
	return filepath.Join(home, filepath.FromSlash(dagsSubdir))
}

// RunsDir returns the per-spec run capture root.
func RunsDir(home, specID string) string {
	return filepath.Join(home, runsSubdir, specID)
}

// HooksDir returns the directory holding named hook definitions.
func HooksDir(home string) string {
	return filepath.Join(home, hooksSubdir)
}

// IsInitialized reports whether home exists on disk.
func IsInitialized(homeDir string) bool {
	info, err := os.Stat(homeDir)
	return err == nil && info.IsDir()
}

// Init creates the home layout and updates the repository .gitignore so that
// volatile state is ignored while manifests stay tracked.
func Init(homeDir string) error {
	for _, sub := range []string{
		DagsDir(homeDir),
		filepath.Join(homeDir, runsSubdir),
		HooksDir(homeDir),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return errors.WrapWithMessage(err, errors.Runtime, "creating arborist home")
		}
	}

	root := GitRoot(homeDir)
	if root == "" {
		return nil
	}
	return updateGitignore(root)
}

// gitignore entries: runs and prompts are volatile, dagu/dags (manifests and
// generated bundles) stay tracked so any clone can reconstruct a run.
var ignoreEntries = []string{
	DirName + "/runs/",
	DirName + "/prompts/",
}

func updateGitignore(gitRoot string) error {
	path := filepath.Join(gitRoot, ".gitignore")

	var content string
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}

	existing := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		existing[strings.TrimSuffix(strings.TrimSpace(line), "/")] = true
	}

	var added []string
	for _, entry := range ignoreEntries {
		if !existing[strings.TrimSuffix(entry, "/")] {
			added = append(added, entry)
		}
	}
	if len(added) == 0 {
		return nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(added, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}
