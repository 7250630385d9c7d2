// Package container wraps per-task subprocesses in the target project's
// devcontainer. Arborist does not ship a devcontainer of its own; it detects
// and reuses the target's .devcontainer configuration.
//
// Host arborist commands are never containerized. Only the subprocesses a
// step launches for per-task work (runners, tests) get the exec prefix.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
)

// Mode is the container execution mode for DAG steps.
type Mode string

const (
	// ModeAuto uses the devcontainer iff the target has one.
	ModeAuto Mode = "auto"
	// ModeEnabled requires a devcontainer and fails fast without one.
	ModeEnabled Mode = "enabled"
	// ModeDisabled never uses a devcontainer.
	ModeDisabled Mode = "disabled"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeEnabled, ModeDisabled:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	}
	return "", errors.NewArgumentError(
		fmt.Sprintf("invalid container mode %q", s),
		"valid modes: auto, enabled, disabled",
	)
}

// EnvPrefix limits which environment variables are forwarded into the
// container. Only variables whose name starts with this prefix cross the
// boundary.
const EnvPrefix = "ARBORIST_"

// DefaultUpTimeout bounds devcontainer startup.
const DefaultUpTimeout = 5 * time.Minute

// HasDevcontainer reports whether the workspace carries a devcontainer
// configuration (devcontainer.json or Dockerfile under .devcontainer/).
func HasDevcontainer(workspace string) bool {
	dir := filepath.Join(workspace, ".devcontainer")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	for _, name := range []string{"devcontainer.json", "Dockerfile"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// ShouldUse decides whether step subprocesses run inside the container.
// ModeEnabled without a devcontainer is a hard error (container-missing).
func ShouldUse(mode Mode, workspace string) (bool, error) {
	switch mode {
	case ModeDisabled:
		return false, nil
	case ModeAuto:
		return HasDevcontainer(workspace), nil
	case ModeEnabled:
		if !HasDevcontainer(workspace) {
			return false, errors.NewPrerequisiteError(
				errors.KindContainerMissing+": container mode is enabled but the target has no .devcontainer/",
				"add a .devcontainer/ to the target project",
				"or set ARBORIST_CONTAINER_MODE=auto",
			)
		}
		return true, nil
	}
	return false, nil
}

// ExecPrefix returns the argv prefix that re-targets a command into the
// devcontainer for workspace. env lists the KEY=VALUE pairs to forward;
// entries whose key does not start with EnvPrefix are dropped.
func ExecPrefix(workspace string, env []string) []string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	prefix := []string{"devcontainer", "exec", "--workspace-folder", abs}
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvPrefix) {
			prefix = append(prefix, "--remote-env", kv)
		}
	}
	return prefix
}

// ForwardedEnv filters the ambient environment down to the ARBORIST_ surface.
func ForwardedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix) {
			out = append(out, kv)
		}
	}
	return out
}

// Wrap prefixes a command spec so it executes inside the workspace container.
func Wrap(spec proc.Spec, workspace string) proc.Spec {
	prefix := ExecPrefix(workspace, append(ForwardedEnv(), spec.Env...))
	spec.Argv = append(prefix, spec.Argv...)
	return spec
}

// Supervisor manages devcontainer lifecycle for task worktrees.
type Supervisor struct {
	runner    proc.Runner
	upTimeout time.Duration
}

// NewSupervisor creates a Supervisor using the given process runner.
func NewSupervisor(runner proc.Runner) *Supervisor {
	return &Supervisor{runner: runner, upTimeout: DefaultUpTimeout}
}

// WithUpTimeout overrides the startup timeout.
func (s *Supervisor) WithUpTimeout(d time.Duration) *Supervisor {
	s.upTimeout = d
	return s
}

// IsRunning reports whether a container is already up for the workspace.
func (s *Supervisor) IsRunning(ctx context.Context, workspace string) bool {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	res := s.runner.Run(ctx, proc.Spec{
		Argv: []string{
			"docker", "ps", "-q",
			"--filter", "label=devcontainer.local_folder=" + abs,
		},
		Timeout: 30 * time.Second,
	})
	return res.Success() && len(strings.TrimSpace(string(res.Stdout))) > 0
}

// ContainerID returns the running container id for the workspace, or "".
func (s *Supervisor) ContainerID(ctx context.Context, workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	res := s.runner.Run(ctx, proc.Spec{
		Argv: []string{
			"docker", "ps", "-q",
			"--filter", "label=devcontainer.local_folder=" + abs,
		},
		Timeout: 30 * time.Second,
	})
	if !res.Success() {
		return ""
	}
	return strings.TrimSpace(string(res.Stdout))
}

// EnsureUp idempotently starts the container for a workspace. When the
// container is already running this is a no-op. On first start the container
// is health-checked: git must exist inside, since every pipeline step depends
// on it.
func (s *Supervisor) EnsureUp(ctx context.Context, workspace string) (string, error) {
	if s.IsRunning(ctx, workspace) {
		return s.ContainerID(ctx, workspace), nil
	}

	ensureDevcontainerAccessible(workspace)

	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	up := s.runner.Run(ctx, proc.Spec{
		Argv:    []string{"devcontainer", "up", "--workspace-folder", abs},
		Timeout: s.upTimeout,
	})
	if !up.Success() {
		return "", errors.NewRuntimeError(
			fmt.Sprintf("%s: devcontainer up failed for %s: %s",
				errors.KindContainerStart, workspace, strings.TrimSpace(string(up.Stderr))),
			"check docker is running",
			"inspect the devcontainer configuration",
		)
	}

	health := s.runner.Run(ctx, proc.Spec{
		Argv:    append(ExecPrefix(abs, nil), "git", "--version"),
		Timeout: time.Minute,
	})
	if !health.Success() {
		return "", errors.NewRuntimeError(
			errors.KindContainerHealth+": git is not available inside the container",
			"install git in the devcontainer image",
		)
	}

	return s.ContainerID(ctx, workspace), nil
}

// Stop stops the container for a workspace. Missing container is success.
func (s *Supervisor) Stop(ctx context.Context, workspace string) (bool, error) {
	id := s.ContainerID(ctx, workspace)
	if id == "" {
		return false, nil
	}
	res := s.runner.Run(ctx, proc.Spec{
		Argv:    []string{"docker", "stop", id},
		Timeout: time.Minute,
	})
	if !res.Success() {
		return false, errors.NewRuntimeError(
			fmt.Sprintf("stopping container %s: %s", id, strings.TrimSpace(string(res.Stderr))),
		)
	}
	return true, nil
}

// ensureDevcontainerAccessible symlinks the repo root's .devcontainer into a
// worktree that lacks one. Worktrees share .git with the main repo but not
// the working tree contents.
func ensureDevcontainerAccessible(workspace string) {
	target := filepath.Join(workspace, ".devcontainer")
	if _, err := os.Stat(target); err == nil {
		return
	}
	root := gitCommonRoot(workspace)
	if root == "" {
		return
	}
	source := filepath.Join(root, ".devcontainer")
	if info, err := os.Stat(source); err == nil && info.IsDir() && source != target {
		_ = os.Symlink(source, target)
	}
}

// gitCommonRoot finds the main repository root for a worktree by following
// the .git file's gitdir pointer.
func gitCommonRoot(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, ".git"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir: "
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	gitdir := strings.TrimPrefix(line, prefix)
	// <root>/.git/worktrees/<name> -> <root>
	for i := 0; i < 3; i++ {
		gitdir = filepath.Dir(gitdir)
	}
	return gitdir
}
