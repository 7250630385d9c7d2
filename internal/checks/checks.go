// Package checks probes the external tools arborist depends on: git, the
// devcontainer CLI, docker, and the LLM runner CLIs. The doctor command
// renders these with remediation hints.
package checks

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/runner"
)

// DependencyStatus is the probe result for one tool.
type DependencyStatus struct {
	Name       string
	Installed  bool
	Version    string
	Path       string
	MinVersion string
	Error      string
}

// OK reports whether the dependency is usable.
func (d DependencyStatus) OK() bool {
	return d.Installed && d.Error == ""
}

// probeTimeout bounds one version probe.
const probeTimeout = 10 * time.Second

// versionProbe runs a tool's version command and fills the status.
func versionProbe(ctx context.Context, p proc.Runner, name string, argv []string, minVersion string) DependencyStatus {
	st := DependencyStatus{Name: name, MinVersion: minVersion}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		st.Error = name + " not found in PATH"
		return st
	}
	st.Installed = true
	st.Path = path

	res := p.Run(ctx, proc.Spec{Argv: argv, Timeout: probeTimeout})
	version := strings.TrimSpace(string(res.Stdout))
	if version == "" {
		version = strings.TrimSpace(string(res.Stderr))
	}
	if res.TimedOut {
		st.Error = name + " version check timed out"
		return st
	}
	if !res.Success() {
		st.Error = name + " version check failed"
		return st
	}
	st.Version = version

	if minVersion != "" && versionLess(version, minVersion) {
		st.Error = name + " version " + version + " < required " + minVersion
	}
	return st
}

// Git probes the git CLI.
func Git(ctx context.Context, p proc.Runner) DependencyStatus {
	return versionProbe(ctx, p, "git", []string{"git", "--version"}, "")
}

// DevcontainerCLI probes the devcontainer CLI.
func DevcontainerCLI(ctx context.Context, p proc.Runner) DependencyStatus {
	st := versionProbe(ctx, p, "devcontainer", []string{"devcontainer", "--version"}, "")
	if !st.Installed {
		st.Error = "devcontainer CLI not found. Install: npm install -g @devcontainers/cli"
	}
	return st
}

// Docker probes the docker daemon, not just the binary.
func Docker(ctx context.Context, p proc.Runner) DependencyStatus {
	st := DependencyStatus{Name: "docker"}
	path, err := exec.LookPath("docker")
	if err != nil {
		st.Error = "docker not found in PATH"
		return st
	}
	st.Installed = true
	st.Path = path

	res := p.Run(ctx, proc.Spec{
		Argv:    []string{"docker", "version", "--format", "{{.Server.Version}}"},
		Timeout: probeTimeout,
	})
	if !res.Success() {
		st.Error = "docker daemon not running"
		return st
	}
	st.Version = strings.TrimSpace(string(res.Stdout))
	return st
}

// Runners probes every registered LLM runner. At least one must be usable
// for the engine to execute implement steps.
func Runners(ctx context.Context, p proc.Runner) []DependencyStatus {
	var out []DependencyStatus
	for _, r := range runner.All() {
		out = append(out, versionProbe(ctx, p, r.Name(), []string{r.Name(), "--version"}, ""))
	}
	return out
}

// AnyRunner reports whether at least one runner probe succeeded.
func AnyRunner(statuses []DependencyStatus) bool {
	for _, st := range statuses {
		if st.OK() {
			return true
		}
	}
	return false
}

// versionLess compares dotted version strings numerically, ignoring any
// non-numeric suffix per component.
func versionLess(a, b string) bool {
	pa, pb := parseVersion(a), parseVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		va, vb := 0, 0
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			return va < vb
		}
	}
	return false
}

func parseVersion(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	// Version probes often print "git version 2.39.2" style lines.
	for _, field := range strings.Fields(v) {
		if field != "" && field[0] >= '0' && field[0] <= '9' {
			v = field
			break
		}
	}
	var parts []int
	for _, part := range strings.Split(v, ".") {
		digits := ""
		for _, c := range part {
			if c < '0' || c > '9' {
				break
			}
			digits += string(c)
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parts
}
