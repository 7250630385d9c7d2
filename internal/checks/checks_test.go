package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
)

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.3", "1.2.4", true},
		{"1.2.4", "1.2.3", false},
		{"1.2", "1.2.0", false},
		{"v1.30.2", "1.30.3", true},
		{"git version 2.39.2", "2.40.0", true},
		{"2.40.0", "2.40.0", false},
		{"1.30.3-rc1", "1.30.3", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, versionLess(tc.a, tc.b), "%s < %s", tc.a, tc.b)
	}
}

func TestGitProbe(t *testing.T) {
	st := Git(context.Background(), proc.New())
	// git may legitimately be absent in minimal environments; the probe
	// must degrade to a remediation, never panic.
	if st.Installed {
		assert.True(t, st.OK(), st.Error)
		assert.NotEmpty(t, st.Version)
	} else {
		assert.Contains(t, st.Error, "not found")
	}
}

func TestRunnersProbeNeverEmpty(t *testing.T) {
	statuses := Runners(context.Background(), proc.New())
	assert.Len(t, statuses, 3)
}

func TestAnyRunner(t *testing.T) {
	assert.False(t, AnyRunner(nil))
	assert.False(t, AnyRunner([]DependencyStatus{{Name: "claude"}}))
	assert.True(t, AnyRunner([]DependencyStatus{
		{Name: "claude"},
		{Name: "gemini", Installed: true},
	}))
}
