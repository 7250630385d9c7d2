// Package output provides terminal writers for the CLI: a prefixed writer
// that tags subprocess passthrough with the spec id, and colored status
// rendering helpers.
package output

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/pennyworth-tech/agent-arborist/internal/state"
)

// PrefixedWriter wraps an io.Writer and prefixes each line with [spec-id].
type PrefixedWriter struct {
	writer      io.Writer
	prefix      string
	mu          sync.Mutex
	atLineStart bool
}

// NewPrefixedWriter creates a writer tagging each line with the spec id.
func NewPrefixedWriter(w io.Writer, specID string) *PrefixedWriter {
	return &PrefixedWriter{
		writer:      w,
		prefix:      fmt.Sprintf("[%s] ", specID),
		atLineStart: true,
	}
}

// Write implements io.Writer, prefixing each line.
func (pw *PrefixedWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	originalLen := len(p)
	for len(p) > 0 {
		if pw.atLineStart {
			if _, err := pw.writer.Write([]byte(pw.prefix)); err != nil {
				return originalLen - len(p), err
			}
			pw.atLineStart = false
		}

		idx := bytes.IndexByte(p, '\n')
		if idx == -1 {
			if _, err := pw.writer.Write(p); err != nil {
				return originalLen - len(p), err
			}
			break
		}

		if _, err := pw.writer.Write(p[:idx+1]); err != nil {
			return originalLen - len(p), err
		}
		p = p[idx+1:]
		pw.atLineStart = true
	}
	return originalLen, nil
}

// Flush terminates a dangling unterminated line.
func (pw *PrefixedWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if !pw.atLineStart {
		if _, err := pw.writer.Write([]byte("\n")); err != nil {
			return err
		}
		pw.atLineStart = true
	}
	return nil
}

var stateColors = map[state.TaskState]*color.Color{
	state.StatePending:      color.New(color.FgWhite),
	state.StateImplementing: color.New(color.FgYellow),
	state.StateTesting:      color.New(color.FgYellow),
	state.StateReviewing:    color.New(color.FgCyan),
	state.StateComplete:     color.New(color.FgGreen),
	state.StateFailed:       color.New(color.FgRed),
}

// ColoredState renders a task state with its conventional color.
func ColoredState(st state.TaskState) string {
	c, ok := stateColors[st]
	if !ok {
		return string(st)
	}
	return c.Sprint(string(st))
}

// RenderSummary writes the counts-by-state table every run ends with.
func RenderSummary(w io.Writer, states map[string]state.TaskState) {
	counts := state.Summary(states)
	order := []state.TaskState{
		state.StateComplete,
		state.StateFailed,
		state.StateReviewing,
		state.StateTesting,
		state.StateImplementing,
		state.StatePending,
	}
	fmt.Fprintf(w, "Tasks: %d total\n", len(states))
	for _, st := range order {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", ColoredState(st), n)
		}
	}
}
