// Package cli wires the arborist command tree. Commands construct the
// runtime Environment at this boundary and hand it to the engine packages by
// parameter.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// Exit codes for programmatic composition and CI integration.
const (
	ExitSuccess             = 0
	ExitTaskFailed          = 1
	ExitInvalidArguments    = 3
	ExitMissingDependencies = 4
)

var rootCmd = &cobra.Command{
	Use:   "arborist",
	Short: "Drive LLM coding agents through a hierarchical task graph",
	Long: `Agent Arborist turns a task specification into a sequence of committed,
tested, and merged changes. Task state lives in commit trailers: any clone of
the repository reconstructs the same state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagHome  string
	flagSpec  string
	flagDebug bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "arborist home directory (default: <git root>/.arborist)")
	rootCmd.PersistentFlags().StringVar(&flagSpec, "spec", "", "spec id (default: $ARBORIST_SPEC_ID, then current branch)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable verbose diagnostics")
}

// Execute runs the CLI and renders structured errors.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the CLI under a cancellable context. Cancellation
// (SIGINT/SIGTERM) propagates into the scheduler and every subprocess group.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	renderError(err)
	return err
}

// renderError prints a CLIError with its remediation, or a plain error line.
func renderError(err error) {
	cliErr, ok := err.(*errors.CLIError)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString(cliErr.Category.String()+":"), cliErr.Message)
	if cliErr.Usage != "" {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", cliErr.Usage)
	}
	for _, r := range cliErr.Remediation {
		fmt.Fprintf(os.Stderr, "  - %s\n", r)
	}
}
