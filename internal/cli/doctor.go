package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/agent-arborist/internal/checks"
	"github.com/pennyworth-tech/agent-arborist/internal/home"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check external tool dependencies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := proc.New()
		ctx := cmd.Context()

		statuses := []checks.DependencyStatus{
			checks.Git(ctx, p),
			checks.DevcontainerCLI(ctx, p),
			checks.Docker(ctx, p),
		}
		runners := checks.Runners(ctx, p)

		ok := true
		render := func(st checks.DependencyStatus, required bool) {
			mark := color.GreenString("ok")
			if !st.OK() {
				if required {
					mark = color.RedString("missing")
					ok = false
				} else {
					mark = color.YellowString("absent")
				}
			}
			fmt.Printf("  %-14s %-8s %s\n", st.Name, mark, st.Version)
			if st.Error != "" {
				fmt.Printf("    %s\n", st.Error)
			}
		}

		fmt.Println("Tools:")
		render(statuses[0], true)
		render(statuses[1], false)
		render(statuses[2], false)

		fmt.Println("Runners (at least one required):")
		for _, st := range runners {
			render(st, false)
		}
		if !checks.AnyRunner(runners) {
			ok = false
			fmt.Println("  no LLM runner available; install claude, opencode, or gemini")
		}

		if !ok {
			os.Exit(ExitMissingDependencies)
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the arborist home directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildAppContext()
		if err != nil {
			return err
		}
		if err := home.Init(app.Env.Home); err != nil {
			return err
		}
		fmt.Printf("Initialized arborist home at %s\n", app.Env.Home)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(initCmd)
}
