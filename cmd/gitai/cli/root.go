// Package cli wires every internal package into the gitai binary: the
// hidden "hooks git ..." tree called by the native hooks installed under
// core.hooksPath, the "checkpoint ingest" entry point agent-specific hook
// scripts pipe events into, and "notes show" for reading an attached
// authorship note back out.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information, set at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewRootCmd builds the gitai command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitai",
		Short: "AI authorship attribution for git",
		Long: `gitai attributes every line of every commit to either a human author or
the specific AI agent (tool, model, session, prompt) that produced it, by
observing checkpoints emitted through hooks during a normal git workflow.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newHooksCmd())
	cmd.AddCommand(newCheckpointCmd())
	cmd.AddCommand(newNotesCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gitai %s (%s)\n", Version, Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
