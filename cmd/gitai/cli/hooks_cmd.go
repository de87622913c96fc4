package cli

import (
	"github.com/spf13/cobra"
)

// newHooksCmd is the parent for every hook handler gitai installs under
// core.hooksPath. Agent-specific checkpoint parsers live outside this repo
// (spec.md §1 "Explicit non-goals"); they call "gitai checkpoint ingest"
// directly rather than getting a subcommand here.
func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hooks",
		Short:  "Hook handlers",
		Long:   "Commands invoked by installed git hooks. Internal; not for direct use.",
		Hidden: true,
	}

	cmd.AddCommand(newHooksGitCmd())

	return cmd
}
