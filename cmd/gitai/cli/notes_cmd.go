package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/jsonutil"
	"github.com/gitai-tools/gitai/internal/note"
)

// newNotesCmd is the read-side counterpart to the hook/checkpoint write
// path: it renders whatever AuthorshipNote is attached to a commit at
// refs/notes/ai, for self-review or a teammate's review (spec.md §3).
func newNotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Inspect AI authorship notes attached to commits",
	}
	cmd.AddCommand(newNotesShowCmd())
	return cmd
}

func newNotesShowCmd() *cobra.Command {
	var jsonOut bool
	var noPager bool

	cmd := &cobra.Command{
		Use:   "show [commit]",
		Short: "Show the authorship note attached to a commit",
		Long: `Show prints the AuthorshipNote attached to a commit at refs/notes/ai:
per-file attribution between human and AI agents, and the prompts that
produced the AI-attributed ranges.

Defaults to HEAD when no commit is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := "HEAD"
			if len(args) == 1 {
				ref = args[0]
			}
			return runNotesShow(cmd, ref, jsonOut, noPager)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw AuthorshipNote as JSON")
	cmd.Flags().BoolVar(&noPager, "no-pager", false, "Disable pager output")
	return cmd
}

func runNotesShow(cmd *cobra.Command, ref string, jsonOut, noPager bool) error {
	repo, err := gitutil.OpenRepository("")
	if err != nil {
		return fmt.Errorf("notes show: %w", err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("notes show: resolve %q: %w", ref, err)
	}
	sha := hash.String()

	blob, err := gitutil.ReadNote(repo, sha)
	if errors.Is(err, gitutil.ErrNoteNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "no authorship note for %s\n", shortSHA(sha))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notes show: %w", err)
	}

	n, err := note.Decode(blob)
	if err != nil {
		return fmt.Errorf("notes show: %w", err)
	}

	var content string
	if jsonOut {
		body, err := jsonutil.MarshalIndentWithNewline(n, "", "  ")
		if err != nil {
			return fmt.Errorf("notes show: %w", err)
		}
		content = string(body)
	} else {
		content = formatNote(n)
	}

	outputNotesContent(cmd.OutOrStdout(), content, noPager)
	return nil
}

// formatNote renders an AuthorshipNote as the human-readable report: one
// section per file (byte-attribution share, by agent), followed by the
// prompts referenced by any surviving AI-attributed range.
func formatNote(n note.AuthorshipNote) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Commit: %s\n", n.CommitSHA)
	fmt.Fprintf(&sb, "Author: %s <%s>\n", n.Author.Name, n.Author.Email)
	if len(n.Provenance.RewriteChain) > 0 {
		fmt.Fprintf(&sb, "Rewrite chain: %s\n", strings.Join(n.Provenance.RewriteChain, " -> "))
	}
	sb.WriteString("\n")

	paths := make([]string, 0, len(n.Files))
	for p := range n.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		sb.WriteString("Files: (no additions)\n")
	} else {
		fmt.Fprintf(&sb, "Files: (%d)\n", len(paths))
		for _, p := range paths {
			fa := n.Files[p]
			fmt.Fprintf(&sb, "  %s: %s\n", p, summarizeFileAttribution(fa))
		}
	}

	if len(n.Prompts) == 0 {
		return sb.String()
	}

	promptIDs := make([]string, 0, len(n.Prompts))
	for id := range n.Prompts {
		promptIDs = append(promptIDs, id)
	}
	sort.Strings(promptIDs)

	sb.WriteString("\nPrompts:\n")
	for _, id := range promptIDs {
		p := n.Prompts[id]
		fmt.Fprintf(&sb, "  %s (%s)\n", id, p.Agent.Key())
	}

	return sb.String()
}

// summarizeFileAttribution reports a file's non-human share by range count,
// the quick signal that matters at a glance; notes --json carries the exact
// byte ranges for anything more precise.
func summarizeFileAttribution(fa note.FileAttribution) string {
	if len(fa.ByteAttributions) == 0 {
		return "(no additions)"
	}
	agents := map[string]int{}
	for _, r := range fa.ByteAttributions {
		agents[r.Agent]++
	}
	names := make([]string, 0, len(agents))
	for a := range agents {
		names = append(names, a)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, a := range names {
		parts = append(parts, fmt.Sprintf("%s (%d range%s)", a, agents[a], plural(agents[a])))
	}
	return strings.Join(parts, ", ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// outputNotesContent pages long output the same way explain does: only
// when stdout is a terminal and the content overflows it.
func outputNotesContent(w io.Writer, content string, noPager bool) {
	if noPager {
		fmt.Fprint(w, content)
		return
	}

	f, ok := w.(*os.File)
	if !ok || f != os.Stdout || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(w, content)
		return
	}

	_, height, err := term.GetSize(int(f.Fd()))
	if err != nil {
		height = 24
	}
	if strings.Count(content, "\n") <= height-2 {
		fmt.Fprint(w, content)
		return
	}

	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}
	cmd := exec.Command(pager) //nolint:gosec // pager from env is expected
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = f
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprint(w, content)
	}
}
