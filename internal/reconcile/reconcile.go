// Package reconcile implements the Reconciler (spec.md §4.5): run from the
// post-commit hook, it resolves the Working Log for a commit's base, replays
// Virtual Attribution over every path the commit touched, and writes the
// resulting AuthorshipNote to refs/notes/ai via compare-and-swap.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/logging"
	"github.com/gitai-tools/gitai/internal/note"
	"github.com/gitai-tools/gitai/internal/storage"
)

// TranscriptPolicy decides whether an agent's checkpoint transcripts are
// embedded inline in the note or dropped, per spec.md §9's first Open
// Question (resolved via .gitai/settings.json's transcript_retention).
type TranscriptPolicy func(agentKey string) bool

// InlineAlways is the default TranscriptPolicy: every agent's transcript is
// embedded, matching what the teacher does for every tool it supports today.
func InlineAlways(string) bool { return true }

// Reconcile builds and writes the AuthorshipNote for commitSHA (spec.md
// §4.5). startDir is any path inside the repository's worktree.
func Reconcile(ctx context.Context, startDir, commitSHA string, policy TranscriptPolicy) error {
	if policy == nil {
		policy = InlineAlways
	}

	repo, err := gitutil.OpenRepository(startDir)
	if err != nil {
		return err
	}
	store, err := storage.Open(startDir)
	if err != nil {
		return fmt.Errorf("reconcile: open storage: %w", err)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return fmt.Errorf("reconcile: resolve commit %s: %w", commitSHA, err)
	}

	author := note.Author{Name: commit.Author.Name, Email: commit.Author.Email}
	parentSHAs := parentHashes(commit)
	n := note.New(commitSHA, parentSHAs, author)

	if commit.NumParents() == 0 {
		return writeAndArchive(repo, store, n, commitSHA, "")
	}

	if commit.NumParents() > 1 {
		if err := reconcileMerge(ctx, repo, commit, &n); err != nil {
			return err
		}
		return writeAndArchive(repo, store, n, commitSHA, "")
	}

	baseSHA := commit.ParentHashes[0].String()
	if err := reconcileLinear(ctx, repo, store, commit, baseSHA, &n, policy); err != nil {
		return err
	}
	return writeAndArchive(repo, store, n, commitSHA, baseSHA)
}

// reconcileLinear handles the common case of a commit with exactly one
// parent: resolve the Working Log for that parent, replay attribution for
// every path the commit modified, and collect surviving PromptRecords.
func reconcileLinear(ctx context.Context, repo *git.Repository, store *storage.Store, commit *object.Commit, baseSHA string, n *note.AuthorshipNote, policy TranscriptPolicy) error {
	exists, err := store.Exists(baseSHA)
	if err != nil {
		return fmt.Errorf("reconcile: check working log: %w", err)
	}
	if !exists {
		// No recorded checkpoints against this base: everything committed
		// is attributed to human (spec.md §4.5 "if none, write a minimal
		// human-only note and stop").
		return nil
	}

	checkpoints, err := store.All(ctx, baseSHA)
	if err != nil {
		return fmt.Errorf("reconcile: read working log: %w", err)
	}

	commitTree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("reconcile: commit tree: %w", err)
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return fmt.Errorf("reconcile: parent commit: %w", err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return fmt.Errorf("reconcile: parent tree: %w", err)
	}

	paths, err := changedPaths(parentTree, commitTree)
	if err != nil {
		return fmt.Errorf("reconcile: diff trees: %w", err)
	}

	entriesByPath := entriesForEachPath(checkpoints)
	transcriptsByPromptID := transcriptsByPromptID(checkpoints)
	prompts := map[string]note.PromptRecord{}

	for _, path := range paths {
		content, ok, err := fileContent(commitTree, path)
		if err != nil {
			return fmt.Errorf("reconcile: read %s at %s: %w", path, commit.Hash, err)
		}
		if !ok {
			// Deleted in this commit: spec.md §4.5 testable scenario 3 still
			// wants the path present in the note, with an empty attribution
			// and a "(no additions)" marker, rather than omitted outright.
			n.AddFile(path, nil, nil)
			continue
		}

		ranges := attribution.Replay(entriesByPath[path], content)
		if err := attribution.ValidatePartition(ranges, len(content)); err != nil {
			logging.Warn(ctx, "reconcile: replay produced an invalid partition",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		n.AddFile(path, content, ranges)

		for _, r := range ranges {
			if r.Agent.IsHuman() {
				continue
			}
			collectPrompt(prompts, r.Agent, transcriptsByPromptID, policy)
		}
	}

	n.Prompts = prompts
	return nil
}

// reconcileMerge handles a merge commit by unioning the parents' existing
// notes and attributing any new bytes introduced by the merge itself to
// human, unless a checkpoint already covers them (spec.md §4.5 edge case).
func reconcileMerge(ctx context.Context, repo *git.Repository, commit *object.Commit, n *note.AuthorshipNote) error {
	commitTree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("reconcile: merge commit tree: %w", err)
	}

	seen := map[string]bool{}
	for i := 0; i < commit.NumParents(); i++ {
		parent, err := commit.Parent(i)
		if err != nil {
			return fmt.Errorf("reconcile: merge parent %d: %w", i, err)
		}
		parentTree, err := parent.Tree()
		if err != nil {
			return fmt.Errorf("reconcile: merge parent tree %d: %w", i, err)
		}

		paths, err := changedPaths(parentTree, commitTree)
		if err != nil {
			return fmt.Errorf("reconcile: merge diff %d: %w", i, err)
		}

		parentNote, err := readNote(repo, parent.Hash.String())
		if err != nil {
			logging.Warn(ctx, "reconcile: no note for merge parent", slog.String("parent", parent.Hash.String()))
		}

		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true

			content, ok, err := fileContent(commitTree, path)
			if err != nil {
				continue
			}
			if !ok {
				// Deleted by the merge: same empty-but-present entry as the
				// linear case (spec.md §4.5).
				n.AddFile(path, nil, nil)
				continue
			}

			if fa, ok := parentNote.Files[path]; ok && fa.ContentHash == checkpoint.HashContent(content) {
				n.Files[path] = fa
				continue
			}

			// Content differs from every inherited note: attribute the
			// whole file to human, since the merge itself (not a recorded
			// checkpoint) produced this version.
			n.AddFile(path, content, []attribution.ByteRange{{Start: 0, End: len(content), Agent: agentid.Human}})
		}
	}
	return nil
}

func readNote(repo *git.Repository, commitSHA string) (note.AuthorshipNote, error) {
	blob, err := gitutil.ReadNote(repo, commitSHA)
	if err != nil {
		return note.AuthorshipNote{}, err
	}
	return note.Decode(blob)
}

// writeAndArchive encodes n, writes it via compare-and-swap, and archives
// the consumed working log (spec.md §4.5 step 5). baseSHA is empty for
// root and merge commits, which have no single linear base to archive.
func writeAndArchive(repo *git.Repository, store *storage.Store, n note.AuthorshipNote, commitSHA, baseSHA string) error {
	blob, err := note.Encode(n)
	if err != nil {
		return err
	}
	if err := gitutil.WriteNoteCAS(repo, commitSHA, blob); err != nil {
		return fmt.Errorf("reconcile: write note for %s: %w", commitSHA, err)
	}
	if baseSHA != "" {
		if err := store.Archive(baseSHA, commitSHA); err != nil {
			return fmt.Errorf("reconcile: archive working log: %w", err)
		}
	}
	return nil
}

// parentHashes returns the string form of every parent hash of commit.
func parentHashes(commit *object.Commit) []string {
	out := make([]string, 0, commit.NumParents())
	for _, h := range commit.ParentHashes {
		out = append(out, h.String())
	}
	return out
}

// changedPaths returns the sorted set of paths that differ between two
// trees, including both modifications and deletions.
func changedPaths(from, to *object.Tree) ([]string, error) {
	changes, err := from.Diff(to)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// fileContent reads path's blob content from tree. ok is false if the path
// no longer exists in tree (a delete-only change).
func fileContent(tree *object.Tree, path string) (content []byte, ok bool, err error) {
	f, err := tree.File(path)
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// entriesForEachPath groups every WorkingLogEntry across all checkpoints by
// path, in checkpoint/entry order, so attribution.Replay gets the full
// ordered history for each touched file.
func entriesForEachPath(checkpoints []checkpoint.Checkpoint) map[string][]checkpoint.WorkingLogEntry {
	out := map[string][]checkpoint.WorkingLogEntry{}
	for _, cp := range checkpoints {
		for _, e := range cp.Entries {
			out[e.Path] = append(out[e.Path], e)
		}
	}
	return out
}

// transcriptsByPromptID maps each prompt_id to the checkpoint transcript
// bytes recorded for that prompt turn, if any.
func transcriptsByPromptID(checkpoints []checkpoint.Checkpoint) map[string][]byte {
	out := map[string][]byte{}
	for _, cp := range checkpoints {
		if len(cp.Transcript) == 0 {
			continue
		}
		if _, ok := out[cp.PromptID]; !ok {
			out[cp.PromptID] = cp.Transcript
		}
	}
	return out
}

// collectPrompt adds a PromptRecord for agent to prompts if not already
// present, honoring policy for whether the transcript is embedded.
func collectPrompt(prompts map[string]note.PromptRecord, agent agentid.Identity, transcripts map[string][]byte, policy TranscriptPolicy) {
	if agent.PromptID == "" {
		return
	}
	if _, ok := prompts[agent.PromptID]; ok {
		return
	}
	rec := note.PromptRecord{PromptID: agent.PromptID, Agent: agent}
	if policy(agent.Key()) {
		rec.Transcript = transcripts[agent.PromptID]
	}
	prompts[agent.PromptID] = rec
}
