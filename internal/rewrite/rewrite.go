// Package rewrite implements the Rewrite Tracker (spec.md §4.6): detecting
// commit-rewriting operations (amend, rebase, cherry-pick, squash, reset,
// checkout), mapping old commit SHAs to new ones, and moving/recomputing
// the affected refs/notes/ai entries accordingly.
package rewrite

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/note"
	"github.com/gitai-tools/gitai/internal/paths"
	"github.com/gitai-tools/gitai/internal/storage"
)

// maxContextAge bounds how old a context file may be before ConsumeContext
// discards it as stale rather than acting on it (spec.md §4.6: "a stale
// context older than a bounded age is discarded").
const maxContextAge = 10 * time.Minute

// ErrNoContext is returned by ConsumeContext when no context file exists.
var ErrNoContext = errors.New("rewrite: no pending rewrite context")

// Context is the per-rewrite state captured before a commit-rewriting
// operation begins and consumed once it completes.
type Context struct {
	CapturedAt     time.Time `json:"captured_at"`
	BaseHEAD       string    `json:"base_head"`
	ReflogAction   string    `json:"reflog_action"`
	StagedTreeHash string    `json:"staged_tree_hash,omitempty"`
}

// CaptureContext records the repository's current HEAD, the reflog action
// describing the operation in progress (e.g. "rebase", "commit (amend)",
// "commit (squash)"), and the currently-staged tree hash, for a later
// post-commit/post-rewrite hook to consume.
func CaptureContext(startDir string, baseHEAD, reflogAction, stagedTreeHash string) error {
	path, err := paths.StatePath(startDir, paths.HookContextFile)
	if err != nil {
		return fmt.Errorf("rewrite: resolve context path: %w", err)
	}
	ctx := Context{
		CapturedAt:     time.Now(),
		BaseHEAD:       baseHEAD,
		ReflogAction:   reflogAction,
		StagedTreeHash: stagedTreeHash,
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("rewrite: marshal context: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rewrite: create state dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ConsumeContext reads and deletes the pending rewrite context, per
// spec.md §4.6 ("the context file is deleted after consumption"). Returns
// ErrNoContext if none was captured, or if the captured context has aged
// past maxContextAge (a stale leftover from a crashed hook invocation).
func ConsumeContext(startDir string) (Context, error) {
	path, err := paths.StatePath(startDir, paths.HookContextFile)
	if err != nil {
		return Context{}, fmt.Errorf("rewrite: resolve context path: %w", err)
	}
	data, err := os.ReadFile(path) //nolint:gosec // fixed path under our own state dir
	if errors.Is(err, os.ErrNotExist) {
		return Context{}, ErrNoContext
	}
	if err != nil {
		return Context{}, fmt.Errorf("rewrite: read context: %w", err)
	}
	_ = os.Remove(path)

	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return Context{}, fmt.Errorf("rewrite: unmarshal context: %w", err)
	}
	if time.Since(ctx.CapturedAt) > maxContextAge {
		return Context{}, ErrNoContext
	}
	return ctx, nil
}

// Mapping is one old→new SHA pair from post-rewrite's stdin.
type Mapping struct {
	Old plumbing.Hash
	New plumbing.Hash
}

// ParsePostRewriteStdin reads the post-rewrite hook's stdin format: one
// mapping per line, "<old-sha> <new-sha>[ <extra-info>]" (spec.md §4.6,
// "per-line from stdin"). A new SHA of all zeroes marks a commit dropped
// during the rewrite and is skipped.
func ParsePostRewriteStdin(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		newHash := plumbing.NewHash(fields[1])
		if newHash == plumbing.ZeroHash {
			continue
		}
		mappings = append(mappings, Mapping{
			Old: plumbing.NewHash(fields[0]),
			New: newHash,
		})
	}
	return mappings, scanner.Err()
}

// HandleAmend moves old's note onto new, per spec.md §4.6's amend rule
// ("single old→new; move note verbatim; update rewrite_chain"). When the
// amend changed no file content (message-only amend, or no staged changes),
// every file's attribution carries over byte-for-byte, which is "verbatim"
// in the sense the Testable Properties round-trip requires; when the amend
// also staged new content (e.g. a human edit added after the agent's
// commit), that content's delta is attributed to human via the same
// reprojection reprojectNote uses for rebase, since it wasn't sourced from
// any recorded checkpoint against this commit.
func HandleAmend(repo *git.Repository, oldSHA, newSHA plumbing.Hash) error {
	return reprojectNote(repo, oldSHA, newSHA)
}

// HandleRebase processes every mapping from a rebase or cherry-pick
// sequence (spec.md §4.6): for each, re-project the source commit's
// byte ranges onto the rewritten commit's tree, attributing any delta
// introduced by conflict resolution to human, and records the rewrite in
// Provenance.
func HandleRebase(repo *git.Repository, mappings []Mapping) error {
	for _, m := range mappings {
		if err := reprojectNote(repo, m.Old, m.New); err != nil {
			return fmt.Errorf("rewrite: reproject %s -> %s: %w", m.Old, m.New, err)
		}
	}
	return nil
}

// HandleSquash unions the notes of sourceSHAs (in order, later sources
// override earlier ones for the same path) and re-projects each file's
// attribution onto squashed's actual tree content, per spec.md §4.6's
// squash rule.
func HandleSquash(repo *git.Repository, sourceSHAs []string, squashed plumbing.Hash) error {
	commit, err := repo.CommitObject(squashed)
	if err != nil {
		return fmt.Errorf("rewrite: squashed commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("rewrite: squashed tree: %w", err)
	}

	n := note.New(squashed.String(), parentStrings(commit), note.Author{
		Name: commit.Author.Name, Email: commit.Author.Email,
	})
	n.Provenance.SourceCommits = append([]string{}, sourceSHAs...)

	unioned := map[string]note.FileAttribution{}
	for _, sha := range sourceSHAs {
		blob, err := gitutil.ReadNote(repo, sha)
		if errors.Is(err, gitutil.ErrNoteNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rewrite: read note for source %s: %w", sha, err)
		}
		sourceNote, err := note.Decode(blob)
		if err != nil {
			return fmt.Errorf("rewrite: decode note for source %s: %w", sha, err)
		}
		for path, fa := range sourceNote.Files {
			unioned[path] = fa
		}
		for id, pr := range sourceNote.Prompts {
			n.Prompts[id] = pr
		}
	}

	for path, fa := range unioned {
		f, err := tree.File(path)
		if err != nil {
			// Path no longer exists in the squashed tree: dropped by a
			// later conflict resolution, nothing left to attribute.
			continue
		}
		r, err := f.Reader()
		if err != nil {
			return fmt.Errorf("rewrite: read %s from squashed tree: %w", path, err)
		}
		content, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("rewrite: read %s contents: %w", path, err)
		}

		if fa.ContentHash == contentHashHex(content) {
			n.Files[path] = fa
			continue
		}
		// Content changed during the squash (e.g. conflict resolution):
		// attribute the delta to human on top of the unioned ranges.
		n.AddFile(path, content, reprojectRanges(fa, content))
	}

	blob, err := note.Encode(n)
	if err != nil {
		return err
	}
	return gitutil.WriteNoteCAS(repo, squashed.String(), blob)
}

// HandleReset archives the Working Log for baseSHA if it is no longer
// reachable from any ref, per spec.md §4.6's reset rule: "no note
// movement; invalidate the Working Log if base SHA no longer exists".
func HandleReset(ctx context.Context, repo *git.Repository, store *storage.Store, baseSHA string) error {
	if _, err := repo.CommitObject(plumbing.NewHash(baseSHA)); err == nil {
		return nil // still reachable: nothing to invalidate
	}
	exists, err := store.Exists(baseSHA)
	if err != nil || !exists {
		return err
	}
	return store.Archive(baseSHA, "reset-"+time.Now().UTC().Format("20060102T150405Z"))
}

// HandleCheckout is a documented no-op: the Working Log is always rebuilt
// from Repo Storage keyed by the caller's current HEAD (workinglog.Build),
// so switching branches needs no persisted "active log" pointer to update.
func HandleCheckout(newHEAD string) {
	_ = newHEAD
}

// reprojectNote re-projects old's note onto new's tree: for each file the
// source note attributed, diff old's content for that path against new's,
// shift the byte ranges across that diff, and attribute any delta human
// (conflict-resolution edits), then write the result as new's note.
func reprojectNote(repo *git.Repository, oldSHA, newSHA plumbing.Hash) error {
	blob, err := gitutil.ReadNote(repo, oldSHA.String())
	if errors.Is(err, gitutil.ErrNoteNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read note for %s: %w", oldSHA, err)
	}
	oldNote, err := note.Decode(blob)
	if err != nil {
		return fmt.Errorf("decode note for %s: %w", oldSHA, err)
	}

	oldCommit, err := repo.CommitObject(oldSHA)
	if err != nil {
		return fmt.Errorf("resolve old commit %s: %w", oldSHA, err)
	}
	oldTree, err := oldCommit.Tree()
	if err != nil {
		return fmt.Errorf("old tree: %w", err)
	}
	newCommit, err := repo.CommitObject(newSHA)
	if err != nil {
		return fmt.Errorf("resolve new commit %s: %w", newSHA, err)
	}
	newTree, err := newCommit.Tree()
	if err != nil {
		return fmt.Errorf("new tree: %w", err)
	}

	n := note.New(newSHA.String(), parentStrings(newCommit), note.Author{
		Name: newCommit.Author.Name, Email: newCommit.Author.Email,
	})
	n.Provenance.SourceCommits = appendUnique(oldNote.Provenance.SourceCommits, oldSHA.String())
	n.Provenance.RewriteChain = append(append([]string{}, oldNote.Provenance.RewriteChain...), oldSHA.String())
	n.Prompts = oldNote.Prompts

	for path, fa := range oldNote.Files {
		oldContent, oldOK := treeFileContent(oldTree, path)
		newContent, newOK := treeFileContent(newTree, path)
		if !newOK {
			continue // deleted by conflict resolution
		}
		if oldOK && string(oldContent) == string(newContent) {
			n.Files[path] = fa
			continue
		}
		n.AddFile(path, newContent, reprojectRanges(fa, newContent))
	}

	newBlob, err := note.Encode(n)
	if err != nil {
		return err
	}
	return gitutil.WriteNoteCAS(repo, newSHA.String(), newBlob)
}

// reprojectRanges rebuilds a byte-range partition from a note's stored
// ranges when the underlying file content changed size or shape (conflict
// resolution, squash). It keeps each stored range's agent for the prefix
// of content it can still account for and attributes the rest to human, a
// conservative approximation since the source edit script that produced
// the new content isn't available once history has been rewritten.
func reprojectRanges(fa note.FileAttribution, newContent []byte) []attribution.ByteRange {
	var prior []attribution.ByteRange
	for _, r := range fa.ByteAttributions {
		prior = append(prior, attribution.ByteRange{
			Start: r.Start, End: r.End, Agent: agentIdentityFromKey(r.Agent),
		})
	}
	edits := attribution.DiffEdits(nil, newContent)
	return attribution.ApplyEdits(prior, edits, agentid.Human, len(newContent))
}

// agentIdentityFromKey recovers a usable Identity from a note's stored
// agent key string. Keys are opaque (agentid.Identity.Key), so this only
// recovers enough to distinguish "human" from "some AI agent" for
// re-coalescing purposes; the full identity (model/session/prompt) is not
// recoverable from the key alone and is not needed here since reprojection
// only cares whether a range survives as non-human.
func agentIdentityFromKey(key string) agentid.Identity {
	if key == agentid.Human.Key() {
		return agentid.Human
	}
	return agentid.Identity{Tool: key}
}

func treeFileContent(tree *object.Tree, path string) ([]byte, bool) {
	f, err := tree.File(path)
	if err != nil {
		return nil, false
	}
	r, err := f.Reader()
	if err != nil {
		return nil, false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	return data, true
}

func parentStrings(commit *object.Commit) []string {
	out := make([]string, 0, len(commit.ParentHashes))
	for _, h := range commit.ParentHashes {
		out = append(out, h.String())
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func contentHashHex(content []byte) string {
	return checkpoint.HashContent(content)
}
