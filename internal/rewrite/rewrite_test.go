package rewrite

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/note"
	"github.com/gitai-tools/gitai/internal/paths"
	"github.com/gitai-tools/gitai/internal/reconcile"
	"github.com/gitai-tools/gitai/internal/recorder"
	"github.com/gitai-tools/gitai/internal/storage"
)

func hashOf(sha string) plumbing.Hash { return plumbing.NewHash(sha) }

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.name", "Test")
	run("config", "user.email", "test@example.com")
	paths.ClearCache()
	return dir
}

func commit(t *testing.T, dir, path, content, msg string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, path)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, path), []byte(content), 0o644))

	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "commit", "-q", "-m", msg)
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func amendHead(t *testing.T, dir, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, path), []byte(content), 0o644))

	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "commit", "-q", "--amend", "--no-edit")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

var mockAI = agentid.Identity{Tool: "mock_ai", SessionID: "s1", PromptID: "p1"}

func appendAICheckpoint(t *testing.T, store *storage.Store, baseSHA, path string, pre, post []byte) {
	t.Helper()
	entry, ok := recorder.BuildEntry(path, pre, true, post, nil, mockAI, "p1", time.Now())
	require.True(t, ok)
	require.NoError(t, store.Append(context.Background(), checkpoint.Checkpoint{
		CheckpointID:  "cp1",
		BaseCommitSHA: baseSHA,
		WallClock:     time.Now(),
		Agent:         mockAI,
		PromptID:      "p1",
		Transcript:    []byte(`{"role":"assistant"}`),
		Entries:       []checkpoint.WorkingLogEntry{entry},
	}))
}

func TestCaptureAndConsumeContextRoundTrip(t *testing.T) {
	dir := initRepo(t)

	require.NoError(t, CaptureContext(dir, "deadbeef", "rebase", "cafebabe"))

	ctx, err := ConsumeContext(dir)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", ctx.BaseHEAD)
	require.Equal(t, "rebase", ctx.ReflogAction)
	require.Equal(t, "cafebabe", ctx.StagedTreeHash)

	// Consumed once: a second read finds nothing left.
	_, err = ConsumeContext(dir)
	require.ErrorIs(t, err, ErrNoContext)
}

func TestConsumeContextMissingReturnsErrNoContext(t *testing.T) {
	dir := initRepo(t)
	_, err := ConsumeContext(dir)
	require.ErrorIs(t, err, ErrNoContext)
}

func TestConsumeContextDiscardsStaleCapture(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, CaptureContext(dir, "deadbeef", "rebase", ""))

	path, err := paths.StatePath(dir, paths.HookContextFile)
	require.NoError(t, err)
	stale := Context{CapturedAt: time.Now().Add(-maxContextAge * 2), BaseHEAD: "deadbeef", ReflogAction: "rebase"}
	require.NoError(t, writeJSON(path, stale))

	_, err = ConsumeContext(dir)
	require.ErrorIs(t, err, ErrNoContext)
}

func TestParsePostRewriteStdinSkipsDroppedCommits(t *testing.T) {
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)
	droppedOld := strings.Repeat("c", 40)
	droppedNew := strings.Repeat("0", 40)

	input := oldSHA + " " + newSHA + " rebase\n" + droppedOld + " " + droppedNew + "\n\n"
	mappings, err := ParsePostRewriteStdin(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, oldSHA, mappings[0].Old.String())
	require.Equal(t, newSHA, mappings[0].New.String())
}

func TestHandleAmendMovesNoteVerbatimAndUpdatesProvenance(t *testing.T) {
	dir := initRepo(t)
	baseSHA := commit(t, dir, "a.go", "package a\n", "initial")

	store, err := storage.Open(dir)
	require.NoError(t, err)
	appendAICheckpoint(t, store, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n\nfunc Hi() {}\n"))

	oldSHA := commit(t, dir, "a.go", "package a\n\nfunc Hi() {}\n", "ai change")
	require.NoError(t, reconcile.Reconcile(context.Background(), dir, oldSHA, nil))

	newSHA := amendHead(t, dir, "a.go", "package a\n\nfunc Hi() {}\n")
	require.NotEqual(t, oldSHA, newSHA)

	repo, err := gitutil.OpenRepository(dir)
	require.NoError(t, err)
	require.NoError(t, HandleAmend(repo, hashOf(oldSHA), hashOf(newSHA)))

	blob, err := gitutil.ReadNote(repo, newSHA)
	require.NoError(t, err)
	n, err := note.Decode(blob)
	require.NoError(t, err)

	require.Equal(t, newSHA, n.CommitSHA)
	require.Contains(t, n.Provenance.RewriteChain, oldSHA)
	fa, ok := n.Files["a.go"]
	require.True(t, ok)
	var sawAgent bool
	for _, r := range fa.ByteAttributions {
		if r.Agent == mockAI.Key() {
			sawAgent = true
		}
	}
	require.True(t, sawAgent)
}

func TestHandleAmendReprojectsNewlyAddedHumanContent(t *testing.T) {
	dir := initRepo(t)
	baseSHA := commit(t, dir, "a.go", "package a\n", "initial")

	store, err := storage.Open(dir)
	require.NoError(t, err)
	appendAICheckpoint(t, store, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n\nfunc Hi() {}\n"))

	oldSHA := commit(t, dir, "a.go", "package a\n\nfunc Hi() {}\n", "ai change")
	require.NoError(t, reconcile.Reconcile(context.Background(), dir, oldSHA, nil))

	// Amend adds more content beyond what the checkpoint covered, the way a
	// human typing directly into the staged file before `git commit --amend`
	// would (spec.md's amend-with-new-human-content scenario).
	newSHA := amendHead(t, dir, "a.go", "package a\n\nfunc Hi() {}\n\n// note\n")

	repo, err := gitutil.OpenRepository(dir)
	require.NoError(t, err)
	require.NoError(t, HandleAmend(repo, hashOf(oldSHA), hashOf(newSHA)))

	blob, err := gitutil.ReadNote(repo, newSHA)
	require.NoError(t, err)
	n, err := note.Decode(blob)
	require.NoError(t, err)

	require.Equal(t, newSHA, n.CommitSHA)
	require.Contains(t, n.Provenance.RewriteChain, oldSHA)

	fa, ok := n.Files["a.go"]
	require.True(t, ok)

	newContent := "package a\n\nfunc Hi() {}\n\n// note\n"
	var sawAgent, sawHumanTail bool
	for _, r := range fa.ByteAttributions {
		if r.Agent == mockAI.Key() {
			sawAgent = true
		}
		if r.Agent == agentid.Human.Key() && r.End == len(newContent) {
			sawHumanTail = true
		}
	}
	require.True(t, sawAgent, "original AI-authored prefix should still be attributed to the agent")
	require.True(t, sawHumanTail, "newly added tail content should be attributed to human")
}

func TestHandleAmendNoPriorNoteIsNoop(t *testing.T) {
	dir := initRepo(t)
	oldSHA := commit(t, dir, "a.go", "package a\n", "initial")
	newSHA := amendHead(t, dir, "a.go", "package a\n// x\n")

	repo, err := gitutil.OpenRepository(dir)
	require.NoError(t, err)
	require.NoError(t, HandleAmend(repo, hashOf(oldSHA), hashOf(newSHA)))

	_, err = gitutil.ReadNote(repo, newSHA)
	require.ErrorIs(t, err, gitutil.ErrNoteNotFound)
}

func TestHandleResetArchivesUnreachableWorkingLog(t *testing.T) {
	dir := initRepo(t)
	baseSHA := commit(t, dir, "a.go", "package a\n", "initial")

	store, err := storage.Open(dir)
	require.NoError(t, err)
	appendAICheckpoint(t, store, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n// x\n"))

	// Simulate baseSHA becoming unreachable: use a SHA git has never seen.
	unreachable := strings.Repeat("f", 40)
	require.NoError(t, store.Append(context.Background(), checkpoint.Checkpoint{
		CheckpointID: "cp2", BaseCommitSHA: unreachable, WallClock: time.Now(),
		Agent: mockAI, PromptID: "p1",
	}))

	repo, err := gitutil.OpenRepository(dir)
	require.NoError(t, err)
	require.NoError(t, HandleReset(context.Background(), repo, store, unreachable))

	exists, err := store.Exists(unreachable)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandleResetLeavesReachableWorkingLogAlone(t *testing.T) {
	dir := initRepo(t)
	baseSHA := commit(t, dir, "a.go", "package a\n", "initial")

	store, err := storage.Open(dir)
	require.NoError(t, err)
	appendAICheckpoint(t, store, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n// x\n"))

	repo, err := gitutil.OpenRepository(dir)
	require.NoError(t, err)
	require.NoError(t, HandleReset(context.Background(), repo, store, baseSHA))

	exists, err := store.Exists(baseSHA)
	require.NoError(t, err)
	require.True(t, exists)
}
