package cli

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/note"
	"github.com/gitai-tools/gitai/internal/paths"
)

func initHookTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	paths.ClearCache()
	return dir
}

func writeAndStage(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
}

func headSHA(t *testing.T, dir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(out))
}

func TestPreCommitThenPostCommitReconciles(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")

	preCmd := newHooksGitPreCommitCmd()
	var out bytes.Buffer
	preCmd.SetOut(&out)
	if err := preCmd.RunE(preCmd, nil); err != nil {
		t.Fatalf("pre-commit: %v", err)
	}

	writeAndStage(t, dir, "b.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "second")
	sha := headSHA(t, dir)

	postCmd := newHooksGitPostCommitCmd()
	postCmd.SetOut(&out)
	if err := postCmd.RunE(postCmd, nil); err != nil {
		t.Fatalf("post-commit: %v", err)
	}

	repo, err := gitutil.OpenRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := gitutil.ReadNote(repo, sha)
	if err != nil {
		t.Fatalf("expected a note to be written by reconcile, got error: %v", err)
	}
	n, err := note.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if n.CommitSHA != sha {
		t.Errorf("expected note for %s, got %s", sha, n.CommitSHA)
	}
}

func TestPostCommitRoutesAmendToHandleAmend(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")

	writeAndStage(t, dir, "a.go", "package a\n\nfunc Hi() {}\n")
	runGit(t, dir, "commit", "-q", "-m", "second")
	oldSHA := headSHA(t, dir)

	// Seed a note on oldSHA via an ordinary post-commit reconcile first:
	// HandleAmend only reprojects when the amended commit already carried a
	// note (rewrite.go's reprojectNote is a no-op otherwise).
	var out bytes.Buffer
	seedPostCmd := newHooksGitPostCommitCmd()
	seedPostCmd.SetOut(&out)
	if err := seedPostCmd.RunE(seedPostCmd, nil); err != nil {
		t.Fatalf("post-commit (seed): %v", err)
	}

	t.Setenv("GIT_REFLOG_ACTION", "commit (amend)")

	preCmd := newHooksGitPreCommitCmd()
	preCmd.SetOut(&out)
	if err := preCmd.RunE(preCmd, nil); err != nil {
		t.Fatalf("pre-commit: %v", err)
	}

	runGit(t, dir, "commit", "-q", "--amend", "-m", "second amended")
	newSHA := headSHA(t, dir)
	if newSHA == oldSHA {
		t.Fatal("amend should have produced a new SHA")
	}

	postCmd := newHooksGitPostCommitCmd()
	postCmd.SetOut(&out)
	if err := postCmd.RunE(postCmd, nil); err != nil {
		t.Fatalf("post-commit: %v", err)
	}

	repo, err := gitutil.OpenRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := gitutil.ReadNote(repo, newSHA)
	if err != nil {
		t.Fatalf("expected a note for %s after amend: %v", newSHA, err)
	}
	n, err := note.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range n.Provenance.RewriteChain {
		if c == oldSHA {
			found = true
		}
	}
	if !found {
		t.Errorf("expected rewrite chain to contain %s, got %v", oldSHA, n.Provenance.RewriteChain)
	}
}

func TestPostRewriteRoutesSingleOldSHAToRebase(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")

	writeAndStage(t, dir, "a.go", "package a\n\nfunc Hi() {}\n")
	runGit(t, dir, "commit", "-q", "-m", "ai change")
	oldSHA := headSHA(t, dir)

	// Seed an authorship note for oldSHA via post-commit so HandleRebase has
	// something to reproject.
	postCmd := newHooksGitPostCommitCmd()
	var out bytes.Buffer
	postCmd.SetOut(&out)
	if err := postCmd.RunE(postCmd, nil); err != nil {
		t.Fatalf("post-commit (seed): %v", err)
	}

	// Simulate a rebase producing a new SHA for the same tree content (e.g.
	// rebased onto itself, which still gives a new commit hash via
	// --committer-date-is-author-date or similar in real git; here we just
	// amend the message to get a distinct SHA standing in for "new").
	runGit(t, dir, "commit", "-q", "--amend", "-m", "ai change (rebased)")
	newSHA := headSHA(t, dir)
	if newSHA == oldSHA {
		t.Fatal("expected amend to produce a distinct SHA to stand in for rebase's new commit")
	}

	stdin := oldSHA + " " + newSHA + "\n"
	cmd := newHooksGitPostRewriteCmd()
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, []string{"rebase"}); err != nil {
		t.Fatalf("post-rewrite: %v", err)
	}

	repo, err := gitutil.OpenRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := gitutil.ReadNote(repo, newSHA)
	if err != nil {
		t.Fatalf("expected a note for %s after rebase reprojection: %v", newSHA, err)
	}
	n, err := note.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if n.CommitSHA != newSHA {
		t.Errorf("expected note commit_sha %s, got %s", newSHA, n.CommitSHA)
	}
}

func TestPostRewriteRoutesMultipleOldSHAsToSquash(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")

	writeAndStage(t, dir, "a.go", "package a\n\nfunc Hi() {}\n")
	runGit(t, dir, "commit", "-q", "-m", "first")
	firstSHA := headSHA(t, dir)

	writeAndStage(t, dir, "a.go", "package a\n\nfunc Hi() {}\n\nfunc Bye() {}\n")
	runGit(t, dir, "commit", "-q", "-m", "second")
	secondSHA := headSHA(t, dir)

	newSHA := headSHA(t, dir) // stand-in "squashed" commit: reuse current HEAD

	stdin := firstSHA + " " + newSHA + "\n" + secondSHA + " " + newSHA + "\n"
	cmd := newHooksGitPostRewriteCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, []string{"rebase"}); err != nil {
		t.Fatalf("post-rewrite (squash): %v", err)
	}

	repo, err := gitutil.OpenRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := gitutil.ReadNote(repo, newSHA)
	if err != nil {
		t.Fatalf("expected a note for squashed %s: %v", newSHA, err)
	}
	n, err := note.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Provenance.SourceCommits) != 2 {
		t.Errorf("expected 2 source commits recorded, got %v", n.Provenance.SourceCommits)
	}
}

func TestPostCheckoutIsNoop(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)
	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	sha := headSHA(t, dir)

	cmd := newHooksGitPostCheckoutCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, []string{sha, sha, "1"}); err != nil {
		t.Fatalf("post-checkout: %v", err)
	}
}

func TestReferenceTransactionHandlesReset(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	writeAndStage(t, dir, "a.go", "package a\n")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	firstSHA := headSHA(t, dir)

	writeAndStage(t, dir, "a.go", "package a\n\nfunc Hi() {}\n")
	runGit(t, dir, "commit", "-q", "-m", "second")
	secondSHA := headSHA(t, dir)

	runGit(t, dir, "reset", "--hard", firstSHA)

	t.Setenv("GIT_REFLOG_ACTION", "reset")
	stdin := secondSHA + " " + firstSHA + " refs/heads/master\n"
	cmd := newHooksGitReferenceTransactionCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, []string{"committed"}); err != nil {
		t.Fatalf("reference-transaction: %v", err)
	}
}

func TestCommitMsgDoesNotDispatchHandler(t *testing.T) {
	dir := initHookTestRepo(t)
	t.Chdir(dir)

	msgFile := filepath.Join(dir, "COMMIT_EDITMSG")
	if err := os.WriteFile(msgFile, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newHooksGitCommitMsgCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, []string{msgFile}); err != nil {
		t.Fatalf("commit-msg: %v", err)
	}
}
