package cli

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/paths"
	"github.com/gitai-tools/gitai/internal/reconcile"
	"github.com/gitai-tools/gitai/internal/recorder"
	"github.com/gitai-tools/gitai/internal/storage"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initNotesTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	paths.ClearCache()
	return dir
}

func notesTestCommit(t *testing.T, dir, path, content, msg string) string {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", msg)

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(out))
}

var notesTestAgent = agentid.Identity{Tool: "mock_ai", SessionID: "s1", PromptID: "p1"}

func reconcileWithAICheckpoint(t *testing.T, dir, baseSHA, path string, pre, post []byte) string {
	t.Helper()

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := recorder.BuildEntry(path, pre, true, post, nil, notesTestAgent, "p1", time.Now())
	if !ok {
		t.Fatal("expected BuildEntry to report touched content")
	}
	if err := store.Append(context.Background(), checkpoint.Checkpoint{
		CheckpointID:  "cp1",
		BaseCommitSHA: baseSHA,
		WallClock:     time.Now(),
		Agent:         notesTestAgent,
		PromptID:      "p1",
		Transcript:    []byte(`{"role":"assistant"}`),
		Entries:       []checkpoint.WorkingLogEntry{entry},
	}); err != nil {
		t.Fatal(err)
	}

	sha := notesTestCommit(t, dir, path, string(post), "ai change")
	if err := reconcile.Reconcile(context.Background(), dir, sha, nil); err != nil {
		t.Fatal(err)
	}
	return sha
}

func TestNotesShowPrintsNoNoteForPlainCommit(t *testing.T) {
	dir := initNotesTestRepo(t)
	t.Chdir(dir)
	notesTestCommit(t, dir, "a.go", "package a\n", "initial")

	var out bytes.Buffer
	cmd := newNotesShowCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out.String(), "no authorship note") {
		t.Errorf("expected no-note message, got %q", out.String())
	}
}

func TestNotesShowRendersAttributionForHEAD(t *testing.T) {
	dir := initNotesTestRepo(t)
	t.Chdir(dir)
	baseSHA := notesTestCommit(t, dir, "a.go", "package a\n", "initial")
	reconcileWithAICheckpoint(t, dir, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n\nfunc Hi() {}\n"))

	var out bytes.Buffer
	cmd := newNotesShowCmd()
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "a.go:") {
		t.Errorf("expected file section for a.go, got %q", got)
	}
	if !strings.Contains(got, notesTestAgent.Key()) {
		t.Errorf("expected agent key %q in output, got %q", notesTestAgent.Key(), got)
	}
}

func TestNotesShowJSONEmitsSchemaVersion(t *testing.T) {
	dir := initNotesTestRepo(t)
	t.Chdir(dir)
	baseSHA := notesTestCommit(t, dir, "a.go", "package a\n", "initial")
	reconcileWithAICheckpoint(t, dir, baseSHA, "a.go", []byte("package a\n"), []byte("package a\n\nfunc Hi() {}\n"))

	var out bytes.Buffer
	cmd := newNotesShowCmd()
	cmd.SetOut(&out)
	if err := cmd.Flags().Set("json", "true"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("no-pager", "true"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out.String(), `"schema_version"`) {
		t.Errorf("expected JSON output with schema_version, got %q", out.String())
	}
}

func TestNotesShowRejectsUnresolvableRef(t *testing.T) {
	dir := initNotesTestRepo(t)
	t.Chdir(dir)
	notesTestCommit(t, dir, "a.go", "package a\n", "initial")

	var out bytes.Buffer
	cmd := newNotesShowCmd()
	cmd.SetOut(&out)
	err := cmd.RunE(cmd, []string{"not-a-real-ref"})
	if err == nil {
		t.Fatal("expected error for unresolvable ref")
	}
}
