package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/ingest"
	"github.com/gitai-tools/gitai/internal/logging"
	"github.com/gitai-tools/gitai/internal/paths"
	"github.com/gitai-tools/gitai/internal/pending"
	"github.com/gitai-tools/gitai/internal/recorder"
	"github.com/gitai-tools/gitai/internal/redact"
	"github.com/gitai-tools/gitai/internal/storage"
	"github.com/gitai-tools/gitai/internal/validation"
	"github.com/gitai-tools/gitai/internal/workinglog"
)

const agentV1Preset = "agent-v1"

// newCheckpointCmd is the entry point agent-specific hook scripts pipe
// checkpoint events into (spec.md §1's "explicit non-goals": per-agent
// parsers live outside this repo and call this subcommand directly).
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Commands for recording AI tool-call checkpoints",
	}
	cmd.AddCommand(newCheckpointIngestCmd())
	return cmd
}

func newCheckpointIngestCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record a checkpoint event from stdin",
		Long: `Reads one checkpoint event as JSON from stdin (the canonical schema by
default, or the generic agent-v1 envelope with --preset agent-v1) and
records its effect in the Working Log for the current HEAD.

Unlike a git hook, ingest is not advisory: a malformed event is rejected
with a non-zero exit (spec.md §7's MalformedCheckpoint), since nothing
else in the pipeline depends on this process completing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			event, err := parseIngestEvent(cmd, preset)
			if err != nil {
				return fmt.Errorf("checkpoint ingest: %w", err)
			}
			if err := validation.ValidateToolUseID(event.ToolUseID); err != nil {
				return fmt.Errorf("checkpoint ingest: %w", err)
			}

			ctx := logging.WithComponent(cmd.Context(), "checkpoint")
			switch event.HookEventName {
			case "PreToolUse":
				return recordPreToolUse(ctx, event)
			case "PostToolUse":
				return recordPostToolUse(ctx, event)
			default:
				// session.created and other lifecycle events carry no file
				// effect to record; accepted as a no-op rather than rejected.
				logging.Debug(ctx, "checkpoint ingest: ignoring non-tool event",
					slog.String("hook_event_name", event.HookEventName))
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", `Input schema preset ("agent-v1" for the generic envelope; default is the canonical schema)`)
	return cmd
}

func parseIngestEvent(cmd *cobra.Command, preset string) (ingest.Event, error) {
	if preset == agentV1Preset {
		envelope, err := ingest.ParseAgentV1(cmd.InOrStdin())
		if err != nil {
			return ingest.Event{}, err
		}
		return envelope.Normalize(), nil
	}
	return ingest.ParseCanonical(cmd.InOrStdin())
}

// recordPreToolUse snapshots every edited file's current on-disk content so
// the matching PostToolUse invocation (a separate OS process) can diff
// against it, via internal/pending.
func recordPreToolUse(ctx context.Context, event ingest.Event) error {
	snapshots := map[string][]byte{}
	for _, path := range event.EditedFilepaths {
		content, err := os.ReadFile(resolvePath(event.Cwd, path)) //nolint:gosec // path from the agent's own edited_filepaths
		if err != nil {
			// Pre-state unreadable (new file, permissions): record as
			// absent rather than failing the whole event; BuildEntry treats
			// a missing entry the same as hasPre=false at PostToolUse time.
			continue
		}
		snapshots[path] = content
	}
	if err := pending.Capture(event.Cwd, event.ToolUseID, snapshots); err != nil {
		return fmt.Errorf("capture pre-snapshot: %w", err)
	}
	logging.Debug(ctx, "checkpoint ingest: captured pre-snapshot",
		slog.String("tool_use_id", event.ToolUseID), slog.Int("files", len(snapshots)))
	return nil
}

// recordPostToolUse consumes the matching pre-snapshot, diffs each edited
// file against its current content, builds a checkpoint.Checkpoint, and
// appends it to the Working Log for the current HEAD (spec.md §4.3/§4.1).
func recordPostToolUse(ctx context.Context, event ingest.Event) error {
	repo, err := gitutil.OpenRepository(event.Cwd)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	baseSHA, err := gitutil.HeadSHA(repo)
	if err != nil {
		return fmt.Errorf("resolve base commit: %w", err)
	}

	store, err := storage.Open(event.Cwd)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	log, err := workinglog.Build(ctx, store, baseSHA)
	if err != nil {
		return fmt.Errorf("build working log: %w", err)
	}

	preSnapshots, err := pending.Consume(event.Cwd, event.ToolUseID)
	if err != nil {
		logging.Debug(ctx, "checkpoint ingest: no pre-snapshot for tool call",
			slog.String("tool_use_id", event.ToolUseID))
	}

	// No explicit prompt-text field exists in the canonical ingest schema
	// (spec.md §6); the tool_use_id is the closest stable per-call grouping
	// key available absent an explicit agent_id.prompt_id override, so it
	// stands in as the hash input for agentid.NewPromptID's fallback path.
	agent := event.Identity(event.ToolUseID)

	initialEntries, err := store.ReadInitial(baseSHA)
	if err != nil {
		return fmt.Errorf("read initial snapshot: %w", err)
	}

	var entries []checkpoint.WorkingLogEntry
	for _, path := range event.EditedFilepaths {
		post, err := os.ReadFile(resolvePath(event.Cwd, path)) //nolint:gosec // path from the agent's own edited_filepaths
		if err != nil {
			continue
		}
		pre, hasPre := preSnapshots[path]

		priorEntries := log.EntriesFor(path)
		var priorRanges []attribution.ByteRange
		switch {
		case len(priorEntries) > 0:
			// A tool may run again without an intervening PreToolUse capture
			// for this path, or the human may edit the file by hand between
			// checkpoints; either way pre can diverge from the last recorded
			// post-content. Synthesize the human delta before applying this
			// checkpoint's own edits (spec.md §4.4 step 2).
			last := priorEntries[len(priorEntries)-1]
			priorRanges = recorder.ReconcileHumanGap(last.PostContent, last.AttributedRegions, pre)
		case hasPre && len(pre) > 0:
			// First checkpoint ever recorded for this path under this base
			// commit, but the file already had content: seed the session-start
			// human baseline (spec.md §4.1 initial.jsonl, §4.4 step 1) and
			// persist it so later replay can start from it too.
			initial, ok := initialEntries[path]
			if !ok {
				initial = checkpoint.InitialEntry{
					Path:        path,
					ContentHash: checkpoint.HashContent(pre),
					BytesLen:    len(pre),
				}
				if err := store.WriteInitialIfAbsent(baseSHA, initial); err != nil {
					return fmt.Errorf("record initial snapshot for %s: %w", path, err)
				}
				initialEntries[path] = initial
			}
			priorRanges = attribution.Coalesce([]attribution.ByteRange{
				{Start: 0, End: initial.BytesLen, Agent: agentid.Human},
			})
		}

		entry, touched := recorder.BuildEntry(path, pre, hasPre, post, priorRanges, agent, agent.PromptID, time.Now())
		if !touched {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		logging.Debug(ctx, "checkpoint ingest: no bytes touched, dropping checkpoint")
		return nil
	}

	transcript, err := redactTranscript(event.Transcript)
	if err != nil {
		return fmt.Errorf("redact transcript: %w", err)
	}

	cp := checkpoint.Checkpoint{
		CheckpointID:  event.ToolUseID,
		BaseCommitSHA: baseSHA,
		WallClock:     time.Now(),
		Agent:         agent,
		PromptID:      agent.PromptID,
		Entries:       entries,
		Transcript:    transcript,
	}
	if err := store.Append(ctx, cp); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}

	logging.Info(ctx, "checkpoint ingest: recorded checkpoint",
		slog.String("base_commit_sha", baseSHA), slog.Int("files", len(entries)),
		slog.String("agent", agent.Key()))
	return writeCurrentSession(event)
}

func redactTranscript(transcript []byte) ([]byte, error) {
	if len(transcript) == 0 {
		return nil, nil
	}
	redacted, err := redact.JSONLBytes(transcript)
	if err != nil {
		// Not valid JSONL (a plain-text transcript, say): fall back to the
		// raw byte-level redaction rather than rejecting the checkpoint.
		return redact.Bytes(transcript), nil //nolint:nilerr
	}
	return redacted, nil
}

// writeCurrentSession records the agent's session id so a later hook
// process can bootstrap logging.Init against the same log file
// (internal/paths.ReadCurrentSession / internal/logging's initHookLogging).
func writeCurrentSession(event ingest.Event) error {
	if event.AgentID == nil || event.AgentID.SessionID == "" {
		return nil
	}
	root, err := paths.RepoRoot(event.Cwd)
	if err != nil {
		return nil //nolint:nilerr // best-effort bookkeeping, never fails ingest
	}
	dir := filepath.Join(root, ".gitai")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil //nolint:nilerr
	}
	_ = os.WriteFile(filepath.Join(dir, paths.CurrentSessionFile), []byte(event.AgentID.SessionID), 0o644)
	return nil
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}
