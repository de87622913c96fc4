// Package workinglog implements the Working Log (spec.md §4.2): the
// in-memory view over the unreconciled checkpoints for one base commit,
// built by streaming Repo Storage.
package workinglog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/checkpoint"
	"github.com/gitai-tools/gitai/internal/storage"
)

// Log is an immutable-within-a-read view over every checkpoint recorded
// against one base commit SHA. A Log is always rebuilt from Repo Storage;
// it is never held across hook processes (spec.md §3: "owned for the
// duration of a hook invocation").
type Log struct {
	baseSHA     string
	checkpoints []checkpoint.Checkpoint

	// entriesByPath and agentsByPrompt are derived indexes over checkpoints
	// built once at load time; they share the underlying WorkingLogEntry
	// values with checkpoints rather than copying, so cloning a Log (see
	// Clone) is a cheap slice-header copy, not a deep copy.
	entriesByPath  map[string][]checkpoint.WorkingLogEntry
	agentsByPrompt map[string]agentid.Identity
}

// Build streams every checkpoint recorded for baseSHA from store and
// returns the resulting Log. Returns a valid, empty Log (no error) if no
// working log has been started for baseSHA yet.
func Build(ctx context.Context, store *storage.Store, baseSHA string) (*Log, error) {
	log := &Log{
		baseSHA:        baseSHA,
		entriesByPath:  map[string][]checkpoint.WorkingLogEntry{},
		agentsByPrompt: map[string]agentid.Identity{},
	}

	err := store.Read(ctx, baseSHA, func(cp checkpoint.Checkpoint) error {
		log.checkpoints = append(log.checkpoints, cp)
		for _, e := range cp.Entries {
			log.entriesByPath[e.Path] = append(log.entriesByPath[e.Path], e)
			if _, ok := log.agentsByPrompt[e.PromptID]; !ok {
				log.agentsByPrompt[e.PromptID] = e.Agent
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return log, nil
		}
		return nil, fmt.Errorf("workinglog: build for %s: %w", baseSHA, err)
	}
	return log, nil
}

// BaseSHA returns the base commit SHA this log was built against.
func (l *Log) BaseSHA() string { return l.baseSHA }

// Checkpoints returns every checkpoint in append order. The returned slice
// shares storage with the Log and must not be mutated by the caller.
func (l *Log) Checkpoints() []checkpoint.Checkpoint { return l.checkpoints }

// EntriesFor returns every WorkingLogEntry touching path, in checkpoint
// order (spec.md §4.2 entries_for). The returned slice shares storage with
// the Log and must not be mutated.
func (l *Log) EntriesFor(path string) []checkpoint.WorkingLogEntry {
	return l.entriesByPath[path]
}

// Paths returns every path touched by any checkpoint in the log.
func (l *Log) Paths() []string {
	paths := make([]string, 0, len(l.entriesByPath))
	for p := range l.entriesByPath {
		paths = append(paths, p)
	}
	return paths
}

// LatestSnapshot returns the content_hash of the last post_snapshot
// recorded for path (spec.md §4.2 latest_snapshot), and whether any
// checkpoint has touched path at all.
func (l *Log) LatestSnapshot(path string) (contentHash string, ok bool) {
	entries := l.entriesByPath[path]
	if len(entries) == 0 {
		return "", false
	}
	return entries[len(entries)-1].PostSnapshot.ContentHash, true
}

// AgentActiveAt returns the agent identity that produced promptID's
// checkpoints (spec.md §4.2 agent_active_at).
func (l *Log) AgentActiveAt(promptID string) (agentid.Identity, bool) {
	id, ok := l.agentsByPrompt[promptID]
	return id, ok
}

// Empty reports whether no checkpoint has ever been recorded for this base.
func (l *Log) Empty() bool { return len(l.checkpoints) == 0 }

// Clone returns a Log sharing the same underlying checkpoint and index
// storage as l (spec.md §4.2: "cloning the log across concurrent tasks
// MUST share structure, never deep-copy"). The clone is safe to hand to a
// concurrent reader since Log is never mutated after Build.
func (l *Log) Clone() *Log {
	clone := *l
	return &clone
}
