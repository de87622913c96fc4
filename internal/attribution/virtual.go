package attribution

import (
	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/checkpoint"
)

// Replay computes the final byte-attribution partition for one file at
// reconciliation time (spec.md §4.4): start from the last recorded
// WorkingLogEntry's attribution (already the cumulative result of every
// checkpoint touching path), then diff its post-content against the
// content actually committed and attribute whatever changed there to a
// human — edits made directly in the worktree, outside any recorded tool
// checkpoint, between the last checkpoint and the commit.
//
// entries must be every WorkingLogEntry touching path from the working log,
// in checkpoint order (MergeSamePrompt already applied per prompt turn).
// If entries is empty, path was never touched by a recorded checkpoint and
// the entire committed content is attributed to human.
func Replay(entries []checkpoint.WorkingLogEntry, committedContent []byte) []ByteRange {
	if len(entries) == 0 {
		edits := DiffEdits(nil, committedContent)
		return ApplyEdits(nil, edits, agentid.Human, len(committedContent))
	}

	last := entries[len(entries)-1]
	edits := DiffEdits(last.PostContent, committedContent)
	if len(edits) == 0 {
		return Coalesce(append([]ByteRange{}, last.AttributedRegions...))
	}
	return ApplyEdits(last.AttributedRegions, edits, agentid.Human, len(committedContent))
}
