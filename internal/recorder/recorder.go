// Package recorder implements the Checkpoint Recorder (spec.md §4.3): it
// diffs a tool's pre/post file state at byte granularity and applies the
// AI-authorship policy to produce a WorkingLogEntry.
package recorder

import (
	"bytes"
	"time"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
	"github.com/gitai-tools/gitai/internal/checkpoint"
)

// DiffEdits computes the pre→post edit script at byte granularity, preserving
// the actual inserted bytes so the WorkingLogEntry can be persisted and
// replayed later without re-reading the worktree.
func DiffEdits(pre, post []byte) []checkpoint.ByteEdit {
	return reattachInsertedBytes(attribution.DiffEdits(pre, post), post)
}

// reattachInsertedBytes walks post alongside the range-only edit script and
// fills in the inserted bytes for each edit, since attribution.DiffEdits
// only tracks lengths.
func reattachInsertedBytes(rangeEdits []attribution.Edit, post []byte) []checkpoint.ByteEdit {
	edits := make([]checkpoint.ByteEdit, 0, len(rangeEdits))
	postOffset := 0
	delta := 0
	for _, e := range rangeEdits {
		postOffset = e.Start + delta
		var inserted []byte
		if e.InsertLen > 0 {
			inserted = append([]byte(nil), post[postOffset:postOffset+e.InsertLen]...)
		}
		edits = append(edits, checkpoint.ByteEdit{Start: e.Start, DeleteLen: e.DeleteLen, Inserted: inserted})
		delta += e.InsertLen - e.DeleteLen
	}
	return edits
}

// BuildEntry constructs a WorkingLogEntry for one tool call's effect on one
// file, applying the attribution policy of spec.md §4.3:
//
//  1. every inserted byte range is attributed to agent.
//  2. modified regions where prior content already had an attribution: the
//     current agent wins (last-writer).
//  3. deletions are not an attribution; they split/remove existing ranges.
//  4. if hasPre is false (tool reported no pre-state), the whole of post is
//     treated as AI-authored and the prior range map for this file is lost.
//
// priorRanges is the accumulated attribution for this path before this
// checkpoint (nil if unknown / first touch). BuildEntry returns
// (entry, false) when the checkpoint touches zero bytes, per spec.md §4.3
// ("checkpoints that touch zero bytes are dropped").
func BuildEntry(
	path string,
	pre []byte, hasPre bool,
	post []byte,
	priorRanges []attribution.ByteRange,
	agent agentid.Identity,
	promptID string,
	now time.Time,
) (checkpoint.WorkingLogEntry, bool) {
	entry := checkpoint.WorkingLogEntry{
		Path:         path,
		PostSnapshot: checkpoint.NewFileSnapshot(path, post),
		PostContent:  post,
		PromptID:     promptID,
		Agent:        agent,
		WallClock:    now,
	}

	if !hasPre {
		entry.LostPreState = true
		if len(post) == 0 {
			return entry, false
		}
		entry.AttributedRegions = attribution.Coalesce([]attribution.ByteRange{
			{Start: 0, End: len(post), Agent: agent},
		})
		return entry, true
	}

	preSnap := checkpoint.NewFileSnapshot(path, pre)
	entry.PreSnapshot = &preSnap
	entry.PreContent = pre

	rangeEdits := attribution.DiffEdits(pre, post)
	if len(rangeEdits) == 0 {
		return entry, false
	}
	entry.Edits = reattachInsertedBytes(rangeEdits, post)

	// priorRanges is nil both for a genuinely new file (pre is also empty)
	// and for a pre-existing file no checkpoint has attributed yet. Only the
	// latter needs a baseline: ApplyEdits fills any byte not covered by an
	// edit with agent, so a nil prior over non-empty pre content would credit
	// the AI with every untouched byte of a file a human already wrote
	// (spec.md §4.3 rule 1, §4.4 step 1).
	basePriors := priorRanges
	if basePriors == nil && len(pre) > 0 {
		basePriors = attribution.Coalesce([]attribution.ByteRange{
			{Start: 0, End: len(pre), Agent: agentid.Human},
		})
	}
	entry.AttributedRegions = attribution.ApplyEdits(basePriors, rangeEdits, agent, len(post))
	return entry, true
}

// ReconcileHumanGap detects and attributes edits made to a file outside any
// tool call, between the last checkpoint's post-snapshot and this tool's
// pre-snapshot (spec.md §4.4 step 2: "If content_hash does not match ...
// synthesize a human reconciliation step: diff current accumulated content
// vs entry.pre_snapshot and attribute the delta to human, then apply the
// entry"). If pre matches lastPostContent exactly, lastRanges is returned
// unchanged; otherwise the lastPostContent->pre delta is attributed to
// agentid.Human so the caller can apply this checkpoint's own edits on top
// of an up-to-date baseline.
func ReconcileHumanGap(lastPostContent []byte, lastRanges []attribution.ByteRange, pre []byte) []attribution.ByteRange {
	if bytes.Equal(lastPostContent, pre) {
		return lastRanges
	}
	edits := attribution.DiffEdits(lastPostContent, pre)
	if len(edits) == 0 {
		return lastRanges
	}
	return attribution.ApplyEdits(lastRanges, edits, agentid.Human, len(pre))
}

// MergeSamePrompt coalesces multiple WorkingLogEntry values for the same
// path produced within a single prompt_id into one, per spec.md §4.3: "the
// recorder coalesces them into one WorkingLogEntry whose attributed_regions
// is the union under rule (2)". entries must be supplied in checkpoint
// order, each built with BuildEntry using the previous entry's
// AttributedRegions as priorRanges, so the last entry's AttributedRegions is
// already the cumulative last-writer-wins partition; MergeSamePrompt folds
// the rest into a single record spanning the whole prompt turn.
func MergeSamePrompt(entries []checkpoint.WorkingLogEntry) checkpoint.WorkingLogEntry {
	merged := entries[0]
	for _, e := range entries[1:] {
		merged.PostSnapshot = e.PostSnapshot
		merged.PostContent = e.PostContent
		merged.WallClock = e.WallClock
		merged.Edits = append(merged.Edits, e.Edits...)
		merged.AttributedRegions = e.AttributedRegions
		merged.LostPreState = merged.LostPreState || e.LostPreState
	}
	return merged
}
