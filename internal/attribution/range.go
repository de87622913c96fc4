// Package attribution implements the Virtual Attribution model (spec.md §4.4):
// projecting a Working Log onto byte- and line-ranges of a file, attributed
// to an agentid.Identity or the human sentinel.
package attribution

import (
	"fmt"
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/gitai-tools/gitai/internal/agentid"
)

// ByteRange is a half-open, byte-aligned interval attributed to one agent.
// Invariant (spec.md §3): within a file's range list, ranges are
// non-overlapping, sorted by Start, non-empty, and adjacent ranges with the
// same agent are coalesced.
type ByteRange struct {
	Start, End int
	Agent      agentid.Identity
}

func (r ByteRange) Len() int { return r.End - r.Start }

// LineRange is the inclusive-end line-level projection of a ByteRange.
type LineRange struct {
	StartLine, EndLine int // 1-indexed, inclusive
	Agent              agentid.Identity
}

// Coalesce sorts ranges by Start and merges adjacent/overlapping ranges that
// share an agent key, per spec.md §3's coalescing invariant. Overlapping
// ranges with different agents are an input error (the caller is expected to
// never construct them); Coalesce resolves it by keeping whichever occurs
// first in iteration order and trimming the later one, since a well-formed
// replay (see virtual.go) never produces true overlaps.
func Coalesce(ranges []ByteRange) []ByteRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]ByteRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Len() <= 0 {
			continue
		}
		sorted = append(sorted, r)
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]ByteRange, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Start < cur.End {
			// Overlap: trim the incoming range to start where cur ends.
			r.Start = cur.End
			if r.Len() <= 0 {
				continue
			}
		}
		if r.Start == cur.End && r.Agent.Key() == cur.Agent.Key() {
			cur.End = r.End
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// ValidatePartition checks the invariants spec.md §8 requires of a finished
// byte-attribution list for a file of the given length: ranges partition
// [0, length) exactly, are sorted, non-overlapping, non-empty, and no two
// adjacent ranges share an agent.
func ValidatePartition(ranges []ByteRange, length int) error {
	if length == 0 {
		if len(ranges) != 0 {
			return fmt.Errorf("expected no ranges for empty file, got %d", len(ranges))
		}
		return nil
	}
	if len(ranges) == 0 {
		return fmt.Errorf("expected ranges covering [0,%d), got none", length)
	}
	if ranges[0].Start != 0 {
		return fmt.Errorf("first range starts at %d, want 0", ranges[0].Start)
	}
	for i, r := range ranges {
		if r.Len() <= 0 {
			return fmt.Errorf("range %d is empty or invalid: [%d,%d)", i, r.Start, r.End)
		}
		if i > 0 {
			prev := ranges[i-1]
			if r.Start != prev.End {
				return fmt.Errorf("gap or overlap between range %d [%d,%d) and range %d [%d,%d)",
					i-1, prev.Start, prev.End, i, r.Start, r.End)
			}
			if r.Agent.Key() == prev.Agent.Key() {
				return fmt.Errorf("adjacent ranges %d and %d share agent %q: not coalesced", i-1, i, r.Agent.Key())
			}
		}
	}
	if last := ranges[len(ranges)-1]; last.End != length {
		return fmt.Errorf("last range ends at %d, want %d", last.End, length)
	}
	return nil
}

// ProjectToLines derives LineAttributionRanges from a coalesced byte-range
// partition of content, per spec.md §4.4 rule 4: a line is attributed to
// whichever agent wrote the majority of its non-whitespace bytes; ties break
// toward human.
func ProjectToLines(content []byte, ranges []ByteRange) []LineRange {
	if len(content) == 0 {
		return nil
	}

	lineStarts := []int{0}
	for i, b := range content {
		if b == '\n' && i+1 < len(content) {
			lineStarts = append(lineStarts, i+1)
		}
	}

	type lineBounds struct{ start, end int }
	lines := make([]lineBounds, 0, len(lineStarts))
	for i, s := range lineStarts {
		e := len(content)
		if i+1 < len(lineStarts) {
			e = lineStarts[i+1]
		}
		lines = append(lines, lineBounds{s, e})
	}

	var out []LineRange
	for i, ln := range lines {
		owner := dominantAgent(content, ln.start, ln.end, ranges)
		lineNo := i + 1
		if n := len(out); n > 0 && out[n-1].Agent.Key() == owner.Key() && out[n-1].EndLine == lineNo-1 {
			out[n-1].EndLine = lineNo
			continue
		}
		out = append(out, LineRange{StartLine: lineNo, EndLine: lineNo, Agent: owner})
	}
	return out
}

// dominantAgent returns whichever agent owns the most non-whitespace bytes
// in content[start:end] among the byte ranges overlapping that span. Ties,
// including an all-whitespace line, resolve to human.
func dominantAgent(content []byte, start, end int, ranges []ByteRange) agentid.Identity {
	counts := map[string]int{}
	byKey := map[string]agentid.Identity{}

	for _, r := range ranges {
		lo, hi := max(start, r.Start), min(end, r.End)
		if lo >= hi {
			continue
		}
		n := 0
		for i := lo; i < hi; i++ {
			if !isWhitespace(content[i]) {
				n++
			}
		}
		if n == 0 {
			continue
		}
		key := r.Agent.Key()
		counts[key] += n
		byKey[key] = r.Agent
	}

	best := agentid.Human
	bestCount := -1
	humanCount := counts[agentid.Human.Key()]
	for key, n := range counts {
		if key == agentid.Human.Key() {
			continue
		}
		if n > bestCount || (n == bestCount && false) {
			bestCount = n
			best = byKey[key]
		}
	}
	// Ties (including "no non-AI majority" and all-whitespace lines) go to human.
	if bestCount <= humanCount {
		return agentid.Human
	}
	return best
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

// Edit is the minimal shape range-replay needs: delete DeleteLen bytes at
// Start in the prior coordinate space, then insert InsertLen bytes. Unlike
// checkpoint.ByteEdit this carries no content, since shifting ranges only
// needs lengths and attributing the inserted span only needs its size.
type Edit struct {
	Start, DeleteLen, InsertLen int
}

// End returns the exclusive end offset of the deleted span.
func (e Edit) End() int { return e.Start + e.DeleteLen }

// ApplyEdits replays edits (expressed in prior's coordinate space) against
// prior, producing the resulting byte-range partition of the post-content:
// every inserted span is attributed to agent (last-writer), a delete
// splits/removes whatever prior range it falls inside without attributing
// anything, and any byte of [0, postLen) left uncovered — e.g. because prior
// was empty — is also attributed to agent.
func ApplyEdits(prior []ByteRange, edits []Edit, agent agentid.Identity, postLen int) []ByteRange {
	type shiftable struct {
		start, end int
		agent      agentid.Identity
	}
	cur := make([]shiftable, 0, len(prior))
	for _, r := range prior {
		cur = append(cur, shiftable{r.Start, r.End, r.Agent})
	}

	delta := 0
	var inserted []ByteRange
	for _, e := range edits {
		var next []shiftable
		for _, p := range cur {
			if p.end <= e.Start || p.start >= e.End() {
				next = append(next, p)
				continue
			}
			if p.start < e.Start {
				next = append(next, shiftable{p.start, e.Start, p.agent})
			}
			if p.end > e.End() {
				next = append(next, shiftable{e.End(), p.end, p.agent})
			}
		}
		cur = next

		if e.InsertLen > 0 {
			inserted = append(inserted, ByteRange{Start: e.Start + delta, End: e.Start + delta + e.InsertLen, Agent: agent})
		}
		delta += e.InsertLen - e.DeleteLen
	}

	var out []ByteRange
	for _, p := range cur {
		out = append(out, ByteRange{Start: ShiftPos(p.start, edits), End: ShiftPos(p.end, edits), Agent: p.agent})
	}
	out = append(out, inserted...)
	return FillGaps(Coalesce(out), postLen, agent)
}

// ShiftPos maps a prior-coordinate offset to its post-coordinate offset by
// accumulating the net length delta of every edit that starts before pos.
// Using the edit's Start rather than its End as the threshold matters at the
// boundary where a kept range ends exactly where a pure insert (DeleteLen
// 0) begins: Start == End() there, and the boundary must NOT absorb the
// insert's length, or a range ending right before newly-inserted content
// would silently expand to swallow it.
func ShiftPos(pos int, edits []Edit) int {
	delta := 0
	for _, e := range edits {
		if e.Start < pos {
			delta += e.InsertLen - e.DeleteLen
			continue
		}
		break
	}
	return pos + delta
}

// FillGaps attributes any byte of [0, length) not covered by ranges to
// filler, then coalesces. Used when a file has no prior attribution at all
// (first touch) so the whole content ends up attributed instead of left
// unassigned.
func FillGaps(ranges []ByteRange, length int, filler agentid.Identity) []ByteRange {
	if length == 0 {
		return nil
	}
	covered := make([]bool, length)
	for _, r := range ranges {
		for i := max(0, r.Start); i < min(length, r.End); i++ {
			covered[i] = true
		}
	}
	withGaps := append([]ByteRange{}, ranges...)
	gapStart := -1
	for i := 0; i <= length; i++ {
		uncovered := i < length && !covered[i]
		if uncovered && gapStart == -1 {
			gapStart = i
		} else if !uncovered && gapStart != -1 {
			withGaps = append(withGaps, ByteRange{Start: gapStart, End: i, Agent: filler})
			gapStart = -1
		}
	}
	return Coalesce(withGaps)
}

// DiffEdits computes the pre→post edit script at byte granularity using
// diffmatchpatch's Myers-diff implementation, collapsing adjacent
// delete+insert pairs into a single replace edit.
func DiffEdits(pre, post []byte) []Edit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(pre), string(post), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var edits []Edit
	preOffset := 0
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			preOffset += len(d.Text)
		case diffmatchpatch.DiffDelete:
			edit := Edit{Start: preOffset, DeleteLen: len(d.Text)}
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				edit.InsertLen = len(diffs[i+1].Text)
				i++
			}
			edits = append(edits, edit)
			preOffset += len(d.Text)
		case diffmatchpatch.DiffInsert:
			edits = append(edits, Edit{Start: preOffset, InsertLen: len(d.Text)})
		}
	}
	return edits
}
