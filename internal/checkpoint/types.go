// Package checkpoint defines the on-the-wire and on-disk checkpoint types
// (spec.md §3): FileSnapshot, WorkingLogEntry, and Checkpoint, plus the hash
// helper they're keyed by.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
)

// HashContent computes the content_hash used throughout the data model:
// sha256 over the raw bytes, hex-encoded.
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// CountLines counts lines the way the rest of the attribution pipeline does:
// an empty file has 0 lines; a file without a trailing newline still counts
// its last, unterminated line.
func CountLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// FileSnapshot is a point-in-time fingerprint of a tracked file (spec.md §3).
// Invariant: a path has at most one "current" snapshot per base commit at
// any time.
type FileSnapshot struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	BytesLen    int    `json:"bytes_len"`
	LineCount   int    `json:"line_count"`
}

// NewFileSnapshot builds a FileSnapshot from content.
func NewFileSnapshot(path string, content []byte) FileSnapshot {
	return FileSnapshot{
		Path:        path,
		ContentHash: HashContent(content),
		BytesLen:    len(content),
		LineCount:   CountLines(content),
	}
}

// ByteEdit is one structural edit in the pre→post edit script for a file:
// delete DeleteLen bytes starting at Start in the pre-content, then insert
// Inserted at that position. This is the byte_diff_regions of spec.md §3,
// expressed as an applicable edit script rather than bare ranges so replay
// (internal/attribution) can shift later ranges without re-diffing.
type ByteEdit struct {
	Start     int    `json:"start"`
	DeleteLen int    `json:"delete_len"`
	Inserted  []byte `json:"inserted,omitempty"`
}

// End returns the exclusive end offset of the deleted span in pre-content.
func (e ByteEdit) End() int { return e.Start + e.DeleteLen }

// WorkingLogEntry represents one file-level effect of one tool call
// (spec.md §3). Invariant: Edits apply cleanly to a buffer whose hash is
// PreSnapshot.ContentHash (when PreSnapshot is set) and produce a buffer
// whose hash is PostSnapshot.ContentHash.
type WorkingLogEntry struct {
	Path string `json:"path"`

	// PreSnapshot is nil when the tool could not report pre-state (spec.md
	// §4.3 rule 4); LostPreState is set in that case.
	PreSnapshot *FileSnapshot `json:"pre_snapshot,omitempty"`
	PostSnapshot FileSnapshot `json:"post_snapshot"`

	// PreContent/PostContent hold the actual bytes alongside the hashes
	// above so replay can apply/verify edits without re-reading the
	// worktree at arbitrary past points. PreContent is empty when
	// LostPreState is true.
	PreContent  []byte `json:"pre_content,omitempty"`
	PostContent []byte `json:"post_content"`

	Edits []ByteEdit `json:"edits,omitempty"`

	// AttributedRegions is derived from Edits by applying the AI-authorship
	// policy (spec.md §4.3): every inserted byte attributed to Agent,
	// modified-over-prior-AI-content attributed to Agent (last-writer),
	// deletions split/remove prior ranges rather than attributing anything.
	AttributedRegions []attribution.ByteRange `json:"attributed_regions"`

	PromptID  string           `json:"prompt_id"`
	Agent     agentid.Identity `json:"agent"`
	WallClock time.Time        `json:"wall_clock"`

	LostPreState bool `json:"lost_pre_state,omitempty"`
}

// InitialEntry is the session-start human-attribution baseline for one
// tracked file (spec.md §4.1's initial.jsonl, §4.4 step 1: "start from
// initial.jsonl attributions, everything human at base commit"). Recorded
// the first time the Checkpoint Recorder sees a path for a given base
// commit, before any checkpoint has touched it.
type InitialEntry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	BytesLen    int    `json:"bytes_len"`
}

// Checkpoint is one immutable record of a tool event's effect on one or more
// files (spec.md §3), the unit Repo Storage appends one-per-line.
type Checkpoint struct {
	CheckpointID  string            `json:"checkpoint_id"`
	BaseCommitSHA string            `json:"base_commit_sha"`
	WallClock     time.Time         `json:"wall_clock"`
	Agent         agentid.Identity  `json:"agent"`
	PromptID      string            `json:"prompt_id"`
	Entries       []WorkingLogEntry `json:"entries"`
	Transcript    []byte            `json:"transcript,omitempty"`
}

// TouchesPath reports whether any entry in the checkpoint touches path.
func (c Checkpoint) TouchesPath(path string) bool {
	for _, e := range c.Entries {
		if e.Path == path {
			return true
		}
	}
	return false
}
