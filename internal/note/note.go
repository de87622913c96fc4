// Package note defines the AuthorshipNote wire format (spec.md §3, §6): the
// value stored at refs/notes/ai for a commit is a human-readable attestation
// block followed by a JSON object carrying the full note.
package note

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gitai-tools/gitai/internal/agentid"
	"github.com/gitai-tools/gitai/internal/attribution"
	"github.com/gitai-tools/gitai/internal/jsonutil"
)

// SchemaVersion is the AuthorshipNote format version (spec.md §3).
const SchemaVersion = "authorship/3.0.0"

// Author is the commit author recorded on an AuthorshipNote.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LineAttributionRange is the line-level projection of a ByteRange
// (spec.md §3), the human-friendly companion to FileAttribution's
// byte-level ranges.
type LineAttributionRange struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Agent     string `json:"agent"`
}

// ByteAttributionRange is one entry of a file's byte-level attribution
// partition.
type ByteAttributionRange struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Agent string `json:"agent"`
}

// FileAttribution is one file's attribution record within an AuthorshipNote.
type FileAttribution struct {
	LineAttributions []LineAttributionRange `json:"line_attributions"`
	ByteAttributions []ByteAttributionRange `json:"byte_attributions"`
	ContentHash      string                 `json:"content_hash"`
}

// PromptRecord captures one prompt turn referenced by a surviving
// attribution range, per spec.md §4.5 ("include only PromptRecords
// referenced by a surviving attribution").
type PromptRecord struct {
	PromptID   string           `json:"prompt_id"`
	Agent      agentid.Identity `json:"agent"`
	Transcript []byte           `json:"transcript,omitempty"`
}

// Provenance tracks the rewrite lineage of a commit (spec.md §3): the set
// of commits this one was derived from, and the rewrite chain leading to
// it, populated by the Rewrite Tracker.
type Provenance struct {
	SourceCommits []string `json:"source_commits,omitempty"`
	RewriteChain  []string `json:"rewrite_chain,omitempty"`
}

// AuthorshipNote is the full content of a refs/notes/ai entry for one
// commit (spec.md §3).
type AuthorshipNote struct {
	SchemaVersion string                     `json:"schema_version"`
	CommitSHA     string                     `json:"commit_sha"`
	ParentSHAs    []string                   `json:"parent_shas"`
	Author        Author                     `json:"author"`
	Files         map[string]FileAttribution `json:"files"`
	Prompts       map[string]PromptRecord    `json:"prompts"`
	Provenance    Provenance                 `json:"provenance"`
}

// New builds an empty AuthorshipNote for a commit with no attributed files
// (spec.md §4.5: empty commits, or commits with nothing left to attribute).
func New(commitSHA string, parentSHAs []string, author Author) AuthorshipNote {
	return AuthorshipNote{
		SchemaVersion: SchemaVersion,
		CommitSHA:     commitSHA,
		ParentSHAs:    parentSHAs,
		Author:        author,
		Files:         map[string]FileAttribution{},
		Prompts:       map[string]PromptRecord{},
	}
}

// AddFile records path's attribution, projecting ranges to lines and
// referencing every prompt_id with a surviving (non-human) range so the
// caller can decide which PromptRecords to attach.
func (n *AuthorshipNote) AddFile(path string, content []byte, ranges []attribution.ByteRange) {
	lineRanges := attribution.ProjectToLines(content, ranges)

	fa := FileAttribution{
		LineAttributions: []LineAttributionRange{},
		ByteAttributions: []ByteAttributionRange{},
		ContentHash:      contentHashHex(content),
	}
	for _, lr := range lineRanges {
		fa.LineAttributions = append(fa.LineAttributions, LineAttributionRange{
			StartLine: lr.StartLine,
			EndLine:   lr.EndLine,
			Agent:     lr.Agent.Key(),
		})
	}
	for _, br := range ranges {
		fa.ByteAttributions = append(fa.ByteAttributions, ByteAttributionRange{
			Start: br.Start,
			End:   br.End,
			Agent: br.Agent.Key(),
		})
	}
	n.Files[path] = fa
}

// ReferencedAgentKeys returns the set of non-human agent keys referenced by
// any file's byte attribution, used to decide which PromptRecords survive
// into the note (spec.md §4.5).
func (n AuthorshipNote) ReferencedAgentKeys() map[string]bool {
	keys := map[string]bool{}
	for _, fa := range n.Files {
		for _, br := range fa.ByteAttributions {
			if br.Agent != agentid.Human.Key() {
				keys[br.Agent] = true
			}
		}
	}
	return keys
}

// Encode renders the note in the wire format of spec.md §6: a
// human-readable attestation block followed by the JSON-encoded note.
func Encode(n AuthorshipNote) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(attestationBlock(n))
	buf.WriteString("\n")

	body, err := jsonutil.MarshalIndentWithNewline(n, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("note: marshal authorship note: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses a note blob written by Encode, recovering the JSON object
// that follows the attestation block. The attestation block itself is
// derived data and is not parsed back out.
func Decode(blob []byte) (AuthorshipNote, error) {
	idx := bytes.IndexByte(blob, '{')
	if idx < 0 {
		return AuthorshipNote{}, fmt.Errorf("note: no JSON object found in note blob")
	}
	var n AuthorshipNote
	if err := json.Unmarshal(blob[idx:], &n); err != nil {
		return AuthorshipNote{}, fmt.Errorf("note: unmarshal authorship note: %w", err)
	}
	return n, nil
}

// attestationBlock renders the human-readable summary that precedes the
// JSON body: one line per file naming its non-human authorship share.
func attestationBlock(n AuthorshipNote) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("AI authorship attestation for %s", shortSHA(n.CommitSHA)))

	paths := make([]string, 0, len(n.Files))
	for p := range n.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		lines = append(lines, "(no additions)")
	}
	for _, p := range paths {
		fa := n.Files[p]
		lines = append(lines, fmt.Sprintf("  %s: %s", p, summarizeAgents(fa.ByteAttributions)))
	}
	return strings.Join(lines, "\n")
}

// summarizeAgents renders a one-line "agent: N%, agent: N%" summary of a
// file's byte attribution, weighted by byte count.
func summarizeAgents(ranges []ByteAttributionRange) string {
	if len(ranges) == 0 {
		return "(no additions)"
	}
	totals := map[string]int{}
	total := 0
	for _, r := range ranges {
		n := r.End - r.Start
		totals[r.Agent] += n
		total += n
	}
	if total == 0 {
		return "(no additions)"
	}

	agents := make([]string, 0, len(totals))
	for a := range totals {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return totals[agents[i]] > totals[agents[j]] })

	parts := make([]string, 0, len(agents))
	for _, a := range agents {
		pct := totals[a] * 100 / total
		parts = append(parts, fmt.Sprintf("%s %d%%", a, pct))
	}
	return strings.Join(parts, ", ")
}

// contentHashHex matches checkpoint.HashContent's format without importing
// the checkpoint package, since checkpoint already imports attribution and
// note sits alongside it in the same layer.
func contentHashHex(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
