// Package agentid defines the identity types attribution is keyed by:
// AgentIdentity (tool/model/session/prompt) and the distinguished human
// sentinel, per spec.md §3.
package agentid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HumanTool is the sentinel Tool value representing a human author.
const HumanTool = "human"

// Identity identifies the producer of a byte or line range: either a
// specific AI agent invocation, or the human sentinel.
type Identity struct {
	// Tool is the agent/tool name, e.g. "claude-code", "cursor". HumanTool
	// for the human sentinel.
	Tool string `json:"tool"`

	// Model is the model identifier the tool reported, e.g. "claude-opus-4-6".
	// Empty for human.
	Model string `json:"model,omitempty"`

	// SessionID is the tool's session/conversation identifier.
	SessionID string `json:"session_id,omitempty"`

	// PromptID is the stable hash of the prompt turn that produced this
	// identity's edits. See NewPromptID.
	PromptID string `json:"prompt_id,omitempty"`
}

// Human is the distinguished sentinel identity for human-authored ranges.
var Human = Identity{Tool: HumanTool}

// IsHuman reports whether id is the human sentinel.
func (id Identity) IsHuman() bool {
	return id.Tool == HumanTool || id.Tool == ""
}

// Equal reports whether two identities refer to the same agent/prompt turn.
// Two human identities are always equal regardless of other fields.
func (id Identity) Equal(other Identity) bool {
	if id.IsHuman() && other.IsHuman() {
		return true
	}
	return id.Tool == other.Tool &&
		id.Model == other.Model &&
		id.SessionID == other.SessionID &&
		id.PromptID == other.PromptID
}

// Key returns a stable string key for use as a map key or coalescing
// comparator, collapsing all human variants to a single key.
func (id Identity) Key() string {
	if id.IsHuman() {
		return HumanTool
	}
	return strings.Join([]string{id.Tool, id.Model, id.SessionID, id.PromptID}, "\x1f")
}

// NewPromptID computes the stable prompt_id hash for a user-visible prompt
// string. Two checkpoints derived from the same prompt turn MUST hash to the
// same PromptID (spec.md §3: "Two events share a prompt_id iff they belong to
// the same prompt turn").
func NewPromptID(sessionID, promptText string) string {
	h := sha256.Sum256([]byte(sessionID + "\x00" + promptText))
	return hex.EncodeToString(h[:])[:16]
}
