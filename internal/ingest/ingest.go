// Package ingest implements the canonical checkpoint ingest schema (spec.md
// §6): the JSON envelope delivered on stdin to the checkpoint subcommand by
// whichever agent-specific hook fired, normalized to one shape the
// Checkpoint Recorder can consume regardless of which tool produced it.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gitai-tools/gitai/internal/agentid"
)

// Event is the canonical checkpoint ingest schema (spec.md §6): every
// preset parser normalizes its agent-native payload down to this shape.
type Event struct {
	HookEventName    string           `json:"hook_event_name"`
	ToolName         string           `json:"tool_name"`
	ToolUseID        string           `json:"tool_use_id"`
	ToolInput        json.RawMessage  `json:"tool_input"`
	Cwd              string           `json:"cwd"`
	EditedFilepaths  []string         `json:"edited_filepaths,omitempty"`
	AgentID          *AgentIDOverride `json:"agent_id,omitempty"`
	TelemetryPayload json.RawMessage  `json:"telemetry_payload,omitempty"`
	Transcript       []byte           `json:"-"`
}

// AgentIDOverride lets an ingest event specify the agent identity directly,
// bypassing whatever default the preset would otherwise assign (spec.md §6:
// "optional agent_id overrides").
type AgentIDOverride struct {
	Tool      string `json:"tool"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id"`
	PromptID  string `json:"prompt_id,omitempty"`
}

// ErrEmptyInput is returned when stdin carried no bytes at all.
var ErrEmptyInput = fmt.Errorf("ingest: empty input")

// ParseCanonical reads and validates a canonical-schema Event from r.
func ParseCanonical(r io.Reader) (Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Event{}, fmt.Errorf("ingest: read input: %w", err)
	}
	if len(data) == 0 {
		return Event{}, ErrEmptyInput
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("ingest: parse canonical event: %w", err)
	}
	return e, nil
}

// AgentV1Envelope is the `agent-v1` preset's input shape (spec.md §6): a
// generic envelope any AI coding agent can emit without knowing the
// canonical schema.
type AgentV1Envelope struct {
	Type            string   `json:"type"`
	RepoWorkingDir  string   `json:"repo_working_dir"`
	EditedFilepaths []string `json:"edited_filepaths"`
	Transcript      []byte   `json:"transcript"`
	AgentName       string   `json:"agent_name"`
	Model           string   `json:"model"`
	ConversationID  string   `json:"conversation_id"`
}

// ErrNotAgentEnvelope is returned by ParseAgentV1 when the payload's `type`
// field isn't "ai_agent".
var ErrNotAgentEnvelope = fmt.Errorf("ingest: not an ai_agent envelope")

// ParseAgentV1 reads and validates an AgentV1Envelope from r.
func ParseAgentV1(r io.Reader) (AgentV1Envelope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return AgentV1Envelope{}, fmt.Errorf("ingest: read input: %w", err)
	}
	if len(data) == 0 {
		return AgentV1Envelope{}, ErrEmptyInput
	}
	var e AgentV1Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return AgentV1Envelope{}, fmt.Errorf("ingest: parse agent-v1 envelope: %w", err)
	}
	if e.Type != "ai_agent" {
		return AgentV1Envelope{}, fmt.Errorf("%w: got %q", ErrNotAgentEnvelope, e.Type)
	}
	return e, nil
}

// Normalize converts an AgentV1Envelope into the canonical Event schema, so
// downstream checkpoint recording never needs to know which preset produced
// an event (spec.md §6: "Agent-specific preset parsers normalize to this
// schema").
func (e AgentV1Envelope) Normalize() Event {
	return Event{
		HookEventName:   "PostToolUse",
		ToolName:        "agent-v1",
		Cwd:             e.RepoWorkingDir,
		EditedFilepaths: e.EditedFilepaths,
		Transcript:      e.Transcript,
		AgentID: &AgentIDOverride{
			Tool:      e.AgentName,
			Model:     e.Model,
			SessionID: e.ConversationID,
		},
	}
}

// Identity derives an agentid.Identity for this event: an explicit
// agent_id override wins outright; otherwise the event is treated as human
// (no agent produced it), since the canonical schema's only signal of AI
// authorship is the presence of an override.
func (e Event) Identity(promptText string) agentid.Identity {
	if e.AgentID == nil || e.AgentID.Tool == "" {
		return agentid.Human
	}
	promptID := e.AgentID.PromptID
	if promptID == "" {
		promptID = agentid.NewPromptID(e.AgentID.SessionID, promptText)
	}
	return agentid.Identity{
		Tool:      e.AgentID.Tool,
		Model:     e.AgentID.Model,
		SessionID: e.AgentID.SessionID,
		PromptID:  promptID,
	}
}
