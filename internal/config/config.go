// Package config loads .gitai/settings.json (+ local override), mirroring
// the teacher's EntireSettings pattern: an enabled flag, log level, the
// dispatch shim's remote allow/exclude lists, per-agent transcript retention,
// and the pre-commit block-on-failure policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFile and SettingsLocalFile are resolved relative to the repo root.
const (
	SettingsFile      = ".gitai/settings.json"
	SettingsLocalFile = ".gitai/settings.local.json"
)

// retentionInline and retentionOmit are the two values transcript_retention
// entries take (spec.md §9's first Open Question, resolved in SPEC_FULL.md).
const (
	retentionInline = "inline"
	retentionOmit   = "omit"
)

// Settings is the repository's .gitai/settings.json configuration.
type Settings struct {
	// Enabled mirrors the teacher's EntireSettings.Enabled: when false, hooks
	// exit silently and CLI commands report the disabled state.
	Enabled bool `json:"enabled"`

	// LogLevel sets verbosity (debug, info, warn, error); overridden by
	// GIT_AI_DEBUG / GIT_AI_DEBUG_PERFORMANCE per spec.md §6.
	LogLevel string `json:"log_level,omitempty"`

	// AllowRemotes and ExcludeRemotes gate the Hook Dispatch Shim's remote-URL
	// check (spec.md §4.7 step 4). Both empty means "don't fetch remotes at
	// all" (hookdispatch.ResolveRemoteAllowed's fast path).
	AllowRemotes   []string `json:"allow_remotes,omitempty"`
	ExcludeRemotes []string `json:"exclude_remotes,omitempty"`

	// TranscriptRetention maps an agent tool name to "inline" or "omit",
	// resolving spec.md §9's first Open Question per agent. A tool absent
	// from this map defaults to "inline", matching what the teacher does for
	// every tool it supports today.
	TranscriptRetention map[string]string `json:"transcript_retention,omitempty"`

	// BlockOnFailure opts pre-commit into a non-zero exit when the checkpoint
	// pipeline fails, overriding the default advisory "never block" policy
	// of spec.md §7.
	BlockOnFailure bool `json:"block_on_failure,omitempty"`
}

// Default returns the settings used when no settings file exists.
func Default() Settings {
	return Settings{Enabled: true, LogLevel: "info"}
}

// Load reads SettingsFile under repoRoot, then applies SettingsLocalFile as
// an override if present. A missing base file is not an error: it yields
// Default().
func Load(repoRoot string) (Settings, error) {
	settings := Default()

	base, err := os.ReadFile(filepath.Join(repoRoot, SettingsFile)) //nolint:gosec // fixed relative path under repoRoot
	if err != nil {
		if !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("config: read %s: %w", SettingsFile, err)
		}
	} else if err := json.Unmarshal(base, &settings); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", SettingsFile, err)
	}

	local, err := os.ReadFile(filepath.Join(repoRoot, SettingsLocalFile)) //nolint:gosec // fixed relative path under repoRoot
	if err != nil {
		if !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("config: read %s: %w", SettingsLocalFile, err)
		}
		return settings, nil
	}
	if err := mergeJSON(&settings, local); err != nil {
		return Settings{}, fmt.Errorf("config: merge %s: %w", SettingsLocalFile, err)
	}
	return settings, nil
}

// mergeJSON overlays only the fields present in data onto settings, so a
// local override file that sets one field never resets the rest to zero
// values.
func mergeJSON(settings *Settings, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["enabled"]; ok {
		if err := json.Unmarshal(v, &settings.Enabled); err != nil {
			return err
		}
	}
	if v, ok := raw["log_level"]; ok {
		if err := json.Unmarshal(v, &settings.LogLevel); err != nil {
			return err
		}
	}
	if v, ok := raw["allow_remotes"]; ok {
		if err := json.Unmarshal(v, &settings.AllowRemotes); err != nil {
			return err
		}
	}
	if v, ok := raw["exclude_remotes"]; ok {
		if err := json.Unmarshal(v, &settings.ExcludeRemotes); err != nil {
			return err
		}
	}
	if v, ok := raw["transcript_retention"]; ok {
		overrides := map[string]string{}
		if err := json.Unmarshal(v, &overrides); err != nil {
			return err
		}
		if settings.TranscriptRetention == nil {
			settings.TranscriptRetention = map[string]string{}
		}
		for tool, policy := range overrides {
			settings.TranscriptRetention[tool] = policy
		}
	}
	if v, ok := raw["block_on_failure"]; ok {
		if err := json.Unmarshal(v, &settings.BlockOnFailure); err != nil {
			return err
		}
	}
	return nil
}

// KeepsTranscript reports whether agentKey's transcripts should be embedded
// in an AuthorshipNote. Matches reconcile.TranscriptPolicy's signature so a
// Settings value can be wired in directly.
func (s Settings) KeepsTranscript(agentKey string) bool {
	policy, ok := s.TranscriptRetention[agentKey]
	if !ok {
		return true // default: inline, matching the teacher's current behavior for every tool
	}
	return policy != retentionOmit
}
