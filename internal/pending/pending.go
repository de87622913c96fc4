// Package pending carries a PreToolUse checkpoint's file snapshots forward
// to the matching PostToolUse invocation. Each hook event is its own
// process (spec.md §5: "one OS process per hook invocation"), so the
// Checkpoint Recorder's pre_snapshot step has nowhere to hold state in
// memory; it writes a small state file keyed by tool_use_id that the
// post-event invocation reads back and deletes, the same handoff shape
// internal/rewrite uses for pre-commit/post-commit context.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitai-tools/gitai/internal/paths"
)

// ErrNotFound is returned by Consume when no pre-snapshot was captured for
// a tool_use_id, which happens when the tool reported no pre-state (spec.md
// §4.3 rule 4) or PreToolUse was never observed.
var ErrNotFound = errors.New("pending: no captured pre-snapshot")

func stateFile(toolUseID string) string {
	return fmt.Sprintf("pending_pre_%s.json", toolUseID)
}

// Capture persists snapshots (path -> file content at PreToolUse time) for
// later retrieval by Consume.
func Capture(startDir, toolUseID string, snapshots map[string][]byte) error {
	path, err := paths.StatePath(startDir, stateFile(toolUseID))
	if err != nil {
		return fmt.Errorf("pending: resolve state path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pending: create state dir: %w", err)
	}
	data, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("pending: marshal snapshots: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Consume reads and deletes the pre-snapshots captured for toolUseID.
// Returns ErrNotFound if none were captured.
func Consume(startDir, toolUseID string) (map[string][]byte, error) {
	path, err := paths.StatePath(startDir, stateFile(toolUseID))
	if err != nil {
		return nil, fmt.Errorf("pending: resolve state path: %w", err)
	}
	data, err := os.ReadFile(path) //nolint:gosec // fixed path under our own state dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending: read state file: %w", err)
	}
	_ = os.Remove(path)

	var snapshots map[string][]byte
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("pending: unmarshal snapshots: %w", err)
	}
	return snapshots, nil
}
