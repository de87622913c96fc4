package cli

import (
	"github.com/gitai-tools/gitai/internal/config"
	"github.com/gitai-tools/gitai/internal/reconcile"
)

// loadSettings loads .gitai/settings.json for the repository containing
// startDir, falling back to defaults on any error so a missing or malformed
// config file never blocks a hook (spec.md §7's advisory policy extends to
// config loading itself).
func loadSettings(startDir string) config.Settings {
	settings, err := config.Load(startDir)
	if err != nil {
		return config.Default()
	}
	return settings
}

// GetLogLevel reads the configured log level for hook logging bootstrap.
// Used as logging.SetLogLevelGetter's callback so the logging package can
// read settings without importing this one.
func GetLogLevel() string {
	return loadSettings("").LogLevel
}

// transcriptPolicy adapts settings' per-agent retention map to the shape
// reconcile.Reconcile expects.
func transcriptPolicy(settings config.Settings) reconcile.TranscriptPolicy {
	return settings.KeepsTranscript
}
