package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenNoFilesExist(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), s)
}

func TestLoadParsesBaseSettingsFile(t *testing.T) {
	dir := t.TempDir()
	writeSettingsFile(t, dir, SettingsFile, `{
		"enabled": false,
		"log_level": "debug",
		"allow_remotes": ["git@github.com:acme/repo.git"],
		"transcript_retention": {"cursor": "omit"},
		"block_on_failure": true
	}`)

	s, err := Load(dir)
	require.NoError(t, err)
	require.False(t, s.Enabled)
	require.Equal(t, "debug", s.LogLevel)
	require.Equal(t, []string{"git@github.com:acme/repo.git"}, s.AllowRemotes)
	require.Equal(t, "omit", s.TranscriptRetention["cursor"])
	require.True(t, s.BlockOnFailure)
}

func TestLocalSettingsOverrideBase(t *testing.T) {
	dir := t.TempDir()
	writeSettingsFile(t, dir, SettingsFile, `{"enabled": true, "log_level": "info"}`)
	writeSettingsFile(t, dir, SettingsLocalFile, `{"log_level": "debug"}`)

	s, err := Load(dir)
	require.NoError(t, err)
	require.True(t, s.Enabled)
	require.Equal(t, "debug", s.LogLevel)
}

func TestLocalSettingsMergeTranscriptRetentionRatherThanReplace(t *testing.T) {
	dir := t.TempDir()
	writeSettingsFile(t, dir, SettingsFile, `{"transcript_retention": {"claude-code": "inline"}}`)
	writeSettingsFile(t, dir, SettingsLocalFile, `{"transcript_retention": {"cursor": "omit"}}`)

	s, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "inline", s.TranscriptRetention["claude-code"])
	require.Equal(t, "omit", s.TranscriptRetention["cursor"])
}

func TestKeepsTranscriptDefaultsToInline(t *testing.T) {
	s := Default()
	require.True(t, s.KeepsTranscript("any-tool"))
}

func TestKeepsTranscriptHonorsOmitOverride(t *testing.T) {
	s := Settings{TranscriptRetention: map[string]string{"cursor": "omit"}}
	require.False(t, s.KeepsTranscript("cursor"))
	require.True(t, s.KeepsTranscript("claude-code"))
}

func writeSettingsFile(t *testing.T, dir, relPath, content string) {
	t.Helper()
	path := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
