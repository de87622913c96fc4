package pending

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitai-tools/gitai/internal/paths"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, exec.Command("git", "init", "-q", dir).Run())
	paths.ClearCache()
	return dir
}

func TestCaptureAndConsumeRoundTrip(t *testing.T) {
	dir := initRepo(t)
	snaps := map[string][]byte{"a.go": []byte("package a\n")}

	require.NoError(t, Capture(dir, "tu1", snaps))

	got, err := Consume(dir, "tu1")
	require.NoError(t, err)
	require.Equal(t, snaps, got)

	_, err = Consume(dir, "tu1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeMissingReturnsErrNotFound(t *testing.T) {
	dir := initRepo(t)
	_, err := Consume(dir, "never-captured")
	require.ErrorIs(t, err, ErrNotFound)
}
