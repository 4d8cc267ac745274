package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/engine/prompt"
	"github.com/surge-downloader/surge/internal/engine/types"
)

func TestResolveDestination_NoCollisionReturnsJoinedPath(t *testing.T) {
	e := New(nil, 1)
	dir := t.TempDir()

	cfg := types.DownloadConfig{ID: "d1", OutputPath: dir + string(os.PathSeparator)}
	probe := &ProbeResult{Filename: "archive.zip", FileSize: 1024}

	path, err := e.resolveDestination(context.Background(), cfg, probe)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archive.zip"), path)
}

func TestResolveDestination_ResumeOverwritesOwnPartial(t *testing.T) {
	e := New(nil, 1)
	dir := t.TempDir()
	target := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(target, []byte("partial"), 0o644))

	cfg := types.DownloadConfig{ID: "d1", OutputPath: target, IsResume: true}
	probe := &ProbeResult{Filename: "archive.zip", FileSize: 1024}

	path, err := e.resolveDestination(context.Background(), cfg, probe)
	require.NoError(t, err)
	assert.Equal(t, target, path)
}

func TestResolveDestination_CollisionWithNoPromptConsumerAutoRenames(t *testing.T) {
	e := New(nil, 1)
	dir := t.TempDir()
	target := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(target, []byte("existing"), 0o644))

	origTimeout := promptTimeoutForTest(50 * time.Millisecond)
	defer origTimeout()

	cfg := types.DownloadConfig{ID: "d1", OutputPath: target}
	probe := &ProbeResult{Filename: "archive.zip", FileSize: 1024}

	path, err := e.resolveDestination(context.Background(), cfg, probe)
	require.NoError(t, err)
	assert.NotEqual(t, target, path)
	assert.Contains(t, path, "archive (1).zip")
}

func TestResolveDestination_CollisionHonorsOverwriteDecision(t *testing.T) {
	e := New(nil, 1)
	dir := t.TempDir()
	target := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(target, []byte("existing"), 0o644))

	e.Prompts().FileExists.Resolve = func(*prompt.Request) prompt.Decision {
		return prompt.DecisionOverwrite
	}
	go e.Prompts().FileExists.Run(context.Background())

	cfg := types.DownloadConfig{ID: "d1", OutputPath: target}
	probe := &ProbeResult{Filename: "archive.zip", FileSize: 1024}

	path, err := e.resolveDestination(context.Background(), cfg, probe)
	require.NoError(t, err)
	assert.Equal(t, target, path)
}

func TestResolveDestination_CollisionHonorsSkipDecision(t *testing.T) {
	e := New(nil, 1)
	dir := t.TempDir()
	target := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(target, []byte("existing"), 0o644))

	e.Prompts().FileExists.Resolve = func(*prompt.Request) prompt.Decision {
		return prompt.DecisionSkip
	}
	go e.Prompts().FileExists.Run(context.Background())

	cfg := types.DownloadConfig{ID: "d1", OutputPath: target}
	probe := &ProbeResult{Filename: "archive.zip", FileSize: 1024}

	path, err := e.resolveDestination(context.Background(), cfg, probe)
	require.NoError(t, err)
	assert.Equal(t, "", path)
}

func TestAdd_RegistersDownloadAndIsListable(t *testing.T) {
	e := New(nil, 1)
	dl, err := e.Add(types.DownloadConfig{
		ID:         "d-add",
		URL:        "http://example.invalid/does-not-matter",
		OutputPath: t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, dl)

	got := e.Get("d-add")
	require.NotNil(t, got)
	assert.Equal(t, "d-add", got.ID)

	found := false
	for _, d := range e.List() {
		if d.ID == "d-add" {
			found = true
		}
	}
	assert.True(t, found)
}

// promptTimeoutForTest temporarily shrinks promptTimeout for a test
// that deliberately leaves the prompt queue undrained, restoring it on
// return.
func promptTimeoutForTest(d time.Duration) func() {
	orig := promptTimeout
	promptTimeout = d
	return func() { promptTimeout = orig }
}
