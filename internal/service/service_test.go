package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UIC-InDeXLab/Needle/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embedders = []config.EmbedderConfig{
		{Name: "clip", ModelName: "clip-vit-b-32", Endpoint: "http://127.0.0.1:0", Dimensions: 4},
	}
	cfg.Directories.NumWatcherWorkers = 1
	cfg.Reconciler.IntervalSeconds = 3600
	return cfg
}

func TestService_StartAddDirectoryStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	imagesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "a.png"), []byte("fake-png"), 0644))

	dir, err := svc.AddDirectory(ctx, imagesDir)
	require.NoError(t, err)
	assert.NotZero(t, dir.ID)

	images, err := svc.Catalog.ListImagesByDirectory(ctx, dir.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)

	require.NoError(t, svc.RemoveDirectory(ctx, imagesDir))
	require.NoError(t, svc.Stop())
}

func TestService_StartFailsWhenLockAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	second, err := New(ctx, cfg)
	require.NoError(t, err)
	err = second.Start(ctx)
	assert.Error(t, err)
}

func TestService_AddDirectoryIsIdempotentOnPath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	imagesDir := t.TempDir()
	first, err := svc.AddDirectory(ctx, imagesDir)
	require.NoError(t, err)

	second, err := svc.AddDirectory(ctx, imagesDir)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestService_RemoveDirectoryUnknownPathErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	err = svc.RemoveDirectory(ctx, t.TempDir())
	assert.Error(t, err)
}

func TestService_StopIsSafeWithoutStart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.NoError(t, svc.Stop())
}

func TestService_StartsWithZeroReconcilerInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t)
	cfg.Reconciler.IntervalSeconds = 0 // withDefaults falls back to a sane interval

	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	// Run is started in a goroutine; give it a moment to begin without
	// asserting on its internal timing.
	time.Sleep(10 * time.Millisecond)
}
