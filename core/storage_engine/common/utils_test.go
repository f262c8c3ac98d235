package common

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return data
}

func TestCopyThrottled_Unlimited(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	data := writeRandomFile(t, src, 3*chunkSize+123)

	n, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestCopyThrottled_TruncatesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	data := writeRandomFile(t, src, 4096)
	require.NoError(t, os.WriteFile(dst, make([]byte, 3*4096), 0644))

	_, err := CopyThrottled(context.Background(), src, dst, 1<<30)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCopyThrottled_SmallRateStillCompletes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	// The first burst is free, so one burst worth of data copies immediately.
	data := writeRandomFile(t, src, 1024)

	n, err := CopyThrottled(context.Background(), src, dst, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
}

func TestCopyThrottled_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	writeRandomFile(t, src, 8192)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, dst, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyThrottled(context.Background(), filepath.Join(dir, "nope.db"), filepath.Join(dir, "dst.db"), 0)
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}
