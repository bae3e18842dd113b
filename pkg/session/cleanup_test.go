package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_StartStop(t *testing.T) {
	m := testManager(t, Config{})
	s := NewSweeper(m, "")

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop())
}

func TestSweeper_BadSchedule(t *testing.T) {
	m := testManager(t, Config{})
	s := NewSweeper(m, "every full moon")

	assert.Error(t, s.Start())
}

func TestSweeper_SweepNow(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := NewManager(dir, Config{TTL: time.Minute})
	require.NoError(t, err)
	s := NewSweeper(m, "")

	_, err = m.Create(ctx, "stale", "agent")
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "stale.jsonl"), old, old))

	deleted, err := s.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
