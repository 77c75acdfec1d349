package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedup_IsDuplicate(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	require.False(t, d.IsDuplicate("a"))
	require.True(t, d.IsDuplicate("a"))
	require.False(t, d.IsDuplicate("b"))

	// Empty keys are never tracked.
	require.False(t, d.IsDuplicate(""))
	require.False(t, d.IsDuplicate(""))
	require.Equal(t, 2, d.Len())

	now = now.Add(time.Minute)
	require.False(t, d.IsDuplicate("a"))
}

func TestDedup_Forget(t *testing.T) {
	d := NewDedup(time.Hour)
	require.False(t, d.IsDuplicate("k"))
	d.Forget("k")
	d.Forget("")
	require.False(t, d.IsDuplicate("k"))
}

func TestDedup_Cleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	d.IsDuplicate("old")
	now = now.Add(30 * time.Second)
	d.IsDuplicate("new")
	now = now.Add(45 * time.Second)

	d.Cleanup()
	require.Equal(t, 1, d.Len())
	require.True(t, d.IsDuplicate("new"))
}
