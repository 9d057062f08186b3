package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(2, time.Minute)
	require.True(t, l.Allow("s-1:ci-failed"))
	require.True(t, l.Allow("s-1:ci-failed"))
	require.False(t, l.Allow("s-1:ci-failed"))
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, time.Minute)
	require.True(t, l.Allow("plan-1:rebase"))
	require.True(t, l.Allow("plan-2:rebase"))
	require.False(t, l.Allow("plan-1:rebase"))
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(1, time.Minute)
	current := time.UnixMilli(0)
	l.now = func() time.Time { return current }

	require.True(t, l.Allow("k"))
	require.False(t, l.Allow("k"))

	current = current.Add(2 * time.Minute)
	require.True(t, l.Allow("k"))
}

func TestReset(t *testing.T) {
	l := New(1, time.Minute)
	require.True(t, l.Allow("k"))
	require.False(t, l.Allow("k"))

	l.Reset("k")
	require.True(t, l.Allow("k"))
}
