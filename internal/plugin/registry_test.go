package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubNotifier struct{ notified []NotifyEvent }

func (s *stubNotifier) Notify(ctx context.Context, event NotifyEvent) error {
	s.notified = append(s.notified, event)
	return nil
}

func TestRegistryLookupMissesAreFailClosed(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Notifier("slack")
	require.False(t, ok)

	_, err := r.MustNotifier("slack")
	require.ErrorIs(t, err, ErrPluginUnavailable)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	n := &stubNotifier{}
	r.RegisterNotifier("slack", n)

	got, ok := r.Notifier("slack")
	require.True(t, ok)
	require.Same(t, n, got)

	got2, err := r.MustNotifier("slack")
	require.NoError(t, err)
	require.Same(t, n, got2)
}

func TestRegistrySlotsAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.RegisterNotifier("x", &stubNotifier{})

	_, ok := r.Tracker("x")
	require.False(t, ok, "registering under the notifier slot must not leak into the tracker slot")
}
