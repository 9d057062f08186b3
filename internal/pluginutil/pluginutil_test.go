package pluginutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/fcerrors"
)

func TestCallSucceeds(t *testing.T) {
	err := Call(context.Background(), "probe", time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestCallClassifiesTimeoutAsPluginProbeFailed(t *testing.T) {
	err := Call(context.Background(), "probe", time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.True(t, fcerrors.Is(err, fcerrors.KindPluginProbeFailed))
}

func TestCallPassesThroughNonTimeoutErrors(t *testing.T) {
	sentinel := errors.New("boom")
	err := Call(context.Background(), "probe", time.Second, func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestRetryIDReservationGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := RetryIDReservation(context.Background(), 3, func(attempt int) error {
		calls++
		return errors.New("collision")
	})
	require.Error(t, err)
	require.Equal(t, 4, calls) // first attempt + 3 retries
}

func TestRetryIDReservationSucceedsPartway(t *testing.T) {
	calls := 0
	err := RetryIDReservation(context.Background(), 5, func(attempt int) error {
		calls++
		if attempt == 2 {
			return nil
		}
		return errors.New("collision")
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
