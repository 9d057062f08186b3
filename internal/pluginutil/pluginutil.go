// Package pluginutil provides small shared helpers every plugin call site
// uses, so bounded-timeout and retry behavior is expressed once instead of
// copied at each call site. Grounded on the teacher's repeated
// context.WithTimeout pattern in server/poller.go and server/reviewloop.go.
package pluginutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gg-salo/fleet-commander/internal/fcerrors"
)

// Call runs fn with a bounded timeout, classifying a timeout/deadline
// failure as fcerrors.KindPluginProbeFailed (spec §7: "Plugin exception on
// read-only probe" ⇒ "Preserve current status; retry next cycle"). op
// names the call site for the wrapped error.
func Call(ctx context.Context, op string, budget time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return fcerrors.New(fcerrors.KindPluginProbeFailed, op, err)
	}
	return err
}

// RetryIDReservation retries fn up to maxAttempts times with zero delay
// between attempts, per spec §4.2's collision-driven id issuance: a
// collision is resolved by trying the next integer immediately, not by
// waiting out a transient condition, but the loop is still expressed
// through a retry library rather than hand-rolled, matching spec §7's
// `IdCollision` ⇒ "Retry internally up to N attempts" and SPEC_FULL's
// concurrency supplement.
func RetryIDReservation(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	attempt := 0
	operation := func() error {
		err := fn(attempt)
		attempt++
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(maxAttempts)), ctx)
	return backoff.Retry(operation, policy)
}
