package fabric

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil, not a context
// cancellation and not a permanent protocol failure).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch CodeOf(err) {
	case TransportSendQueueFull, NotReady, OperationsPending, GatewayUnreachable:
		return true
	case Unknown:
		// Not one of ours; lean on retrying since transport conditions
		// commonly surface as plain errors.
		return true
	}
	return false
}

// RetryableError marks err retryable for the go-retry helpers.
func RetryableError(err error) error {
	return retry.RetryableError(err)
}
