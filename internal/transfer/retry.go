package transfer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// hintedBackOff waits at least as long as the server asked for.
type hintedBackOff struct {
	backoff.BackOff
	hint atomic.Int64 // time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if hint := time.Duration(h.hint.Swap(0)); hint > next {
		return hint
	}
	return next
}

func (t *Transporter) newBackOff() *hintedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.runtime.GetRetryBaseDelay()
	exp.MaxInterval = t.runtime.GetRetryMaxDelay()
	exp.MaxElapsedTime = 0
	attempts := t.runtime.GetMaxChunkAttempts()
	return &hintedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(attempts-1))}
}

// retry runs fn until it succeeds, fails permanently, runs out of
// attempts, or ctx is done. Only transport-class errors are retried.
func (t *Transporter) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := t.newBackOff()
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !types.Retryable(err) {
			return backoff.Permanent(err)
		}
		if d, ok := backend.RetryDelay(err); ok {
			b.hint.Store(int64(min(d, t.runtime.GetRetryMaxDelay())))
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		utils.Debug("transfer: %s attempt %d failed: %v (retrying in %s)", op, attempt, err, next)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
