package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDelay is the jittered, capped delay before attempt number attempts+1.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := e.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
