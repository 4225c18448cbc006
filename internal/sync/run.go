package sync

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/scansync/internal/remote"
)

// Run syncs until ctx is done. A cycle starts on Notify, when the next op becomes due, and
// every PollInterval. While the remote is unreachable the loop backs off as a whole and
// pings the remote before resuming.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("sync.run.start", "policy", e.opts.Policy, "concurrency", e.opts.Concurrency, "poll_interval", e.opts.PollInterval)
	defer e.log.Info("sync.run.stop")

	offline := e.newBackOff()
	online := true
	var retryAt time.Time

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.notify:
		case <-timer.C:
		}

		if !online {
			if e.now().Before(retryAt) {
				// a notify arrived early; keep waiting for the backoff
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
			err := e.remote.Ping(rctx)
			cancel()
			if err != nil {
				wait := offline.NextBackOff()
				retryAt = e.now().Add(wait)
				timer.Reset(wait)
				e.log.Debug("sync.probe.failed", "retry_in_ms", wait.Milliseconds(), "error", err)
				continue
			}
			online = true
			offline.Reset()
			e.log.Info("sync.online")
		}

		_, err := e.SyncOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, remote.ErrUnavailable):
			online = false
			wait := offline.NextBackOff()
			retryAt = e.now().Add(wait)
			timer.Reset(wait)
			e.log.Warn("sync.offline", "retry_in_ms", wait.Milliseconds())
			continue
		case err != nil:
			e.log.Error("sync.cycle.error", "error", err)
		}
		timer.Reset(e.nextWake(ctx))
	}
}

// nextWake is the time until the earliest queued op is due, capped by PollInterval.
func (e *Engine) nextWake(ctx context.Context) time.Duration {
	wait := e.opts.PollInterval
	due, ok, err := e.store.NextDue(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := due.Sub(e.now()); d < wait {
		if d < 0 {
			d = 0
		}
		return d
	}
	return wait
}
