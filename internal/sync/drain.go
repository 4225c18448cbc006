package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/remote"
)

// DrainStats counts what a drain did with the ops it picked up.
type DrainStats struct {
	Pushed    int // remote creates and updates
	Deleted   int // records purged after a remote delete, or never pushed
	Skipped   int // ops acked without a remote write
	Resolved  int // stale-revision conflicts settled through the policy
	Retried   int
	Failed    int
	Remaining int // ops left untouched because the remote went away mid-drain
}

func (s DrainStats) add(o DrainStats) DrainStats {
	return DrainStats{
		Pushed:    s.Pushed + o.Pushed,
		Deleted:   s.Deleted + o.Deleted,
		Skipped:   s.Skipped + o.Skipped,
		Resolved:  s.Resolved + o.Resolved,
		Retried:   s.Retried + o.Retried,
		Failed:    s.Failed + o.Failed,
		Remaining: s.Remaining + o.Remaining,
	}
}

type drainCounters struct {
	pushed, deleted, skipped, resolved, retried, failed, remaining atomic.Int64
}

func (c *drainCounters) stats() DrainStats {
	return DrainStats{
		Pushed:    int(c.pushed.Load()),
		Deleted:   int(c.deleted.Load()),
		Skipped:   int(c.skipped.Load()),
		Resolved:  int(c.resolved.Load()),
		Retried:   int(c.retried.Load()),
		Failed:    int(c.failed.Load()),
		Remaining: int(c.remaining.Load()),
	}
}

// Drain processes due ops until none are left. Ops of one record go strictly in order;
// different records run concurrently up to Concurrency. When the remote becomes unreachable
// the drain stops early and returns an error wrapping remote.ErrUnavailable.
func (e *Engine) Drain(ctx context.Context) (DrainStats, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.drain(ctx)
}

func (e *Engine) drain(ctx context.Context) (DrainStats, error) {
	start := time.Now()
	var c drainCounters
	var offline atomic.Bool

	for {
		ops, err := e.store.HeadOps(ctx, e.now(), e.opts.BatchSize)
		if err != nil {
			return c.stats(), err
		}
		if len(ops) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Concurrency)
		for _, op := range ops {
			g.Go(func() error {
				if offline.Load() {
					c.remaining.Add(1)
					return nil
				}
				return e.process(gctx, op, &c, &offline)
			})
		}
		if err := g.Wait(); err != nil {
			return c.stats(), err
		}
		if offline.Load() {
			st := c.stats()
			e.log.Warn("sync.drain.offline", "remaining", st.Remaining, "elapsed_ms", time.Since(start).Milliseconds())
			return st, fmt.Errorf("drain stopped: %w", remote.ErrUnavailable)
		}
	}

	st := c.stats()
	if st != (DrainStats{}) {
		e.log.Info("sync.drain.ok",
			"pushed", st.Pushed,
			"deleted", st.Deleted,
			"skipped", st.Skipped,
			"resolved", st.Resolved,
			"retried", st.Retried,
			"failed", st.Failed,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
	return st, nil
}

// process re-evaluates op against the current record and acts on it. Returned errors are
// local store failures and abort the drain; remote failures are recorded on the op.
func (e *Engine) process(ctx context.Context, op entity.SyncOp, c *drainCounters, offline *atomic.Bool) error {
	log := e.log.With("op_seq", op.Seq, "record_id", op.RecordID, "kind", op.Kind, "revision", op.Revision)

	rec, err := e.store.GetForSync(ctx, op.RecordID)
	if errors.Is(err, common.ErrNotFound) {
		c.skipped.Add(1)
		return e.store.AckOp(ctx, op.Seq)
	}
	if err != nil {
		return err
	}

	var rerr error
	switch op.Kind {
	case constants.OpDelete:
		rerr = e.pushDelete(ctx, op, rec, c)
	default:
		rerr = e.pushUpsert(ctx, op, rec, c)
	}
	if rerr == nil {
		return nil
	}
	var se *storeError
	if errors.As(rerr, &se) {
		return se.err
	}
	if ctx.Err() != nil {
		// drain aborted; the op stays as it was
		return ctx.Err()
	}
	return e.handleRemoteError(ctx, op, rec, rerr, c, offline, log)
}

func (e *Engine) pushUpsert(ctx context.Context, op entity.SyncOp, rec entity.PersistedRecord, c *drainCounters) error {
	if rec.SyncState == constants.SyncDeletedPending || rec.SyncedRevision >= rec.Revision {
		c.skipped.Add(1)
		return storeErr(e.store.AckOp(ctx, op.Seq))
	}
	if rec.SyncState == constants.SyncConflict && rec.RemoteID != nil {
		// left over from an interrupted resolution
		return e.resolve(ctx, rec, c)
	}

	body, err := json.Marshal(rec.Body())
	if err != nil {
		return common.NewAppError("SYNC_ENCODE", "cannot encode record body", err)
	}
	req := remote.UpsertRequest{ClientKey: rec.ID.String(), UpdatedAt: remote.Timestamp(rec.UpdatedAt), Body: body}
	if rec.RemoteID != nil {
		req.ID = *rec.RemoteID
		req.BaseRevision = rec.RemoteRevision
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	doc, err := e.remote.Upsert(rctx, req)
	cancel()
	if err != nil {
		if errors.Is(err, remote.ErrStaleRevision) {
			if merr := e.store.MarkConflict(ctx, rec.ID, err.Error()); merr != nil {
				return storeErr(merr)
			}
			e.log.Info("sync.push.conflict", "record_id", rec.ID, "base_revision", req.BaseRevision)
			return e.resolve(ctx, rec, c)
		}
		return err
	}

	if req.ID == "" && !doc.Created {
		// an earlier create landed but its response was lost: merge with what the remote holds
		out, err := e.store.ApplyRemote(ctx, doc, e.opts.Policy)
		if err != nil {
			return storeErr(err)
		}
		c.resolved.Add(1)
		e.log.Info("sync.push.rebound", "record_id", rec.ID, "remote_id", doc.ID, "outcome", out)
		return nil
	}

	if _, err := e.store.MarkPushed(ctx, rec.ID, doc.ID, rec.Revision, doc.Revision); err != nil {
		return storeErr(err)
	}
	if err := e.store.AckOp(ctx, op.Seq); err != nil {
		return storeErr(err)
	}
	c.pushed.Add(1)
	e.log.Debug("sync.push.ok", "record_id", rec.ID, "remote_id", doc.ID, "revision", rec.Revision, "remote_revision", doc.Revision)
	return nil
}

// resolve fetches the remote version of a conflicting record and lets ApplyRemote apply the
// policy. When the local side wins its op stays queued and is pushed on the next pass.
func (e *Engine) resolve(ctx context.Context, rec entity.PersistedRecord, c *drainCounters) error {
	rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	doc, err := e.remote.Get(rctx, *rec.RemoteID)
	cancel()
	if err != nil {
		return err
	}
	out, err := e.store.ApplyRemote(ctx, doc, e.opts.Policy)
	if err != nil {
		return storeErr(err)
	}
	if out == constants.OutcomeIgnored {
		return fmt.Errorf("%w: remote revision %d is not newer than the local view", remote.ErrStaleRevision, doc.Revision)
	}
	c.resolved.Add(1)
	e.log.Info("sync.conflict.resolved", "record_id", rec.ID, "policy", e.opts.Policy, "outcome", out)
	return nil
}

func (e *Engine) pushDelete(ctx context.Context, op entity.SyncOp, rec entity.PersistedRecord, c *drainCounters) error {
	if rec.SyncState != constants.SyncDeletedPending {
		c.skipped.Add(1)
		return storeErr(e.store.AckOp(ctx, op.Seq))
	}
	if rec.RemoteID == nil {
		// no acknowledged create; a pull that finds one sends the tombstone then
		if err := e.store.PurgeUnbound(ctx, rec.ID); err != nil {
			return storeErr(err)
		}
		c.deleted.Add(1)
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	_, err := e.remote.Delete(rctx, *rec.RemoteID)
	cancel()
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	if err := e.store.Purge(ctx, rec.ID); err != nil {
		return storeErr(err)
	}
	c.deleted.Add(1)
	e.log.Debug("sync.delete.ok", "record_id", rec.ID, "remote_id", *rec.RemoteID)
	return nil
}

// handleRemoteError schedules a retry for transient failures and gives up on everything else.
func (e *Engine) handleRemoteError(ctx context.Context, op entity.SyncOp, rec entity.PersistedRecord, err error,
	c *drainCounters, offline *atomic.Bool, log *slog.Logger) error {
	if errors.Is(err, remote.ErrUnavailable) {
		offline.Store(true)
	}

	attempts := op.Attempts + 1
	retryable := common.IsTransient(err) || errors.Is(err, remote.ErrStaleRevision)
	if retryable && attempts < e.opts.MaxAttempts {
		next := e.now().Add(e.retryDelay(attempts))
		if rerr := e.store.RetryOp(ctx, op, next, err.Error()); rerr != nil {
			return rerr
		}
		c.retried.Add(1)
		log.Warn("sync.op.retry", "attempts", attempts, "next_attempt_at", next, "error", err)
		return nil
	}

	if ferr := e.store.FailOp(ctx, op, err.Error()); ferr != nil {
		return ferr
	}
	c.failed.Add(1)
	log.Error("sync.op.failed", "attempts", attempts, "error", err)
	e.publish(Failure{RecordID: rec.ID, Op: op, Err: err})
	return nil
}

// storeError marks a local store failure inside a push so it aborts the drain instead of
// being charged to the op.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return &storeError{err: err}
}
