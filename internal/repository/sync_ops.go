package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

// noEarlierQueued keeps only the oldest queued op of each record.
const noEarlierQueued = `NOT EXISTS (SELECT 1 FROM sync_ops AS e WHERE e.record_id = sync_ops.record_id AND e.seq < sync_ops.seq AND e.state = 'queued')`

// enqueueOp appends an op unless one already exists for (record, kind, revision).
func enqueueOp(ctx context.Context, q querier, id uuid.UUID, kind constants.OpKind, revision int64, now time.Time) (bool, error) {
	query, args := builder().Insert(tableSyncOps).
		Columns("record_id", "kind", "revision", "state", "attempts", "next_attempt_at", "created_at").
		Values(id.String(), string(kind), revision, string(constants.OpQueued), 0, toNanos(now), toNanos(now)).
		OnConflict(entsql.ConflictColumns("record_id", "kind", "revision"), entsql.DoNothing()).
		Query()
	res, err := exec(ctx, q, query, args)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return n > 0, nil
}

// HeadOps returns, for each record, its oldest queued op when that op is due.
// A record whose head op is backing off contributes nothing, so later ops never overtake it.
func (s *Store) HeadOps(ctx context.Context, now time.Time, limit int) ([]entity.SyncOp, error) {
	sel := builder().Select(opColumns...).From(builder().Table(tableSyncOps)).
		Where(entsql.And(
			entsql.EQ("state", string(constants.OpQueued)),
			entsql.LTE("next_attempt_at", toNanos(now)),
			entsql.ExprP(noEarlierQueued),
		)).
		OrderBy("seq")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	query, args := sel.Query()
	return s.queryOps(ctx, query, args)
}

// NextDue reports the earliest time a head op becomes due, or false when the queue is empty.
// Ops waiting behind an earlier op of the same record are not considered.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	query, args := builder().Select(entsql.Min("next_attempt_at")).From(builder().Table(tableSyncOps)).
		Where(entsql.And(
			entsql.EQ("state", string(constants.OpQueued)),
			entsql.ExprP(noEarlierQueued),
		)).Query()
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: next due: %w", common.ErrDatabase, err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// PendingOps lists every op of a record in queue order.
func (s *Store) PendingOps(ctx context.Context, id uuid.UUID) ([]entity.SyncOp, error) {
	query, args := builder().Select(opColumns...).From(builder().Table(tableSyncOps)).
		Where(entsql.EQ("record_id", id.String())).OrderBy("seq").Query()
	return s.queryOps(ctx, query, args)
}

// FailedOps lists ops that exhausted their retry budget.
func (s *Store) FailedOps(ctx context.Context) ([]entity.SyncOp, error) {
	query, args := builder().Select(opColumns...).From(builder().Table(tableSyncOps)).
		Where(entsql.EQ("state", string(constants.OpFailedPermanent))).OrderBy("seq").Query()
	return s.queryOps(ctx, query, args)
}

func (s *Store) queryOps(ctx context.Context, query string, args []any) ([]entity.SyncOp, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: ops: %w", common.ErrDatabase, err)
	}
	defer rows.Close()
	var out []entity.SyncOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: ops: %w", common.ErrDatabase, err)
	}
	return out, nil
}

// AckOp consumes an op.
func (s *Store) AckOp(ctx context.Context, seq int64) error {
	query, args := builder().Delete(tableSyncOps).Where(entsql.EQ("seq", seq)).Query()
	_, err := exec(ctx, s.db, query, args)
	return err
}

// RetryOp records a failed attempt and schedules the next one. The record keeps the error.
func (s *Store) RetryOp(ctx context.Context, op entity.SyncOp, next time.Time, msg string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		query, args := builder().Update(tableSyncOps).
			Add("attempts", 1).
			Set("next_attempt_at", toNanos(next)).
			Set("last_error", msg).
			Where(entsql.EQ("seq", op.Seq)).
			Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return err
		}
		return setSyncError(ctx, tx, op.RecordID, msg)
	})
}

// FailOp moves an op to failed_permanent; it is not retried until requeued.
func (s *Store) FailOp(ctx context.Context, op entity.SyncOp, msg string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		query, args := builder().Update(tableSyncOps).
			Add("attempts", 1).
			Set("state", string(constants.OpFailedPermanent)).
			Set("last_error", msg).
			Where(entsql.EQ("seq", op.Seq)).
			Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return err
		}
		return setSyncError(ctx, tx, op.RecordID, msg)
	})
}

// RequeueFailed puts failed ops back in the queue with a fresh retry budget.
// seq 0 requeues every failed op. It returns the number of ops requeued.
func (s *Store) RequeueFailed(ctx context.Context, seq int64) (int, error) {
	pred := entsql.EQ("state", string(constants.OpFailedPermanent))
	if seq > 0 {
		pred = entsql.And(pred, entsql.EQ("seq", seq))
	}
	query, args := builder().Update(tableSyncOps).
		Set("state", string(constants.OpQueued)).
		Set("attempts", 0).
		Set("next_attempt_at", toNanos(s.now())).
		Where(pred).
		Query()
	res, err := exec(ctx, s.db, query, args)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return int(n), nil
}

func setSyncError(ctx context.Context, q querier, id uuid.UUID, msg string) error {
	query, args := builder().Update(tableRecords).
		Set("sync_error", msg).
		Where(entsql.EQ("id", id.String())).
		Query()
	_, err := exec(ctx, q, query, args)
	return err
}

// MarkPushed records a successful remote write of pushedRevision. The remote identity is
// set only if the record has none. The record becomes synced only when no newer local
// revision exists. pushedRevision 0 records identity and remote revision only.
func (s *Store) MarkPushed(ctx context.Context, id uuid.UUID, remoteID string, pushedRevision, remoteRevision int64) (entity.PersistedRecord, error) {
	var out entity.PersistedRecord
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.RemoteID != nil && *cur.RemoteID != remoteID {
			return common.NewKindError(common.KindPermanent, "REMOTE_ID_MISMATCH",
				fmt.Sprintf("record %s is bound to remote %s, not %s", id, *cur.RemoteID, remoteID))
		}
		upd := builder().Update(tableRecords).Set("remote_revision", remoteRevision)
		if cur.RemoteID == nil {
			upd = upd.Set("remote_id", remoteID)
		}
		if pushedRevision > cur.SyncedRevision {
			upd = upd.Set("synced_revision", pushedRevision)
		}
		if pushedRevision > 0 && pushedRevision == cur.Revision && cur.SyncState != constants.SyncDeletedPending {
			upd = upd.Set("sync_state", string(constants.SyncSynced)).SetNull("sync_error")
		}
		query, args := upd.Where(entsql.EQ("id", id.String())).Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return err
		}
		out, err = getRecord(ctx, tx, id, true)
		return err
	})
	return out, err
}

// MarkConflict flags a record whose push was rejected for a stale revision.
func (s *Store) MarkConflict(ctx context.Context, id uuid.UUID, msg string) error {
	query, args := builder().Update(tableRecords).
		Set("sync_state", string(constants.SyncConflict)).
		Set("sync_error", msg).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.EQ("sync_state", string(constants.SyncPending)),
		)).
		Query()
	_, err := exec(ctx, s.db, query, args)
	return err
}

// GetCursor returns the stored position for name, or 0.
func (s *Store) GetCursor(ctx context.Context, name string) (int64, error) {
	query, args := builder().Select("position").From(builder().Table(tableCursors)).
		Where(entsql.EQ("name", name)).Query()
	var pos int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&pos); err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: cursor: %w", common.ErrDatabase, err)
	}
	return pos, nil
}

// SetCursor stores the position for name.
func (s *Store) SetCursor(ctx context.Context, name string, pos int64) error {
	query, args := builder().Insert(tableCursors).
		Columns("name", "position", "updated_at").
		Values(name, pos, toNanos(s.now())).
		OnConflict(
			entsql.ConflictColumns("name"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	_, err := exec(ctx, s.db, query, args)
	return err
}
