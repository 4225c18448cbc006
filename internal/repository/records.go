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
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

// Create stores the OCR result (if new), the record at revision 1 in pending state,
// and its upsert op, atomically.
func (s *Store) Create(ctx context.Context, rec entity.ExtractedRecord, res ocr.Result) (entity.PersistedRecord, error) {
	var out entity.PersistedRecord
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if res.ID != "" {
			if err := insertOCRResult(ctx, tx, res, now); err != nil {
				return err
			}
			rec.OCRResultID = res.ID
		}
		id := uuid.New()
		if err := insertRecord(ctx, tx, id, rec, nil, constants.SyncPending, 1, 0, 0, now); err != nil {
			return err
		}
		if _, err := enqueueOp(ctx, tx, id, constants.OpUpsert, 1, now); err != nil {
			return err
		}
		var err error
		out, err = getRecord(ctx, tx, id, true)
		return err
	})
	if err != nil {
		s.logger.Error("failed to create record", "error", err)
		return entity.PersistedRecord{}, err
	}
	s.logger.Debug("record created", "record_id", out.ID, "status", out.Status)
	return out, nil
}

func insertRecord(ctx context.Context, q querier, id uuid.UUID, rec entity.ExtractedRecord, remoteID *string,
	state constants.SyncState, revision, syncedRevision, remoteRevision int64, now time.Time) error {
	query, args := builder().Insert(tableRecords).
		Columns(recordColumns...).
		Values(
			id.String(), nullString(remoteID), rec.OCRResultID,
			rec.Amount, rec.Currency, rec.Date, rec.Counterparty, rec.Category, rec.Description,
			rec.Confidence, string(rec.Status), encodeReasons(rec.ReviewReasons),
			string(state), revision, syncedRevision, remoteRevision, nil,
			toNanos(now), toNanos(now),
		).Query()
	_, err := exec(ctx, q, query, args)
	return err
}

// Get returns a visible record. Records pending deletion are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error) {
	return getRecord(ctx, s.db, id, false)
}

// GetForSync returns the record in any state, including deleted_pending.
func (s *Store) GetForSync(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error) {
	return getRecord(ctx, s.db, id, true)
}

func getRecord(ctx context.Context, q querier, id uuid.UUID, includeDeleted bool) (entity.PersistedRecord, error) {
	pred := entsql.EQ("id", id.String())
	if !includeDeleted {
		pred = entsql.And(pred, entsql.NEQ("sync_state", string(constants.SyncDeletedPending)))
	}
	query, args := builder().Select(recordColumns...).From(builder().Table(tableRecords)).Where(pred).Query()
	rec, err := scanRecord(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return rec, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, nil
}

func getRecordByRemoteID(ctx context.Context, q querier, remoteID string) (entity.PersistedRecord, error) {
	query, args := builder().Select(recordColumns...).From(builder().Table(tableRecords)).
		Where(entsql.EQ("remote_id", remoteID)).Query()
	return scanRecord(q.QueryRowContext(ctx, query, args...))
}

// List returns visible records matching filter, newest first.
func (s *Store) List(ctx context.Context, f entity.RecordFilter) ([]entity.PersistedRecord, error) {
	preds := []*entsql.Predicate{entsql.NEQ("sync_state", string(constants.SyncDeletedPending))}
	if f.Status != "" {
		preds = append(preds, entsql.EQ("validation_status", string(f.Status)))
	}
	if f.SyncState != "" {
		preds = append(preds, entsql.EQ("sync_state", string(f.SyncState)))
	}
	if f.Search != "" {
		preds = append(preds, entsql.Or(
			entsql.ContainsFold("counterparty", f.Search),
			entsql.ContainsFold("description", f.Search),
		))
	}
	if f.From != "" {
		preds = append(preds, entsql.GTE("tx_date", f.From))
	}
	if f.To != "" {
		preds = append(preds, entsql.LTE("tx_date", f.To))
	}
	sel := builder().Select(recordColumns...).From(builder().Table(tableRecords)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Desc("created_at"), "id")
	if f.Limit > 0 {
		sel = sel.Limit(f.Limit)
	}
	query, args := sel.Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to list records", "error", err)
		return nil, fmt.Errorf("%w: list: %w", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []entity.PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %w", common.ErrDatabase, err)
	}
	return out, nil
}

// Correct replaces the record's extracted values (a user correction or a re-extraction).
// The revision is bumped, the record goes back to pending and an upsert op is queued, atomically.
func (s *Store) Correct(ctx context.Context, id uuid.UUID, rec entity.ExtractedRecord) (entity.PersistedRecord, error) {
	var out entity.PersistedRecord
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if rec.OCRResultID == "" {
			rec.OCRResultID = cur.OCRResultID
		}
		now := s.now()
		rev := cur.Revision + 1
		query, args := builder().Update(tableRecords).
			Set("ocr_result_id", rec.OCRResultID).
			Set("amount", rec.Amount).
			Set("currency", rec.Currency).
			Set("tx_date", rec.Date).
			Set("counterparty", rec.Counterparty).
			Set("category", rec.Category).
			Set("description", rec.Description).
			Set("confidence", rec.Confidence).
			Set("validation_status", string(rec.Status)).
			Set("review_reasons", encodeReasons(rec.ReviewReasons)).
			Set("sync_state", string(constants.SyncPending)).
			Set("revision", rev).
			SetNull("sync_error").
			Set("updated_at", toNanos(now)).
			Where(entsql.EQ("id", id.String())).
			Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return err
		}
		if _, err := enqueueOp(ctx, tx, id, constants.OpUpsert, rev, now); err != nil {
			return err
		}
		out, err = getRecord(ctx, tx, id, true)
		return err
	})
	if err != nil {
		return entity.PersistedRecord{}, err
	}
	s.logger.Debug("record corrected", "record_id", id, "revision", out.Revision)
	return out, nil
}

// Delete hides the record locally and queues a delete op. The row is purged once the
// remote store acknowledges the delete.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, id, false)
		if err != nil {
			return err
		}
		now := s.now()
		rev := cur.Revision + 1
		query, args := builder().Update(tableRecords).
			Set("sync_state", string(constants.SyncDeletedPending)).
			Set("revision", rev).
			SetNull("sync_error").
			Set("updated_at", toNanos(now)).
			Where(entsql.EQ("id", id.String())).
			Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return err
		}
		_, err = enqueueOp(ctx, tx, id, constants.OpDelete, rev, now)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Debug("record marked for deletion", "record_id", id)
	return nil
}

// EnqueueSync queues an op for the record's current revision. It is idempotent:
// repeated calls for an unchanged record add nothing. The bool reports whether an op was added.
func (s *Store) EnqueueSync(ctx context.Context, id uuid.UUID) (bool, error) {
	var created bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, id, true)
		if err != nil {
			return err
		}
		kind := constants.OpUpsert
		if cur.SyncState == constants.SyncDeletedPending {
			kind = constants.OpDelete
		}
		created, err = enqueueOp(ctx, tx, id, kind, cur.Revision, s.now())
		return err
	})
	return created, err
}

// Purge removes the record and all of its ops.
func (s *Store) Purge(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return purge(ctx, tx, id)
	})
}

// PurgeUnbound removes a deleted record that never learned its remote id and remembers its
// client key. A create that reached the remote without an acknowledgement is then deleted
// remotely when it shows up in a pull instead of coming back as a new record.
func (s *Store) PurgeUnbound(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := purge(ctx, tx, id); err != nil {
			return err
		}
		query, args := builder().Insert(tableDeletedKeys).
			Columns("client_key", "deleted_at").
			Values(id.String(), toNanos(s.now())).
			OnConflict(entsql.ConflictColumns("client_key"), entsql.DoNothing()).
			Query()
		_, err := exec(ctx, tx, query, args)
		return err
	})
}

// takeDeletedKey reports whether key was deleted locally before its remote id was known,
// and forgets it.
func takeDeletedKey(ctx context.Context, q querier, key string) (bool, error) {
	query, args := builder().Delete(tableDeletedKeys).Where(entsql.EQ("client_key", key)).Query()
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

func purge(ctx context.Context, q querier, id uuid.UUID) error {
	query, args := builder().Delete(tableSyncOps).Where(entsql.EQ("record_id", id.String())).Query()
	if _, err := exec(ctx, q, query, args); err != nil {
		return err
	}
	query, args = builder().Delete(tableRecords).Where(entsql.EQ("id", id.String())).Query()
	_, err := exec(ctx, q, query, args)
	return err
}

// Stats counts records per sync state, including deleted_pending, plus queued and failed ops.
type Stats struct {
	ByState   map[constants.SyncState]int
	QueuedOps int
	FailedOps int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByState: map[constants.SyncState]int{}}
	query, args := builder().Select("sync_state", entsql.Count("*")).From(builder().Table(tableRecords)).
		GroupBy("sync_state").Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return st, fmt.Errorf("%w: stats: %w", common.ErrDatabase, err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("%w: stats: %w", common.ErrDatabase, err)
		}
		st.ByState[constants.SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("%w: stats: %w", common.ErrDatabase, err)
	}

	query, args = builder().Select("state", entsql.Count("*")).From(builder().Table(tableSyncOps)).
		GroupBy("state").Query()
	opRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return st, fmt.Errorf("%w: stats: %w", common.ErrDatabase, err)
	}
	defer opRows.Close()
	for opRows.Next() {
		var state string
		var n int
		if err := opRows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("%w: stats: %w", common.ErrDatabase, err)
		}
		switch constants.OpState(state) {
		case constants.OpQueued:
			st.QueuedOps = n
		case constants.OpFailedPermanent:
			st.FailedOps = n
		}
	}
	return st, opRows.Err()
}
