package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

const (
	tableRecords    = "records"
	tableOCRResults = "ocr_results"
	tableSyncOps    = "sync_ops"
	tableCursors    = "sync_cursors"

	tableDeletedKeys = "deleted_keys"
)

var recordColumns = []string{
	"id", "remote_id", "ocr_result_id",
	"amount", "currency", "tx_date", "counterparty", "category", "description",
	"confidence", "validation_status", "review_reasons",
	"sync_state", "revision", "synced_revision", "remote_revision", "sync_error",
	"created_at", "updated_at",
}

var opColumns = []string{
	"seq", "record_id", "kind", "revision", "state", "attempts", "next_attempt_at", "last_error", "created_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (entity.PersistedRecord, error) {
	var (
		r                    entity.PersistedRecord
		id, status, state    string
		reasons              string
		remoteID, syncErr    sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&id, &remoteID, &r.OCRResultID,
		&r.Amount, &r.Currency, &r.Date, &r.Counterparty, &r.Category, &r.Description,
		&r.Confidence, &status, &reasons,
		&state, &r.Revision, &r.SyncedRevision, &r.RemoteRevision, &syncErr,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("%w: scan record: %w", common.ErrDatabase, err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("%w: record id %q: %w", common.ErrDatabase, id, err)
	}
	if remoteID.Valid {
		r.RemoteID = &remoteID.String
	}
	if syncErr.Valid {
		r.SyncError = &syncErr.String
	}
	r.Status = constants.ValidationStatus(status)
	r.SyncState = constants.SyncState(state)
	if reasons != "" {
		_ = json.Unmarshal([]byte(reasons), &r.ReviewReasons)
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return r, nil
}

func scanOp(row rowScanner) (entity.SyncOp, error) {
	var (
		op                 entity.SyncOp
		recordID, kind, st string
		lastErr            sql.NullString
		next, created      int64
	)
	if err := row.Scan(&op.Seq, &recordID, &kind, &op.Revision, &st, &op.Attempts, &next, &lastErr, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return op, ErrNotFound
		}
		return op, fmt.Errorf("%w: scan op: %w", common.ErrDatabase, err)
	}
	id, err := uuid.Parse(recordID)
	if err != nil {
		return op, fmt.Errorf("%w: op record id %q: %w", common.ErrDatabase, recordID, err)
	}
	op.RecordID = id
	op.Kind = constants.OpKind(kind)
	op.State = constants.OpState(st)
	op.NextAttemptAt = fromNanos(next)
	op.CreatedAt = fromNanos(created)
	if lastErr.Valid {
		op.LastError = &lastErr.String
	}
	return op, nil
}

func encodeReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(reasons)
	return string(b)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
