package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/remote"
)

// ApplyRemote merges a remote document into the local store.
//
//   - unknown document: inserted as a synced record (tombstones are ignored), unless its
//     client key was deleted locally before the create was acknowledged; then a hidden
//     record is kept and its delete queued
//   - remote tombstone: the local record and its ops are purged, local edits included
//   - local record has no unsynced change: the remote version is adopted
//   - otherwise policy picks a side; the losing local change is dropped, or the
//     winning one is re-queued against the new remote revision
func (s *Store) ApplyRemote(ctx context.Context, doc remote.Document, policy constants.ConflictPolicy) (constants.ApplyOutcome, error) {
	var outcome constants.ApplyOutcome
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = s.applyRemote(ctx, tx, doc, policy)
		return err
	})
	if err != nil {
		s.logger.Error("failed to apply remote document", "remote_id", doc.ID, "error", err)
		return "", err
	}
	s.logger.Debug("remote document applied", "remote_id", doc.ID, "revision", doc.Revision, "outcome", outcome)
	return outcome, nil
}

func (s *Store) applyRemote(ctx context.Context, tx *sql.Tx, doc remote.Document, policy constants.ConflictPolicy) (constants.ApplyOutcome, error) {
	now := s.now()
	local, found, err := findLocal(ctx, tx, doc)
	if err != nil {
		return "", err
	}

	if !found {
		deletedHere, err := takeDeletedKey(ctx, tx, doc.ClientKey)
		if err != nil {
			return "", err
		}
		if doc.Deleted {
			return constants.OutcomeIgnored, nil
		}
		rec, err := decodeBody(doc)
		if err != nil {
			return "", err
		}
		if deletedHere {
			// our delete predates learning the remote id: keep it hidden and send the tombstone
			return constants.OutcomeKeptLocal, restoreDeleted(ctx, tx, rec, doc, now)
		}
		id := uuid.New()
		if key, perr := uuid.Parse(doc.ClientKey); perr == nil {
			if _, gerr := getRecord(ctx, tx, key, true); errors.Is(gerr, ErrNotFound) {
				id = key
			}
		}
		remoteID := doc.ID
		if err := insertRecord(ctx, tx, id, rec, &remoteID, constants.SyncSynced, 1, 1, doc.Revision, now); err != nil {
			return "", err
		}
		return constants.OutcomeInserted, nil
	}

	if doc.Deleted {
		if err := purge(ctx, tx, local.ID); err != nil {
			return "", err
		}
		return constants.OutcomePurged, nil
	}

	if local.RemoteID == nil {
		// our own create whose acknowledgement never reached us
		if err := bindRemote(ctx, tx, local.ID, doc.ID); err != nil {
			return "", err
		}
	}

	if doc.Revision <= local.RemoteRevision {
		// already seen, typically the echo of our own push
		return constants.OutcomeIgnored, nil
	}
	unsynced := local.SyncState != constants.SyncSynced || local.Revision > local.SyncedRevision
	if !unsynced {
		return constants.OutcomeAdopted, adopt(ctx, tx, local, doc, now)
	}

	if remoteWins(local, doc, policy) {
		return constants.OutcomeAdopted, adopt(ctx, tx, local, doc, now)
	}

	// local wins: rebase onto the remote revision and push again
	query, args := builder().Update(tableRecords).
		Set("remote_revision", doc.Revision).
		Where(entsql.EQ("id", local.ID.String())).
		Query()
	if _, err := exec(ctx, tx, query, args); err != nil {
		return "", err
	}
	if local.SyncState == constants.SyncConflict {
		query, args = builder().Update(tableRecords).
			Set("sync_state", string(constants.SyncPending)).
			SetNull("sync_error").
			Where(entsql.EQ("id", local.ID.String())).
			Query()
		if _, err := exec(ctx, tx, query, args); err != nil {
			return "", err
		}
	}
	kind := constants.OpUpsert
	if local.SyncState == constants.SyncDeletedPending {
		kind = constants.OpDelete
	}
	if _, err := enqueueOp(ctx, tx, local.ID, kind, local.Revision, now); err != nil {
		return "", err
	}
	return constants.OutcomeKeptLocal, nil
}

func restoreDeleted(ctx context.Context, q querier, rec entity.ExtractedRecord, doc remote.Document, now time.Time) error {
	id, err := uuid.Parse(doc.ClientKey)
	if err != nil {
		return fmt.Errorf("%w: client key %q: %w", common.ErrDatabase, doc.ClientKey, err)
	}
	remoteID := doc.ID
	if err := insertRecord(ctx, q, id, rec, &remoteID, constants.SyncDeletedPending, 1, 0, doc.Revision, now); err != nil {
		return err
	}
	_, err = enqueueOp(ctx, q, id, constants.OpDelete, 1, now)
	return err
}

// remoteWins applies policy to a local record with unsynced changes. Local and remote
// revisions count different things (local edits and adopts, remote writes), so the revision
// policy compares the remote against the revision the local side would have reached had each
// unsynced local revision been written remotely. Timestamps compare at remote precision.
func remoteWins(local entity.PersistedRecord, doc remote.Document, policy constants.ConflictPolicy) bool {
	if policy == constants.PolicyRevision {
		return doc.Revision >= local.RemoteRevision+max(local.Revision-local.SyncedRevision, 0)
	}
	return !remote.Timestamp(local.UpdatedAt).After(remote.Timestamp(doc.UpdatedAt))
}

// findLocal matches by remote identity, then by client key for creates whose response was lost.
func findLocal(ctx context.Context, q querier, doc remote.Document) (entity.PersistedRecord, bool, error) {
	rec, err := getRecordByRemoteID(ctx, q, doc.ID)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return rec, false, err
	}
	key, perr := uuid.Parse(doc.ClientKey)
	if perr != nil {
		return rec, false, nil
	}
	rec, err = getRecord(ctx, q, key, true)
	switch {
	case errors.Is(err, ErrNotFound):
		return rec, false, nil
	case err != nil:
		return rec, false, err
	case rec.RemoteID != nil:
		// key collision with a record bound elsewhere; treat the document as foreign
		return rec, false, nil
	}
	return rec, true, nil
}

func bindRemote(ctx context.Context, q querier, id uuid.UUID, remoteID string) error {
	query, args := builder().Update(tableRecords).
		Set("remote_id", remoteID).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.IsNull("remote_id"))).
		Query()
	_, err := exec(ctx, q, query, args)
	return err
}

// adopt replaces local values with the remote version, bumps the local revision and
// marks it synced. Queued ops for the record are dropped.
func adopt(ctx context.Context, q querier, local entity.PersistedRecord, doc remote.Document, now time.Time) error {
	rec, err := decodeBody(doc)
	if err != nil {
		return err
	}
	rev := local.Revision + 1
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
		Set("sync_state", string(constants.SyncSynced)).
		Set("revision", rev).
		Set("synced_revision", rev).
		Set("remote_revision", doc.Revision).
		SetNull("sync_error").
		Set("updated_at", toNanos(now)).
		Where(entsql.EQ("id", local.ID.String())).
		Query()
	if _, err := exec(ctx, q, query, args); err != nil {
		return err
	}
	query, args = builder().Delete(tableSyncOps).Where(entsql.EQ("record_id", local.ID.String())).Query()
	_, err = exec(ctx, q, query, args)
	return err
}

func decodeBody(doc remote.Document) (entity.ExtractedRecord, error) {
	var body entity.DocumentBody
	if len(doc.Body) > 0 {
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return entity.ExtractedRecord{}, common.NewAppError("REMOTE_BODY",
				fmt.Sprintf("remote document %s has an unreadable body", doc.ID), err)
		}
	}
	return body.Extracted(), nil
}
