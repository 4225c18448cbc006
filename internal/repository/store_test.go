package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/ocr"
	"github.com/joseph-ayodele/scansync/internal/remote"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func openStore(t *testing.T, path string) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path}, nil)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func newStore(t *testing.T) (*Store, *fakeClock) {
	return openStore(t, filepath.Join(t.TempDir(), "scansync.db"))
}

func acme() entity.ExtractedRecord {
	return entity.ExtractedRecord{
		Fields:     entity.Fields{Amount: decimal.RequireFromString("42.5"), Currency: "USD", Date: "2024-03-01", Counterparty: "Acme", Category: "Meals"},
		Confidence: 0.9,
		Status:     constants.StatusValid,
	}
}

func acmeOCR() ocr.Result {
	return ocr.Result{ID: "digest-acme", Engine: "stub", Blocks: []ocr.Block{{Text: "Total: 42.50", Confidence: 0.9}}}
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, acme(), acmeOCR())
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Revision)
	require.Equal(t, constants.SyncPending, rec.SyncState)
	require.Nil(t, rec.RemoteID)
	require.Equal(t, "digest-acme", rec.OCRResultID)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	ops, err := s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, constants.OpUpsert, ops[0].Kind)
	require.Equal(t, int64(1), ops[0].Revision)

	res, err := s.GetOCRResult(ctx, "digest-acme")
	require.NoError(t, err)
	require.Equal(t, "Total: 42.50", res.Text())

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	clock.advance(time.Second)

	other := acme()
	other.Counterparty = "Globex"
	other.Date = "2024-04-15"
	other.Status = constants.StatusNeedsReview
	b, err := s.Create(ctx, other, ocr.Result{})
	require.NoError(t, err)

	all, err := s.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, b.ID, all[0].ID, "newest first")

	got, err := s.List(ctx, entity.RecordFilter{Status: constants.StatusNeedsReview})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.ID, got[0].ID)

	got, err = s.List(ctx, entity.RecordFilter{Search: "acm"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a.ID, got[0].ID)

	got, err = s.List(ctx, entity.RecordFilter{From: "2024-04-01", To: "2024-04-30"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.ID, got[0].ID)

	got, err = s.List(ctx, entity.RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEnqueueSyncIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		created, err := s.EnqueueSync(ctx, rec.ID)
		require.NoError(t, err)
		require.False(t, created)
	}
	ops, err := s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// consumed op: one new enqueue, then idempotent again
	require.NoError(t, s.AckOp(ctx, ops[0].Seq))
	created, err := s.EnqueueSync(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, created)
	created, err = s.EnqueueSync(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, created)
}

func TestDurableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scansync.db")
	ctx := context.Background()

	s1, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	rec, err := s1.Create(ctx, acme(), acmeOCR())
	require.NoError(t, err)
	require.NoError(t, s1.SetCursor(ctx, "pull", 17))
	require.NoError(t, s1.Close())

	s2, _ := openStore(t, path)
	got, err := s2.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncPending, got.SyncState)

	ops, err := s2.HeadOps(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, rec.ID, ops[0].RecordID)

	pos, err := s2.GetCursor(ctx, "pull")
	require.NoError(t, err)
	require.Equal(t, int64(17), pos)
}

func TestCorrectAndDelete(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), acmeOCR())
	require.NoError(t, err)

	clock.advance(time.Minute)
	fix := acme()
	fix.Amount = decimal.RequireFromString("45.10")
	fixed, err := s.Correct(ctx, rec.ID, fix)
	require.NoError(t, err)
	require.Equal(t, int64(2), fixed.Revision)
	require.Equal(t, "45.1", fixed.Amount.String())
	require.Equal(t, "digest-acme", fixed.OCRResultID)
	require.True(t, fixed.UpdatedAt.After(rec.UpdatedAt))

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	list, err := s.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, list)

	hidden, err := s.GetForSync(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncDeletedPending, hidden.SyncState)
	require.Equal(t, int64(3), hidden.Revision)

	ops, err := s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, constants.OpDelete, ops[2].Kind)

	_, err = s.Correct(ctx, rec.ID, fix)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, rec.ID), ErrNotFound)

	require.NoError(t, s.Purge(ctx, rec.ID))
	_, err = s.GetForSync(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	ops, err = s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestHeadOpsKeepsPerRecordOrder(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	_, err = s.Correct(ctx, a.ID, acme())
	require.NoError(t, err)
	b, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)

	heads, err := s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	require.Equal(t, a.ID, heads[0].RecordID)
	require.Equal(t, int64(1), heads[0].Revision)
	require.Equal(t, b.ID, heads[1].RecordID)

	// a's head backs off; its second op must not overtake it
	require.NoError(t, s.RetryOp(ctx, heads[0], clock.now().Add(time.Minute), "offline"))
	heads, err = s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, b.ID, heads[0].RecordID)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SyncError)
	require.Equal(t, "offline", *got.SyncError)

	next, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, clock.now(), next)

	clock.advance(2 * time.Minute)
	heads, err = s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	require.Equal(t, 1, heads[0].Attempts)
}

func TestFailAndRequeue(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	heads, err := s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)

	require.NoError(t, s.FailOp(ctx, heads[0], "gave up"))
	heads, err = s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Empty(t, heads)

	failed, err := s.FailedOps(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, constants.OpFailedPermanent, failed[0].State)
	require.Equal(t, rec.ID, failed[0].RecordID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.FailedOps)
	require.Equal(t, 1, st.ByState[constants.SyncPending])

	n, err := s.RequeueFailed(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	heads, err = s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Zero(t, heads[0].Attempts)
}

func TestMarkPushed(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	_, err = s.Correct(ctx, rec.ID, acme())
	require.NoError(t, err)

	// push of revision 1 lands after revision 2 exists
	got, err := s.MarkPushed(ctx, rec.ID, "remote-1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, constants.SyncPending, got.SyncState)
	require.Equal(t, "remote-1", *got.RemoteID)
	require.Equal(t, int64(1), got.SyncedRevision)

	got, err = s.MarkPushed(ctx, rec.ID, "remote-1", 2, 2)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, int64(2), got.RemoteRevision)

	_, err = s.MarkPushed(ctx, rec.ID, "remote-2", 2, 3)
	require.Error(t, err, "remote identity never changes")
}

func TestCancelledContextRollsBack(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Create(ctx, acme(), acmeOCR())
	require.ErrorIs(t, err, context.Canceled)

	list, err := s.List(context.Background(), entity.RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func body(t *testing.T, f entity.Fields) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(entity.DocumentBody{Fields: f, Status: constants.StatusValid, Confidence: 1})
	require.NoError(t, err)
	return b
}

// syncedRecord creates a record and marks it pushed as remote revision 1.
func syncedRecord(t *testing.T, s *Store, remoteID string) entity.PersistedRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	rec, err = s.MarkPushed(ctx, rec.ID, remoteID, 1, 1)
	require.NoError(t, err)
	ops, err := s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	for _, op := range ops {
		require.NoError(t, s.AckOp(ctx, op.Seq))
	}
	require.Equal(t, constants.SyncSynced, rec.SyncState)
	return rec
}

func TestApplyRemoteInsertsUnknownDocument(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	doc := remote.Document{ID: "r-9", Revision: 3, UpdatedAt: clock.now(), Body: body(t, entity.Fields{Amount: decimal.NewFromInt(7), Counterparty: "Initech", Date: "2024-01-02"})}

	out, err := s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeInserted, out)

	list, err := s.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Initech", list[0].Counterparty)
	require.Equal(t, constants.SyncSynced, list[0].SyncState)
	require.Equal(t, int64(3), list[0].RemoteRevision)

	out, err = s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeIgnored, out)

	out, err = s.ApplyRemote(ctx, remote.Document{ID: "r-gone", Deleted: true, Revision: 2}, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeIgnored, out)
}

func TestApplyRemoteAdoptsNewerVersion(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	rec := syncedRecord(t, s, "r-1")

	clock.advance(time.Minute)
	doc := remote.Document{ID: "r-1", Revision: 2, UpdatedAt: clock.now(), Body: body(t, entity.Fields{Amount: decimal.NewFromInt(50), Counterparty: "Acme Corp", Date: "2024-03-01"})}
	out, err := s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeAdopted, out)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", got.Counterparty)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Greater(t, got.Revision, rec.Revision)
	require.Equal(t, got.Revision, got.SyncedRevision)
	require.Equal(t, int64(2), got.RemoteRevision)
}

func TestApplyRemoteTombstonePurgesLocalEdits(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	rec := syncedRecord(t, s, "r-1")
	_, err := s.Correct(ctx, rec.ID, acme())
	require.NoError(t, err)

	out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 2, Deleted: true}, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomePurged, out)

	_, err = s.GetForSync(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	ops, err := s.PendingOps(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestApplyRemoteConflictPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("timestamp: newer local edit is kept", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		remoteAt := clock.now().Add(time.Minute)
		clock.advance(2 * time.Minute)
		_, err := s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)

		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 2, UpdatedAt: remoteAt, Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyTimestamp)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeKeptLocal, out)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, "Acme", got.Counterparty)
		require.Equal(t, constants.SyncPending, got.SyncState)
		require.Equal(t, int64(2), got.RemoteRevision)
	})

	t.Run("timestamp: tie goes to remote", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		_, err := s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)

		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 2, UpdatedAt: clock.now(), Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyTimestamp)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeAdopted, out)
		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, "Remote", got.Counterparty)
		ops, err := s.PendingOps(ctx, rec.ID)
		require.NoError(t, err)
		require.Empty(t, ops)
	})

	t.Run("timestamp: tie is judged at remote precision", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		clock.advance(1234 * time.Nanosecond)
		_, err := s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)

		remoteAt := clock.now().Truncate(time.Microsecond)
		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 2, UpdatedAt: remoteAt, Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyTimestamp)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeAdopted, out)
	})

	t.Run("revision: counts unsynced local revisions on top of the remote one", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		for range 3 {
			_, err := s.Correct(ctx, rec.ID, acme())
			require.NoError(t, err)
		}
		// three local revisions went out as a single remote write
		_, err := s.MarkPushed(ctx, rec.ID, "r-1", 4, 2)
		require.NoError(t, err)
		ops, err := s.PendingOps(ctx, rec.ID)
		require.NoError(t, err)
		for _, op := range ops {
			require.NoError(t, s.AckOp(ctx, op.Seq))
		}
		_, err = s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)

		// one foreign write against remote revision 2 ties with our one unsynced edit
		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 3, UpdatedAt: clock.now(), Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyRevision)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeAdopted, out)
	})

	t.Run("revision: local edits ahead of the remote are kept", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		for range 2 {
			_, err := s.Correct(ctx, rec.ID, acme())
			require.NoError(t, err)
		}
		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 2, UpdatedAt: clock.now(), Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyRevision)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeKeptLocal, out)
	})

	t.Run("revision: higher remote revision wins", func(t *testing.T) {
		s, clock := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		_, err := s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)

		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 5, UpdatedAt: clock.now().Add(-time.Hour), Body: body(t, entity.Fields{Counterparty: "Remote"})}, constants.PolicyRevision)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeAdopted, out)
	})

	t.Run("echo of own push is ignored", func(t *testing.T) {
		s, _ := newStore(t)
		rec := syncedRecord(t, s, "r-1")
		_, err := s.Correct(ctx, rec.ID, acme())
		require.NoError(t, err)
		out, err := s.ApplyRemote(ctx, remote.Document{ID: "r-1", Revision: 1, Body: body(t, entity.Fields{Counterparty: "Old"})}, constants.PolicyTimestamp)
		require.NoError(t, err)
		require.Equal(t, constants.OutcomeIgnored, out)
	})
}

func TestApplyRemoteBindsLostCreate(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)

	doc := remote.Document{ID: "r-7", ClientKey: rec.ID.String(), Revision: 1, UpdatedAt: clock.now(), Body: body(t, acme().Fields)}
	_, err = s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteID)
	require.Equal(t, "r-7", *got.RemoteID)
}

func TestApplyRemoteDeletesCreateOfPurgedRecord(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, acme(), ocr.Result{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, rec.ID))
	require.NoError(t, s.PurgeUnbound(ctx, rec.ID))

	doc := remote.Document{ID: "r-8", ClientKey: rec.ID.String(), Revision: 1, UpdatedAt: clock.now(), Body: body(t, acme().Fields)}
	out, err := s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeKeptLocal, out)

	list, err := s.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, list)

	got, err := s.GetForSync(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncDeletedPending, got.SyncState)
	require.NotNil(t, got.RemoteID)
	require.Equal(t, "r-8", *got.RemoteID)

	ops, err := s.HeadOps(ctx, clock.now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, constants.OpDelete, ops[0].Kind)

	// the key is consumed: once the record is gone for good, its tombstone is just ignored
	require.NoError(t, s.Purge(ctx, rec.ID))
	doc.Deleted = true
	doc.Revision = 2
	out, err = s.ApplyRemote(ctx, doc, constants.PolicyTimestamp)
	require.NoError(t, err)
	require.Equal(t, constants.OutcomeIgnored, out)
}
