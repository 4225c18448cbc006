package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/ocr"
	"github.com/joseph-ayodele/scansync/internal/remote"
	"github.com/joseph-ayodele/scansync/internal/remote/memstore"
	"github.com/joseph-ayodele/scansync/internal/repository"
)

type clock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine *Engine
	store  *repository.Store
	remote *memstore.Store
	clock  *clock
}

var testOptions = Options{
	Concurrency:    2,
	BatchSize:      10,
	PollInterval:   time.Hour,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
	MaxAttempts:    3,
	OpTimeout:      5 * time.Second,
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := repository.Open(context.Background(), repository.Config{Path: filepath.Join(t.TempDir(), "sync.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rs := memstore.New()
	e := NewEngine(store, rs, opts, nil)
	// ahead of wall time so ops created during the test are due
	clk := &clock{t: time.Now().Add(time.Hour)}
	e.now = clk.Now
	return &fixture{engine: e, store: store, remote: rs, clock: clk}
}

func (f *fixture) create(t *testing.T, counterparty string) entity.PersistedRecord {
	t.Helper()
	rec, err := f.store.Create(context.Background(), entity.ExtractedRecord{
		Fields:     entity.Fields{Amount: decimal.RequireFromString("42.5"), Currency: "USD", Date: "2024-03-01", Counterparty: counterparty},
		Confidence: 0.9,
		Status:     constants.StatusValid,
	}, ocr.Result{})
	require.NoError(t, err)
	return rec
}

func (f *fixture) synced(t *testing.T, counterparty string) entity.PersistedRecord {
	t.Helper()
	rec := f.create(t, counterparty)
	_, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	rec, err = f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, rec.SyncState)
	return rec
}

func bodyOf(t *testing.T, doc remote.Document) entity.DocumentBody {
	t.Helper()
	var b entity.DocumentBody
	require.NoError(t, json.Unmarshal(doc.Body, &b))
	return b
}

func rawBody(t *testing.T, counterparty string) json.RawMessage {
	t.Helper()
	bs, err := json.Marshal(entity.DocumentBody{
		Fields: entity.Fields{Amount: decimal.NewFromInt(1), Date: "2024-01-01", Counterparty: counterparty},
		Status: constants.StatusValid,
	})
	require.NoError(t, err)
	return bs
}

func correct(t *testing.T, f *fixture, id uuid.UUID, counterparty string) {
	t.Helper()
	cur, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	cur.Counterparty = counterparty
	_, err = f.store.Correct(context.Background(), id, cur.ExtractedRecord)
	require.NoError(t, err)
}

func TestPushCreateThenUpdate(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.create(t, "Acme")

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pushed)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.NotNil(t, got.RemoteID)
	require.Equal(t, int64(1), got.RemoteRevision)

	doc, err := f.remote.Get(ctx, *got.RemoteID)
	require.NoError(t, err)
	require.Equal(t, rec.ID.String(), doc.ClientKey)
	require.Equal(t, "Acme", bodyOf(t, doc).Counterparty)

	correct(t, f, rec.ID, "Acme Corp")
	st, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pushed)

	doc, err = f.remote.Get(ctx, *got.RemoteID)
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Revision)
	require.Equal(t, "Acme Corp", bodyOf(t, doc).Counterparty)

	got, err = f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, int64(2), got.RemoteRevision)

	st, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{}, st)
}

func TestOfflineKeepsOpsQueued(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	f.remote.SetOffline(true)
	rec := f.create(t, "Acme")

	st, err := f.engine.Drain(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.Equal(t, 1, st.Retried)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncPending, got.SyncState)
	require.NotNil(t, got.SyncError)

	// backing off: nothing is due yet
	_, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.remote.Calls("upsert"))

	f.remote.SetOffline(false)
	f.clock.advance(time.Minute)
	st, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pushed)

	got, err = f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Nil(t, got.SyncError)
}

func TestDrainStopsWhenRemoteGoesAway(t *testing.T) {
	opts := testOptions
	opts.Concurrency = 1
	f := newFixture(t, opts)
	f.remote.SetOffline(true)
	f.create(t, "Acme")
	f.create(t, "Globex")

	st, err := f.engine.Drain(context.Background())
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.Equal(t, 1, st.Retried)
	require.Equal(t, 1, st.Remaining)
	require.Equal(t, 1, f.remote.Calls("upsert"))
}

func TestLostCreateResponseIsRebound(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.create(t, "Acme")
	body, err := json.Marshal(rec.Body())
	require.NoError(t, err)
	stored := f.remote.Put(remote.Document{ClientKey: rec.ID.String(), UpdatedAt: rec.UpdatedAt, Body: body})

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Resolved)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, stored.ID, *got.RemoteID)

	docs, err := f.remote.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1, "no duplicate remote document")
}

func TestLostCreateMatchesAtRemotePrecision(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.create(t, "Acme")
	body, err := json.Marshal(rec.Body())
	require.NoError(t, err)
	// the remote kept our update time at microsecond precision
	stored := f.remote.Put(remote.Document{ClientKey: rec.ID.String(), UpdatedAt: rec.UpdatedAt.Truncate(time.Microsecond), Body: body})

	_, err = f.engine.Drain(ctx)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, 1, f.remote.Calls("upsert"))
	doc, err := f.remote.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Revision, doc.Revision)
}

func TestStaleRevisionRemoteWins(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.synced(t, "Acme")
	f.remote.Put(remote.Document{ID: *rec.RemoteID, UpdatedAt: time.Now().Add(time.Hour), Body: rawBody(t, "Other")})
	correct(t, f, rec.ID, "Mine")

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Resolved)
	require.Zero(t, st.Pushed)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "Other", got.Counterparty)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, int64(2), got.RemoteRevision)

	doc, err := f.remote.Get(ctx, *rec.RemoteID)
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Revision)
}

func TestStaleRevisionLocalWins(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.synced(t, "Acme")
	f.remote.Put(remote.Document{ID: *rec.RemoteID, UpdatedAt: time.Now().Add(-time.Hour), Body: rawBody(t, "Other")})
	correct(t, f, rec.ID, "Mine")

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Resolved)
	require.Equal(t, 1, st.Pushed)

	doc, err := f.remote.Get(ctx, *rec.RemoteID)
	require.NoError(t, err)
	require.Equal(t, int64(3), doc.Revision)
	require.Equal(t, "Mine", bodyOf(t, doc).Counterparty)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, constants.SyncSynced, got.SyncState)
	require.Equal(t, int64(3), got.RemoteRevision)
}

func TestRemoteTombstoneBeatsLocalEdit(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.synced(t, "Acme")
	_, err := f.remote.Delete(ctx, *rec.RemoteID)
	require.NoError(t, err)
	correct(t, f, rec.ID, "Mine")

	_, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	_, err = f.store.GetForSync(ctx, rec.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeletePropagates(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.synced(t, "Acme")
	require.NoError(t, f.store.Delete(ctx, rec.ID))

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Deleted)

	doc, err := f.remote.Get(ctx, *rec.RemoteID)
	require.NoError(t, err)
	require.True(t, doc.Deleted)
	_, err = f.store.GetForSync(ctx, rec.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteBeforeFirstPushStaysLocal(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.create(t, "Acme")
	require.NoError(t, f.store.Delete(ctx, rec.ID))

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Skipped)
	require.Equal(t, 1, st.Deleted)
	require.Zero(t, f.remote.Calls("upsert"))
	require.Zero(t, f.remote.Calls("delete"))
}

func TestDeleteAfterLostCreateAckReachesRemote(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	rec := f.create(t, "Acme")
	// the create landed remotely but its response never came back
	doc := f.remote.Put(remote.Document{ClientKey: rec.ID.String(), Body: rawBody(t, "Acme")})
	require.NoError(t, f.store.Delete(ctx, rec.ID))

	rep, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Pull.Outcomes[constants.OutcomeKeptLocal])
	require.Equal(t, 2, rep.Drain.Deleted)

	list, err := f.store.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	got, err := f.remote.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	_, err = f.store.GetForSync(ctx, rec.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)

	rep, err = f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Pull.Outcomes[constants.OutcomeIgnored])
	list, err = f.store.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

type rejectingRemote struct{ *memstore.Store }

func (rejectingRemote) Upsert(context.Context, remote.UpsertRequest) (remote.Document, error) {
	return remote.Document{}, remote.ErrInvalid
}

func TestPermanentFailureIsPublished(t *testing.T) {
	f := newFixture(t, testOptions)
	f.engine.remote = rejectingRemote{f.remote}
	ctx := context.Background()
	rec := f.create(t, "Acme")

	st, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Failed)

	select {
	case fail := <-f.engine.Failures():
		require.Equal(t, rec.ID, fail.RecordID)
		require.ErrorIs(t, fail.Err, remote.ErrInvalid)
	default:
		t.Fatal("expected a published failure")
	}

	failed, err := f.store.FailedOps(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SyncError)
}

func TestRetryBudgetExhausted(t *testing.T) {
	opts := testOptions
	opts.MaxAttempts = 2
	f := newFixture(t, opts)
	ctx := context.Background()
	f.remote.SetOffline(true)
	rec := f.create(t, "Acme")

	st, err := f.engine.Drain(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.Equal(t, 1, st.Retried)

	f.clock.advance(time.Minute)
	st, err = f.engine.Drain(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.Equal(t, 1, st.Failed)

	fail := <-f.engine.Failures()
	require.Equal(t, rec.ID, fail.RecordID)

	// failed ops are not retried until requeued
	f.remote.SetOffline(false)
	f.clock.advance(time.Hour)
	st, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{}, st)

	n, err := f.store.RequeueFailed(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	st, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pushed)
}

func TestPullAppliesRemoteChanges(t *testing.T) {
	opts := testOptions
	opts.BatchSize = 2
	f := newFixture(t, opts)
	ctx := context.Background()

	a := f.remote.Put(remote.Document{Body: rawBody(t, "Initech")})
	f.remote.Put(remote.Document{Body: rawBody(t, "Hooli")})
	f.remote.Put(remote.Document{Body: rawBody(t, "Vandelay")})

	st, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, st.Fetched)
	require.Equal(t, 3, st.Outcomes[constants.OutcomeInserted])

	list, err := f.store.List(ctx, entity.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)

	f.remote.Put(remote.Document{ID: a.ID, UpdatedAt: time.Now().Add(time.Hour), Body: rawBody(t, "Initrode")})
	st, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Fetched)
	require.Equal(t, 1, st.Outcomes[constants.OutcomeAdopted])

	list, err = f.store.List(ctx, entity.RecordFilter{Search: "initrode"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.remote.Delete(ctx, a.ID)
	require.NoError(t, err)
	st, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Outcomes[constants.OutcomePurged])

	st, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Fetched)

	pos, err := f.store.GetCursor(ctx, cursorName)
	require.NoError(t, err)
	require.Equal(t, st.Cursor, pos)
}

func TestPushedRecordsEchoAsIgnored(t *testing.T) {
	f := newFixture(t, testOptions)
	ctx := context.Background()
	f.synced(t, "Acme")

	st, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Outcomes[constants.OutcomeIgnored])
}

func TestRunSyncsOnNotifyAndRecovers(t *testing.T) {
	opts := testOptions
	opts.InitialBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	opts.MaxAttempts = 1000
	f := newFixture(t, opts)
	f.engine.now = time.Now
	f.remote.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.engine.Run(ctx)
	}()

	rec := f.create(t, "Acme")
	f.engine.Notify()
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), rec.ID)
		return err == nil && got.SyncError != nil
	}, 5*time.Second, 10*time.Millisecond)

	f.remote.SetOffline(false)
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), rec.ID)
		return err == nil && got.SyncState == constants.SyncSynced
	}, 5*time.Second, 10*time.Millisecond)
	require.Positive(t, f.remote.Calls("ping"))

	cancel()
	wg.Wait()
}
