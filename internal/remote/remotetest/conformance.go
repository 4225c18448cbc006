// Package remotetest holds behaviour checks every remote.Store backend must pass.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/internal/remote"
)

// Run exercises create idempotency, optimistic updates, tombstones and the change feed,
// including a reader paging through changes while writers race.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) remote.Store) {
	t.Run("create is idempotent by client key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uuid.NewString()
		body := json.RawMessage(`{"fields":{"amount":1}}`)

		first, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: key, UpdatedAt: time.Now(), Body: body})
		require.NoError(t, err)
		require.True(t, first.Created)
		require.Equal(t, int64(1), first.Revision)
		require.Equal(t, key, first.ClientKey)

		second, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: key, UpdatedAt: time.Now(), Body: body})
		require.NoError(t, err)
		require.False(t, second.Created)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, first.Revision, second.Revision)
	})

	t.Run("update requires the current revision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		doc, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: uuid.NewString(), Body: json.RawMessage(`{}`)})
		require.NoError(t, err)

		next, err := s.Upsert(ctx, remote.UpsertRequest{ID: doc.ID, BaseRevision: doc.Revision, Body: json.RawMessage(`{"v":2}`)})
		require.NoError(t, err)
		require.Equal(t, doc.Revision+1, next.Revision)
		require.Greater(t, next.Seq, doc.Seq)

		_, err = s.Upsert(ctx, remote.UpsertRequest{ID: doc.ID, BaseRevision: doc.Revision, Body: json.RawMessage(`{"v":3}`)})
		require.ErrorIs(t, err, remote.ErrStaleRevision)

		_, err = s.Upsert(ctx, remote.UpsertRequest{ID: uuid.NewString(), BaseRevision: 1, Body: json.RawMessage(`{}`)})
		require.ErrorIs(t, err, remote.ErrNotFound)
	})

	t.Run("delete leaves a tombstone", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		doc, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: uuid.NewString(), Body: json.RawMessage(`{}`)})
		require.NoError(t, err)

		tomb, err := s.Delete(ctx, doc.ID)
		require.NoError(t, err)
		require.True(t, tomb.Deleted)
		require.Greater(t, tomb.Revision, doc.Revision)

		again, err := s.Delete(ctx, doc.ID)
		require.NoError(t, err)
		require.Equal(t, tomb.Revision, again.Revision)

		_, err = s.Upsert(ctx, remote.UpsertRequest{ID: doc.ID, BaseRevision: tomb.Revision, Body: json.RawMessage(`{}`)})
		require.ErrorIs(t, err, remote.ErrStaleRevision)

		_, err = s.Delete(ctx, uuid.NewString())
		require.ErrorIs(t, err, remote.ErrNotFound)
	})

	t.Run("changes are ordered by sequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: uuid.NewString(), Body: json.RawMessage(`{}`)})
		require.NoError(t, err)
		b, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: uuid.NewString(), Body: json.RawMessage(`{}`)})
		require.NoError(t, err)
		a2, err := s.Upsert(ctx, remote.UpsertRequest{ID: a.ID, BaseRevision: a.Revision, Body: json.RawMessage(`{}`)})
		require.NoError(t, err)

		all, err := s.Changes(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, b.ID, all[0].ID)
		require.Equal(t, a2.ID, all[1].ID)
		require.Equal(t, a2.Revision, all[1].Revision)

		tail, err := s.Changes(ctx, b.Seq, 0)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, a.ID, tail[0].ID)

		one, err := s.Changes(ctx, 0, 1)
		require.NoError(t, err)
		require.Len(t, one, 1)

		require.NoError(t, s.Ping(ctx))
	})

	t.Run("changes never skip concurrent writes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const writers, perWriter = 4, 15

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					_, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: fmt.Sprintf("w%d-%d", w, i), Body: json.RawMessage(`{}`)})
					errs <- err
				}
			}()
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		seen := map[string]bool{}
		var cursor int64
		pull := func() int {
			docs, err := s.Changes(ctx, cursor, 7)
			require.NoError(t, err)
			for _, d := range docs {
				require.Greater(t, d.Seq, cursor)
				seen[d.ID] = true
				cursor = d.Seq
			}
			return len(docs)
		}
	reading:
		for {
			select {
			case <-done:
				break reading
			default:
				pull()
			}
		}
		for pull() > 0 {
		}

		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Len(t, seen, writers*perWriter)
	})

	t.Run("update times keep microsecond precision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := remote.Timestamp(time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC))
		doc, err := s.Upsert(ctx, remote.UpsertRequest{ClientKey: uuid.NewString(), UpdatedAt: at, Body: json.RawMessage(`{}`)})
		require.NoError(t, err)
		require.True(t, at.Equal(doc.UpdatedAt), "%s != %s", at, doc.UpdatedAt)

		got, err := s.Get(ctx, doc.ID)
		require.NoError(t, err)
		require.True(t, at.Equal(got.UpdatedAt), "%s != %s", at, got.UpdatedAt)
	})
}
