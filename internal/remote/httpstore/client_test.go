package httpstore_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/docserver"
	"github.com/joseph-ayodele/scansync/internal/remote"
	"github.com/joseph-ayodele/scansync/internal/remote/httpstore"
	"github.com/joseph-ayodele/scansync/internal/remote/memstore"
	"github.com/joseph-ayodele/scansync/internal/remote/remotetest"
)

func setup(t *testing.T, serverToken, clientToken string) (*httpstore.Client, *memstore.Store) {
	t.Helper()
	backing := memstore.New()
	srv := httptest.NewServer(docserver.New(backing, serverToken, nil).Router())
	t.Cleanup(srv.Close)
	c, err := httpstore.New(httpstore.Config{BaseURL: srv.URL, Token: clientToken, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return c, backing
}

func TestConformance(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store {
		c, _ := setup(t, "", "")
		return c
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t, "", "")
	body := json.RawMessage(`{"fields":{"amount":42.5,"counterparty":"Acme"}}`)

	doc, err := c.Upsert(ctx, remote.UpsertRequest{ClientKey: "k-1", UpdatedAt: time.Now(), Body: body})
	require.NoError(t, err)
	require.True(t, doc.Created)
	require.Equal(t, int64(1), doc.Revision)
	require.JSONEq(t, string(body), string(doc.Body))

	again, err := c.Upsert(ctx, remote.UpsertRequest{ClientKey: "k-1", Body: body})
	require.NoError(t, err)
	require.False(t, again.Created, "repeated create is answered with the stored document")
	require.Equal(t, doc.ID, again.ID)

	upd, err := c.Upsert(ctx, remote.UpsertRequest{ID: doc.ID, BaseRevision: 1, Body: body})
	require.NoError(t, err)
	require.Equal(t, int64(2), upd.Revision)

	_, err = c.Upsert(ctx, remote.UpsertRequest{ID: doc.ID, BaseRevision: 1, Body: body})
	require.ErrorIs(t, err, remote.ErrStaleRevision)
	require.Equal(t, common.KindConflict, common.KindOf(err))

	got, err := c.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Revision)

	tomb, err := c.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, tomb.Deleted)

	changes, err := c.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.True(t, changes[0].Deleted)

	changes, err = c.Changes(ctx, tomb.Seq, 10)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	c, backing := setup(t, "", "")

	_, err := c.Get(ctx, "missing")
	require.ErrorIs(t, err, remote.ErrNotFound)

	_, err = c.Upsert(ctx, remote.UpsertRequest{ID: "missing", BaseRevision: 1})
	require.ErrorIs(t, err, remote.ErrNotFound)

	backing.SetOffline(true)
	err = c.Ping(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.True(t, common.IsTransient(err))
	backing.SetOffline(false)
	require.NoError(t, c.Ping(ctx))
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := httpstore.New(httpstore.Config{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Changes(context.Background(), 0, 10)
	require.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestTokenRequired(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t, "secret", "wrong")
	_, err := c.Get(ctx, "x")
	require.ErrorIs(t, err, remote.ErrInvalid)

	ok, _ := setup(t, "secret", "secret")
	_, err = ok.Get(ctx, "x")
	require.ErrorIs(t, err, remote.ErrNotFound)

	// health stays open
	require.NoError(t, c.Ping(ctx))
}
