package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/internal/remote"
	"github.com/joseph-ayodele/scansync/internal/remote/memstore"
	"github.com/joseph-ayodele/scansync/internal/remote/remotetest"
)

func TestConformance(t *testing.T) {
	remotetest.Run(t, func(*testing.T) remote.Store { return memstore.New() })
}

func TestOffline(t *testing.T) {
	s := memstore.New()
	s.SetOffline(true)
	_, err := s.Changes(context.Background(), 0, 0)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.Equal(t, 1, s.Calls("changes"))
}

func TestPutBumpsRevision(t *testing.T) {
	s := memstore.New()
	first := s.Put(remote.Document{ClientKey: "k"})
	require.Equal(t, int64(1), first.Revision)
	second := s.Put(remote.Document{ID: first.ID})
	require.Equal(t, int64(2), second.Revision)
	require.Equal(t, "k", second.ClientKey)
	require.Greater(t, second.Seq, first.Seq)
}
