package constants

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"Meals", Meals, true},
		{"  groceries ", Groceries, true},
		{"office supplies", OfficeSupply, true},
		{"Grocerys", Groceries, true},
		{"uber", Travel, true},
		{"", Other, false},
		{"quantum widgets", Other, false},
	}
	for _, tc := range cases {
		got, ok := Canonicalize(tc.in)
		require.Equal(t, tc.want, got, tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestParseSyncState(t *testing.T) {
	st, ok := ParseSyncState("deleted_pending")
	require.True(t, ok)
	require.Equal(t, SyncDeletedPending, st)

	_, ok = ParseSyncState("failed_permanent")
	require.False(t, ok)
}
