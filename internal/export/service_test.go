package export

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

type fakeLister struct {
	recs []entity.PersistedRecord
	got  entity.RecordFilter
}

func (f *fakeLister) List(_ context.Context, filter entity.RecordFilter) ([]entity.PersistedRecord, error) {
	f.got = filter
	return f.recs, nil
}

func TestExportXLSX(t *testing.T) {
	id := uuid.New()
	lister := &fakeLister{recs: []entity.PersistedRecord{{
		ID: id,
		ExtractedRecord: entity.ExtractedRecord{
			Fields:        entity.Fields{Amount: decimal.RequireFromString("42.5"), Currency: "USD", Date: "2024-03-01", Counterparty: "Acme", Category: "Meals", Description: strings.Repeat("x", 200)},
			Confidence:    0.9,
			Status:        constants.StatusNeedsReview,
			ReviewReasons: []string{"a", "b"},
		},
		SyncState: constants.SyncSynced,
	}}}
	svc := NewService(lister, nil)
	svc.now = func() time.Time { return time.Date(2024, 6, 30, 10, 0, 0, 0, time.UTC) }

	data, n, err := svc.ExportXLSX(context.Background(), Window{From: "2024-01-01"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "2024-06-30", lister.got.To, "open window ends today")

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{sheet}, f.GetSheetList())

	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, headers, rows[0])
	require.Equal(t, "2024-03-01", rows[1][0])
	require.Equal(t, "Acme", rows[1][1])
	require.Equal(t, "42.5", rows[1][3])
	require.Equal(t, "needs_review", rows[1][6])
	require.Equal(t, "a; b", rows[1][8])
	require.Equal(t, id.String(), rows[1][10])
	require.Len(t, []rune(rows[1][5]), 140)
}

func TestExportEmptyWindow(t *testing.T) {
	lister := &fakeLister{}
	data, n, err := NewService(lister, nil).ExportXLSX(context.Background(), Window{To: "2024-01-31"})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, lister.got.From)
	require.Equal(t, "2024-01-31", lister.got.To)
	require.NotEmpty(t, data)
}
