// Package export renders local records as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

// Lister is satisfied by repository.Store.
type Lister interface {
	List(ctx context.Context, f entity.RecordFilter) ([]entity.PersistedRecord, error)
}

type Service struct {
	records Lister
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(records Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, logger: logger, now: time.Now}
}

// Window selects records by transaction date (YYYY-MM-DD, inclusive).
// Only From -> From..today. Only To -> beginning..To. Neither -> everything.
type Window struct {
	From string
	To   string
	// Status limits the export to one validation status when set.
	Status constants.ValidationStatus
}

const sheet = "Records"

var headers = []string{
	"Date",
	"Counterparty",
	"Category",
	"Amount",
	"Currency",
	"Description",
	"Status",
	"Confidence",
	"Review Reasons",
	"Sync State",
	"Record ID",
}

// ExportXLSX returns the workbook bytes and the number of data rows.
func (s *Service) ExportXLSX(ctx context.Context, w Window) ([]byte, int, error) {
	start := time.Now()

	filter := entity.RecordFilter{From: w.From, To: w.To, Status: w.Status}
	if filter.From != "" && filter.To == "" {
		filter.To = s.now().UTC().Format("2006-01-02")
	}
	recs, err := s.records.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	// rename the default sheet rather than leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, 0, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = f.SetCellStyle(sheet, "A1", last, style)
	}

	row := 2
	for _, r := range recs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Date)
		write(2, r.Counterparty)
		write(3, r.Category)
		write(4, r.Amount.InexactFloat64())
		write(5, r.Currency)
		write(6, truncate(r.Description, 140))
		write(7, string(r.Status))
		write(8, r.Confidence)
		write(9, strings.Join(r.ReviewReasons, "; "))
		write(10, string(r.SyncState))
		write(11, r.ID.String())
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 12)
	_ = f.SetColWidth(sheet, "B", "B", 28)
	_ = f.SetColWidth(sheet, "C", "C", 20)
	_ = f.SetColWidth(sheet, "D", "E", 12)
	_ = f.SetColWidth(sheet, "F", "F", 48)
	_ = f.SetColWidth(sheet, "G", "H", 14)
	_ = f.SetColWidth(sheet, "I", "I", 48)
	_ = f.SetColWidth(sheet, "J", "J", 16)
	_ = f.SetColWidth(sheet, "K", "K", 38)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(recs),
		"from", filter.From,
		"to", filter.To,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), len(recs), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
