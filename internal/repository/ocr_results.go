package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

func insertOCRResult(ctx context.Context, q querier, res ocr.Result, now time.Time) error {
	blocks, err := json.Marshal(res.Blocks)
	if err != nil {
		return fmt.Errorf("encode ocr blocks: %w", err)
	}
	query, args := builder().Insert(tableOCRResults).
		Columns("id", "engine", "text", "blocks", "mean_confidence", "created_at").
		Values(res.ID, res.Engine, res.Text(), string(blocks), res.MeanConfidence(), toNanos(now)).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing()).
		Query()
	_, err = exec(ctx, q, query, args)
	return err
}

// GetOCRResult loads a stored OCR result, used to re-run extraction.
func (s *Store) GetOCRResult(ctx context.Context, id string) (ocr.Result, error) {
	query, args := builder().Select("id", "engine", "blocks").From(builder().Table(tableOCRResults)).
		Where(entsql.EQ("id", id)).Query()
	var res ocr.Result
	var blocks string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&res.ID, &res.Engine, &blocks); err != nil {
		if isNoRows(err) {
			return res, fmt.Errorf("ocr result %s: %w", id, ErrNotFound)
		}
		return res, fmt.Errorf("%w: ocr result: %w", common.ErrDatabase, err)
	}
	if err := json.Unmarshal([]byte(blocks), &res.Blocks); err != nil {
		return res, fmt.Errorf("%w: decode ocr blocks: %w", common.ErrDatabase, err)
	}
	return res, nil
}
