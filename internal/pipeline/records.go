package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/extraction"
)

// ErrNoOCRResult is returned by Reextract for records that carry no OCR provenance.
var ErrNoOCRResult = common.NewKindError(common.KindPermanent, "NO_OCR_RESULT", "record has no stored ocr result")

// Correct applies user-edited fields as a new revision. The status is re-derived from the
// field checks; a correction that passes them is valid with full confidence.
func (c *Coordinator) Correct(ctx context.Context, id uuid.UUID, fields entity.Fields) (entity.PersistedRecord, error) {
	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return entity.PersistedRecord{}, err
	}
	rec := cur.ExtractedRecord
	rec.Fields = fields
	rec = extraction.ReviewFields(rec)
	if rec.Status == constants.StatusValid {
		rec.Confidence = 1
	}
	out, err := c.store.Correct(ctx, id, rec)
	if err != nil {
		return entity.PersistedRecord{}, err
	}
	c.logger.Info("pipeline.record.corrected", "record_id", id, "revision", out.Revision, "status", out.Status)
	c.notifier.Notify()
	return out, nil
}

// Reextract runs extraction again on the stored OCR result and stores the outcome as a new
// revision. A malformed answer is still stored for review; other failures change nothing.
func (c *Coordinator) Reextract(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error) {
	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return entity.PersistedRecord{}, err
	}
	if cur.OCRResultID == "" {
		return entity.PersistedRecord{}, fmt.Errorf("record %s: %w", id, ErrNoOCRResult)
	}
	res, err := c.store.GetOCRResult(ctx, cur.OCRResultID)
	if err != nil {
		return entity.PersistedRecord{}, err
	}

	ectx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	rec, err := c.extractor.Extract(ectx, res)
	cancel()
	if err != nil {
		var me *extraction.MalformedError
		if !errors.As(err, &me) {
			return entity.PersistedRecord{}, stageErr(StageExtract, err)
		}
		rec = me.Partial
	}

	out, err := c.store.Correct(ctx, id, rec)
	if err != nil {
		return entity.PersistedRecord{}, err
	}
	c.logger.Info("pipeline.record.reextracted", "record_id", id, "revision", out.Revision, "status", out.Status)
	c.notifier.Notify()
	return out, nil
}

// Delete hides the record locally and queues its remote deletion.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("pipeline.record.deleted", "record_id", id)
	c.notifier.Notify()
	return nil
}
