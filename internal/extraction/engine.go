// Package extraction turns OCR text into a validated record through a structured-output model.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/llm"
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

// Options tune prompts and the review decision. Zero values take defaults.
type Options struct {
	AllowedCategories []string
	DefaultCurrency   string
	MaxOCRChars       int
	// ReviewThreshold is the blended confidence below which a record needs review.
	ReviewThreshold float64
	// OCRWeight is the share of OCR mean confidence in the blend when the model reports its own.
	OCRWeight float64
}

func (o Options) withDefaults() Options {
	if o.AllowedCategories == nil {
		o.AllowedCategories = constants.AsStringSlice()
	}
	if o.MaxOCRChars <= 0 {
		o.MaxOCRChars = constants.MaxOCRCharsDefault
	}
	if o.ReviewThreshold <= 0 {
		o.ReviewThreshold = constants.ReviewThresholdDefault
	}
	if o.OCRWeight <= 0 || o.OCRWeight > 1 {
		o.OCRWeight = 0.6
	}
	return o
}

// MalformedError is returned when the model's answer stays invalid after the repair prompt.
// Partial holds whatever could be salvaged, marked needs_review.
type MalformedError struct {
	Reasons []string
	Partial entity.ExtractedRecord
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %s", llm.ErrMalformed, strings.Join(e.Reasons, "; "))
}

func (e *MalformedError) Unwrap() error { return llm.ErrMalformed }

// Engine is safe for concurrent use.
type Engine struct {
	completer llm.Completer
	schemaMap map[string]any
	schema    *jsonschema.Schema
	opts      Options
	logger    *slog.Logger
}

func NewEngine(completer llm.Completer, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	schemaMap := llm.BuildRecordJSONSchema(opts.AllowedCategories)
	schema, err := llm.CompileSchema(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("extraction schema: %w", err)
	}
	return &Engine{completer: completer, schemaMap: schemaMap, schema: schema, opts: opts, logger: logger}, nil
}

// Extract asks the model for a record. Invalid answers get exactly one repair prompt.
// Errors from the completer (llm.ErrRemoteUnavailable, llm.ErrQuotaExceeded) are returned as is.
func (e *Engine) Extract(ctx context.Context, res ocr.Result) (entity.ExtractedRecord, error) {
	start := time.Now()
	log := common.LoggerFromContext(ctx, e.logger).With("ocr_result_id", res.ID)

	text := res.Text()
	ocrConf := res.MeanConfidence()
	if text == "" {
		log.Warn("llm.extract.no_text")
		return entity.ExtractedRecord{
			OCRResultID:   res.ID,
			Status:        constants.StatusRejected,
			ReviewReasons: []string{"ocr: no text recognized"},
		}, nil
	}

	prompt := llm.ExtractRequest{
		OCRText:           text,
		AllowedCategories: e.opts.AllowedCategories,
		DefaultCurrency:   e.opts.DefaultCurrency,
		MaxOCRChars:       e.opts.MaxOCRChars,
	}
	req := llm.CompletionRequest{
		System: llm.BuildSystemPrompt(prompt),
		User:   llm.BuildUserPrompt(prompt),
		Schema: e.schemaMap,
	}
	log.Info("llm.extract.start", "text_len", len(text), "ocr_confidence", ocrConf)

	var verdict Verdict
	for attempt := 1; attempt <= 2; attempt++ {
		comp, err := e.completer.Complete(ctx, req)
		if err != nil {
			log.Warn("llm.extract.completion_error", "attempt", attempt, "error", err,
				"kind", common.KindOf(err).String(), "elapsed_ms", time.Since(start).Milliseconds())
			return entity.ExtractedRecord{}, fmt.Errorf("extract: %w", err)
		}
		verdict = e.Validate(comp.Content)
		if verdict.Valid() {
			break
		}
		log.Warn("llm.extract.invalid", "attempt", attempt, "reasons", verdict.Reasons)
		req.Hint = llm.BuildRepairHint(verdict.Reasons)
	}

	rec := e.record(res.ID, ocrConf, verdict)
	if !verdict.Valid() {
		log.Error("llm.extract.malformed", "reasons", verdict.Reasons,
			"elapsed_ms", time.Since(start).Milliseconds())
		return rec, &MalformedError{Reasons: verdict.Reasons, Partial: rec}
	}

	log.Info("llm.extract.ok",
		"counterparty", rec.Counterparty,
		"date", rec.Date,
		"amount", rec.Amount,
		"currency", rec.Currency,
		"category", rec.Category,
		"confidence", rec.Confidence,
		"status", rec.Status,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return rec, nil
}

func (e *Engine) record(ocrID string, ocrConf float64, v Verdict) entity.ExtractedRecord {
	fields := v.Fields
	if fields.Currency == "" {
		fields.Currency = e.opts.DefaultCurrency
	}
	conf := BlendConfidence(ocrConf, v.ModelConfidence, e.opts.OCRWeight)
	rec := entity.ExtractedRecord{
		Fields:      fields,
		OCRResultID: ocrID,
		Confidence:  conf,
		Status:      constants.StatusValid,
	}
	if !v.Valid() {
		rec.Status = constants.StatusNeedsReview
		rec.ReviewReasons = append(rec.ReviewReasons, v.Reasons...)
		return rec
	}
	if conf < e.opts.ReviewThreshold {
		rec.Status = constants.StatusNeedsReview
		rec.ReviewReasons = append(rec.ReviewReasons,
			fmt.Sprintf("confidence: %.2f below review threshold %.2f", conf, e.opts.ReviewThreshold))
	}
	return rec
}

// BlendConfidence weights OCR mean confidence against the model's self-reported confidence.
// Without a model value the OCR mean is used alone. The result is clamped to [0,1].
func BlendConfidence(ocrConf float64, modelConf *float64, ocrWeight float64) float64 {
	conf := ocrConf
	if modelConf != nil {
		conf = ocrWeight*ocrConf + (1-ocrWeight)*(*modelConf)
	}
	switch {
	case conf < 0:
		return 0
	case conf > 1:
		return 1
	}
	return conf
}
