// Package pipeline runs captures through normalize, OCR, extraction and persistence on a
// bounded worker pool, and applies user-driven record changes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/extraction"
	"github.com/joseph-ayodele/scansync/internal/imaging"
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

type Normalizer interface {
	Normalize(img entity.CapturedImage) (imaging.NormalizedImage, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, img imaging.NormalizedImage) (ocr.Result, error)
}

type Extractor interface {
	Extract(ctx context.Context, res ocr.Result) (entity.ExtractedRecord, error)
}

// Store is the part of repository.Store the coordinator writes through.
type Store interface {
	Create(ctx context.Context, rec entity.ExtractedRecord, res ocr.Result) (entity.PersistedRecord, error)
	Get(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error)
	GetOCRResult(ctx context.Context, id string) (ocr.Result, error)
	Correct(ctx context.Context, id uuid.UUID, rec entity.ExtractedRecord) (entity.PersistedRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Notifier is told when new sync work was queued. sync.Engine implements it.
type Notifier interface {
	Notify()
}

type Option func(*Coordinator)

func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.ch = make(chan job, n)
		}
	}
}

// WithExtractTimeout bounds one extraction, including its repair prompt.
func WithExtractTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.extractTimeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

type job struct {
	handle *Handle
	img    entity.CapturedImage
}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

type Coordinator struct {
	normalizer Normalizer
	ocr        Recognizer
	extractor  Extractor
	store      Store
	notifier   Notifier
	logger     *slog.Logger

	workers        int
	extractTimeout time.Duration

	ch chan job
	wg sync.WaitGroup

	// base parents every capture context; cancelled when Shutdown runs out of time.
	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
	// stopping releases submitters blocked on a full queue; senders tracks them so the
	// queue is closed only after the last one is gone.
	stopping chan struct{}
	senders  sync.WaitGroup
}

func New(n Normalizer, r Recognizer, x Extractor, store Store, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		normalizer:     n,
		ocr:            r,
		extractor:      x,
		store:          store,
		notifier:       nopNotifier{},
		logger:         logger,
		workers:        4,
		extractTimeout: 90 * time.Second,
		ch:             make(chan job, 64),
		stopping:       make(chan struct{}),
		base:           base,
		cancelBase:     cancel,
	}
	for _, o := range opts {
		o(c)
	}
	c.start()
	return c
}

func (c *Coordinator) start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			c.logger.Debug("pipeline.worker.start", "worker_id", workerID)
			for j := range c.ch {
				c.run(j.handle, j.img)
			}
			c.logger.Debug("pipeline.worker.stop", "worker_id", workerID)
		}(i + 1)
	}
}

// Submit queues a capture and returns its handle. When the queue is full it blocks until a
// worker frees a slot, ctx is done or Shutdown starts. After Shutdown it fails with
// ErrShuttingDown.
func (c *Coordinator) Submit(ctx context.Context, img entity.CapturedImage) (*Handle, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	c.senders.Add(1)
	c.mu.RUnlock()
	defer c.senders.Done()

	h := newHandle(c.base)
	h.emit(StageQueued, ProgressCompleted, "")
	j := job{handle: h, img: img}

	select {
	case c.ch <- j:
	default:
		c.logger.Warn("pipeline.queue.full", "capture_id", h.ID)
		select {
		case c.ch <- j:
		case <-ctx.Done():
			h.finish(Result{}, ctx.Err())
			return nil, ctx.Err()
		case <-c.stopping:
			h.finish(Result{}, ErrShuttingDown)
			return nil, ErrShuttingDown
		}
	}
	c.logger.Info("pipeline.capture.queued", "capture_id", h.ID, "bytes", len(img.Bytes), "source", img.Source)
	return h, nil
}

// Shutdown stops accepting captures and waits for queued ones to finish. If ctx ends
// first, in-flight captures are cancelled and Shutdown waits for the workers to notice.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopping)
	c.mu.Unlock()
	c.senders.Wait()
	close(c.ch)

	done := make(chan struct{})
	go func() { defer close(done); c.wg.Wait() }()

	select {
	case <-done:
		c.logger.Info("pipeline.shutdown.drained")
	case <-ctx.Done():
		c.logger.Warn("pipeline.shutdown.interrupted")
		c.cancelBase()
		<-done
	}
	c.cancelBase()
}

// run takes one capture through every stage. Cancellation is checked between stages.
func (c *Coordinator) run(h *Handle, img entity.CapturedImage) {
	start := time.Now()
	ctx := common.WithCaptureID(h.ctx, h.ID.String())
	log := common.LoggerFromContext(ctx, c.logger)

	fail := func(se *StageError) {
		h.emit(se.Stage, ProgressFailed, se.Err.Error())
		log.Warn("pipeline.capture.failed", "stage", se.Stage, "retryable", se.Retryable(), "error", se.Err,
			"elapsed_ms", time.Since(start).Milliseconds())
		h.finish(Result{}, se)
	}
	cancelled := func(stage Stage) bool {
		if err := ctx.Err(); err != nil {
			fail(stageErr(stage, err))
			return true
		}
		return false
	}

	if cancelled(StageNormalize) {
		return
	}
	h.emit(StageNormalize, ProgressStarted, "")
	norm, err := c.normalizer.Normalize(img)
	if err != nil {
		fail(stageErr(StageNormalize, err))
		return
	}
	h.emit(StageNormalize, ProgressCompleted, fmt.Sprintf("%dx%d", norm.Width, norm.Height))

	if cancelled(StageOCR) {
		return
	}
	h.emit(StageOCR, ProgressStarted, "")
	res, err := c.ocr.Recognize(ctx, norm)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		fail(stageErr(StageOCR, err))
		return
	}
	h.emit(StageOCR, ProgressCompleted, fmt.Sprintf("%d blocks", len(res.Blocks)))

	if cancelled(StageExtract) {
		return
	}
	h.emit(StageExtract, ProgressStarted, "")
	rec, warning := c.extract(ctx, res)
	if cancelled(StageExtract) {
		return
	}
	if warning != nil {
		h.emit(StageExtract, ProgressDegraded, warning.Err.Error())
		log.Warn("pipeline.extract.degraded", "retryable", warning.Retryable(), "error", warning.Err)
	} else {
		h.emit(StageExtract, ProgressCompleted, string(rec.Status))
	}

	if cancelled(StagePersist) {
		return
	}
	h.emit(StagePersist, ProgressStarted, "")
	persisted, err := c.store.Create(ctx, rec, res)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		fail(stageErr(StagePersist, err))
		return
	}
	h.emit(StagePersist, ProgressCompleted, persisted.ID.String())
	c.notifier.Notify()

	log.Info("pipeline.capture.ok",
		"record_id", persisted.ID,
		"status", persisted.Status,
		"confidence", persisted.Confidence,
		"degraded", warning != nil,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	h.finish(Result{Record: persisted, Warning: warning}, nil)
}

// extract never fails the capture: a malformed answer keeps its partial record and any other
// failure yields an empty needs_review record that keeps the OCR provenance.
func (c *Coordinator) extract(ctx context.Context, res ocr.Result) (entity.ExtractedRecord, *StageError) {
	ectx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	rec, err := c.extractor.Extract(ectx, res)
	if err == nil {
		return rec, nil
	}
	var me *extraction.MalformedError
	if errors.As(err, &me) {
		return me.Partial, stageErr(StageExtract, err)
	}
	return degraded(res, err), stageErr(StageExtract, err)
}

func degraded(res ocr.Result, err error) entity.ExtractedRecord {
	return entity.ExtractedRecord{
		OCRResultID:   res.ID,
		Confidence:    res.MeanConfidence(),
		Status:        constants.StatusNeedsReview,
		ReviewReasons: []string{"extraction: " + err.Error()},
	}
}
