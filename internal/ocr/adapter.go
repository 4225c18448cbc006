package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/imaging"
)

var (
	// ErrTimeout means the engine did not finish within the configured bound. The capture is retryable.
	ErrTimeout = common.NewKindError(common.KindTransient, "OCR_TIMEOUT", "ocr timed out")
	// ErrEngineUnavailable means the engine could not be started or failed while running.
	ErrEngineUnavailable = common.NewKindError(common.KindTransient, "OCR_ENGINE_UNAVAILABLE", "ocr engine unavailable")
)

// Engine recognizes text in a normalized image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img imaging.NormalizedImage) (Result, error)
}

// Adapter bounds an Engine with a timeout and stamps provenance on its results.
// It does not retry.
type Adapter struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
}

func NewAdapter(engine Engine, timeout time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{engine: engine, timeout: timeout, logger: logger}
}

type outcome struct {
	res Result
	err error
}

// Recognize runs the engine. Engines that ignore ctx are still abandoned at the deadline.
func (a *Adapter) Recognize(ctx context.Context, img imaging.NormalizedImage) (Result, error) {
	start := time.Now()
	log := common.LoggerFromContext(ctx, a.logger).With("engine", a.engine.Name(), "image_digest", img.Digest)
	log.Debug("ocr.recognize.start", "timeout_ms", a.timeout.Milliseconds())

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := a.engine.Recognize(cctx, img)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-cctx.Done():
		out = outcome{err: cctx.Err()}
	}

	if out.err != nil {
		err := a.classify(ctx, cctx, out.err)
		log.Warn("ocr.recognize.error", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return Result{}, err
	}

	res := out.res
	res.ID = img.Digest
	res.Engine = a.engine.Name()
	log.Info("ocr.recognize.ok",
		"blocks", len(res.Blocks),
		"mean_confidence", res.MeanConfidence(),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (a *Adapter) classify(parent, cctx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		// caller cancelled; not an engine problem
		return parent.Err()
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, a.timeout)
	case errors.Is(err, ErrEngineUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
}
