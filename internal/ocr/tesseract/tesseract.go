//go:build gosseract

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/joseph-ayodele/scansync/internal/imaging"
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

// Config mirrors the tesseract CLI knobs.
type Config struct {
	Lang        string
	TessdataDir string
	PSM         int
}

// Engine implements ocr.Engine with one gosseract client per call.
type Engine struct {
	cfg           Config
	clientFactory func() *gosseract.Client
}

func New(cfg Config) *Engine {
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	return &Engine{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract-lib" }

// Recognize reads text lines. libtesseract is not interruptible; the ocr.Adapter
// abandons the call at its deadline.
func (e *Engine) Recognize(ctx context.Context, img imaging.NormalizedImage) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}
	c := e.clientFactory()
	defer c.Close()

	if e.cfg.TessdataDir != "" {
		if err := c.SetTessdataPrefix(e.cfg.TessdataDir); err != nil {
			return ocr.Result{}, fmt.Errorf("%w: set tessdata: %v", ocr.ErrEngineUnavailable, err)
		}
	}
	if err := c.SetLanguage(strings.Split(e.cfg.Lang, "+")...); err != nil {
		return ocr.Result{}, fmt.Errorf("%w: set language: %v", ocr.ErrEngineUnavailable, err)
	}
	if e.cfg.PSM > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PSM)); err != nil {
			return ocr.Result{}, fmt.Errorf("set psm: %w", err)
		}
	}
	if err := c.SetImageFromBytes(img.Bytes); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("%w: recognize: %v", ocr.ErrEngineUnavailable, err)
	}
	blocks := make([]ocr.Block, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		blocks = append(blocks, ocr.Block{
			Text:       text,
			Confidence: b.Confidence / 100.0,
			Box:        b.Box,
		})
	}
	return ocr.Result{Blocks: blocks}, nil
}
