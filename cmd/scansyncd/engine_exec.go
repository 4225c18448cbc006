//go:build !gosseract

package main

import (
	"log/slog"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/ocr"
)

// newOCREngine shells out to the tesseract binary. Build with -tags gosseract to link
// libtesseract instead.
func newOCREngine(cfg common.OCRConfig, logger *slog.Logger) ocr.Engine {
	return ocr.NewExecEngine(ocr.ExecConfig{
		Tesseract:   cfg.Tesseract,
		Lang:        cfg.Lang,
		TessdataDir: cfg.TessdataDir,
		PSM:         cfg.PSM,
	}, nil, logger)
}
