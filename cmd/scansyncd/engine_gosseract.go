//go:build gosseract

package main

import (
	"log/slog"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/ocr"
	"github.com/joseph-ayodele/scansync/internal/ocr/tesseract"
)

func newOCREngine(cfg common.OCRConfig, logger *slog.Logger) ocr.Engine {
	logger.Info("using libtesseract", "lang", cfg.Lang)
	return tesseract.New(tesseract.Config{Lang: cfg.Lang, TessdataDir: cfg.TessdataDir, PSM: cfg.PSM})
}
