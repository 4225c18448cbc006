package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/scansync/internal/imaging"
)

// ExecConfig configures the tesseract command line.
type ExecConfig struct {
	Tesseract   string // binary name or absolute path; if empty -> "tesseract"
	Lang        string // default "eng"
	TessdataDir string
	PSM         int // e.g., 6 is good for uniform block of text
	OEM         int // 1 = LSTM; leave 0 to use default
}

// ExecEngine runs the tesseract binary in TSV mode.
type ExecEngine struct {
	cfg    ExecConfig
	runner Runner
	logger *slog.Logger
}

// NewExecEngine builds an engine around runner; a nil runner uses os/exec.
func NewExecEngine(cfg ExecConfig, runner Runner, logger *slog.Logger) *ExecEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	return &ExecEngine{cfg: cfg, runner: runner, logger: logger}
}

func (e *ExecEngine) Name() string { return "tesseract-cli" }

func (e *ExecEngine) Recognize(ctx context.Context, img imaging.NormalizedImage) (Result, error) {
	f, err := os.CreateTemp("", "scansync-ocr-*.png")
	if err != nil {
		return Result{}, fmt.Errorf("create temp image: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()
	if _, err := f.Write(img.Bytes); err != nil {
		_ = f.Close()
		return Result{}, fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp image: %w", err)
	}

	args := []string{path, "stdout", "-l", e.cfg.Lang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s not found", ErrEngineUnavailable, e.cfg.Tesseract)
		}
		return Result{}, fmt.Errorf("%w: tesseract: %v: %s", ErrEngineUnavailable, err, truncate(strings.TrimSpace(string(errb)), 512))
	}
	return Result{Blocks: ParseTSV(string(out))}, nil
}

type lineKey struct{ page, block, par, line int }

// ParseTSV groups tesseract TSV word rows (level 5) into line blocks.
// Line confidence is the mean of its word confidences, scaled to 0..1.
func ParseTSV(tsv string) []Block {
	var (
		blocks []Block
		cur    lineKey
		words  []string
		sum    float64
		n      int
		box    image.Rectangle
		open   bool
	)
	flush := func() {
		if open && len(words) > 0 {
			conf := 0.0
			if n > 0 {
				conf = clamp01(sum / float64(n) / 100)
			}
			blocks = append(blocks, Block{Text: strings.Join(words, " "), Confidence: conf, Box: box})
		}
		words, sum, n, box, open = nil, 0, 0, image.Rectangle{}, false
	}

	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || len(ln) == 0 {
			continue // header
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(strings.Join(cols[11:], " "))
		if text == "" {
			continue
		}
		ints := make([]int, 10)
		for j := 1; j <= 9; j++ {
			ints[j], _ = strconv.Atoi(cols[j])
		}
		key := lineKey{ints[1], ints[2], ints[3], ints[4]}
		if !open || key != cur {
			flush()
			cur, open = key, true
		}
		left, top, width, height := ints[6], ints[7], ints[8], ints[9]
		wb := image.Rect(left, top, left+width, top+height)
		if box.Empty() {
			box = wb
		} else {
			box = box.Union(wb)
		}
		words = append(words, text)
		if v, err := strconv.ParseFloat(cols[10], 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	flush()
	return blocks
}
