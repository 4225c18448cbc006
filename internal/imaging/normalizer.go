// Package imaging turns raw captures into canonical grayscale PNGs for OCR.
package imaging

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

var (
	// ErrCorrupt is returned for bytes that do not decode as a supported image.
	ErrCorrupt = common.NewKindError(common.KindPermanent, "IMAGE_CORRUPT", "image could not be decoded")
	// ErrTooLarge is returned when the input exceeds the byte or pixel limits.
	ErrTooLarge = common.NewKindError(common.KindPermanent, "IMAGE_TOO_LARGE", "image exceeds size limits")
)

// NormalizedImage is the canonical form handed to OCR.
type NormalizedImage struct {
	Bytes  []byte
	Format string // always "png"
	Width  int
	Height int
	Digest string // hex BLAKE2b-256 of Bytes
}

// Options bound and shape normalization. Zero values take defaults.
type Options struct {
	MaxInputBytes   int64
	MaxPixels       int
	MaxDimension    int
	CropThreshold   float64 // luminance fraction above which a pixel counts as background
	CropMinMargin   int
	DisableCropping bool
}

func (o Options) withDefaults() Options {
	if o.MaxInputBytes <= 0 {
		o.MaxInputBytes = constants.MaxInputMBDefault << 20
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = constants.MaxPixelsDefault
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = constants.MaxDimensionDefault
	}
	if o.CropThreshold <= 0 || o.CropThreshold > 1 {
		o.CropThreshold = 0.92
	}
	if o.CropMinMargin < 0 {
		o.CropMinMargin = 0
	}
	return o
}

// OptionsFromConfig maps the imaging section of the app config.
func OptionsFromConfig(c common.ImagingConfig) Options {
	return Options{
		MaxInputBytes:   int64(c.MaxInputMB) << 20,
		MaxPixels:       c.MaxPixels,
		MaxDimension:    c.MaxDimension,
		CropThreshold:   c.CropThreshold,
		CropMinMargin:   c.CropMinMargin,
		DisableCropping: c.DisableCropping,
	}
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	opts   Options
	logger *slog.Logger
}

func NewNormalizer(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{opts: opts.withDefaults(), logger: logger}
}

// Normalize decodes, orients, grayscales, crops, downsamples and re-encodes img.
// The result depends only on img.Bytes and img.Orientation.
func (n *Normalizer) Normalize(img entity.CapturedImage) (NormalizedImage, error) {
	start := time.Now()
	if len(img.Bytes) == 0 {
		return NormalizedImage{}, fmt.Errorf("%w: empty input", ErrCorrupt)
	}
	if int64(len(img.Bytes)) > n.opts.MaxInputBytes {
		return NormalizedImage{}, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(img.Bytes), n.opts.MaxInputBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Bytes))
	if err != nil {
		return NormalizedImage{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return NormalizedImage{}, fmt.Errorf("%w: empty dimensions", ErrCorrupt)
	}
	if cfg.Width*cfg.Height > n.opts.MaxPixels {
		return NormalizedImage{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, n.opts.MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(img.Bytes))
	if err != nil {
		return NormalizedImage{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	gray := toGray(src)
	gray = orient(gray, img.Orientation)
	if !n.opts.DisableCropping {
		gray = cropBorder(gray, uint8(n.opts.CropThreshold*255), n.opts.CropMinMargin)
	}
	gray = downscale(gray, n.opts.MaxDimension)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, gray); err != nil {
		return NormalizedImage{}, fmt.Errorf("encode png: %w", err)
	}
	out := buf.Bytes()
	sum := blake2b.Sum256(out)
	b := gray.Bounds()

	n.logger.Debug("imaging.normalize.ok",
		"source_format", format,
		"orientation", img.Orientation,
		"in_w", cfg.Width, "in_h", cfg.Height,
		"out_w", b.Dx(), "out_h", b.Dy(),
		"bytes", len(out),
		"duration_ms", time.Since(start).Milliseconds())

	return NormalizedImage{
		Bytes:  out,
		Format: "png",
		Width:  b.Dx(),
		Height: b.Dy(),
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
