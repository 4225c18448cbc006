package constants

import "strings"

// Image content types produced or accepted by the pipeline.
const (
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
)

// AllowedExtensions holds the image extensions accepted by the scan CLI.
var AllowedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"gif":  {},
	"webp": {},
	"tif":  {},
	"tiff": {},
	"bmp":  {},
}

// Defaults for image limits and OCR/LLM thresholds.
const (
	MaxInputMBDefault      = 20
	MaxPixelsDefault       = 40_000_000
	MaxDimensionDefault    = 2400
	ReviewThresholdDefault = 0.6
	MaxOCRCharsDefault     = 3000
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedExt reports whether ext (with or without dot) is an accepted image extension.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
