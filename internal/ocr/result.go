// Package ocr turns normalized images into text blocks with confidences.
package ocr

import (
	"image"
	"strings"
)

// Block is one recognized text line.
type Block struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"` // 0..1
	Box        image.Rectangle `json:"box"`
}

// Result is an immutable OCR outcome. ID equals the digest of the image it was read from.
type Result struct {
	ID     string  `json:"id"`
	Blocks []Block `json:"blocks"`
	Engine string  `json:"engine"`
}

// Text joins the blocks line by line and normalizes whitespace.
func (r Result) Text() string {
	lines := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		lines = append(lines, b.Text)
	}
	return Normalize(strings.Join(lines, "\n"))
}

// MeanConfidence averages block confidences. When the engine reported none,
// a heuristic score of the text is used instead.
func (r Result) MeanConfidence() float64 {
	var sum float64
	var n int
	for _, b := range r.Blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	if sum == 0 {
		return heuristicConfidence(r.Text())
	}
	return clamp01(sum / float64(n))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
