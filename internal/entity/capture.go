package entity

import "time"

// CapturedImage is a raw capture handed to the pipeline. It is never mutated.
type CapturedImage struct {
	Bytes       []byte    `json:"-"`
	CapturedAt  time.Time `json:"captured_at"`
	Orientation int       `json:"orientation"` // EXIF orientation 1..8, 0 when unknown
	Source      string    `json:"source,omitempty"`
}
