// Package ingest finds image files on disk and turns them into captures.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
)

// ErrNotImage is returned for paths whose extension is not an accepted image type.
var ErrNotImage = common.NewKindError(common.KindValidation, "NOT_AN_IMAGE", "unsupported file type")

// Load reads path as a capture. maxBytes <= 0 means no limit. Orientation is left
// unknown; the normalizer treats 0 as upright.
func Load(path string, maxBytes int64) (entity.CapturedImage, error) {
	if !constants.IsAllowedExt(filepath.Ext(path)) {
		return entity.CapturedImage{}, fmt.Errorf("%w: %s", ErrNotImage, path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return entity.CapturedImage{}, err
	}
	if st.IsDir() {
		return entity.CapturedImage{}, fmt.Errorf("%w: %s is a directory", ErrNotImage, path)
	}
	if maxBytes > 0 && st.Size() > maxBytes {
		return entity.CapturedImage{}, common.NewAppError("FILE_TOO_LARGE",
			fmt.Sprintf("%s is %d bytes, limit %d", path, st.Size(), maxBytes), common.ErrInvalidInput)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return entity.CapturedImage{}, err
	}
	return entity.CapturedImage{
		Bytes:      raw,
		CapturedAt: st.ModTime().UTC(),
		Source:     "file:" + path,
	}, nil
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}
