package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// orient applies an EXIF orientation code. Unknown codes leave the image untouched.
func orient(src *image.Gray, code int) *image.Gray {
	if code < 2 || code > 8 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := w, h
	if code >= 5 {
		dw, dh = h, w
	}
	dst := image.NewGray(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		for x, v := range row {
			var dx, dy int
			switch code {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 clockwise
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 90 counter-clockwise
				dx, dy = y, w-1-x
			}
			dst.Pix[dy*dst.Stride+dx] = v
		}
	}
	return dst
}

// cropBorder trims rows and columns made only of pixels brighter than threshold,
// keeping margin pixels around the content. Blank images are returned as is.
func cropBorder(src *image.Gray, threshold uint8, margin int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	minX, minY, maxX, maxY := w, h, -1, -1
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		for x, v := range row {
			if v >= threshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return src
	}
	r := image.Rect(minX-margin, minY-margin, maxX+1+margin, maxY+1+margin).Intersect(src.Rect)
	if r.Eq(src.Rect) {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// downscale shrinks src so its longest side is at most maxDim.
func downscale(src *image.Gray, maxDim int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	longest := max(w, h)
	if longest <= maxDim {
		return src
	}
	nw := max(1, (w*maxDim+longest/2)/longest)
	nh := max(1, (h*maxDim+longest/2)/longest)
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
