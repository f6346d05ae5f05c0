package imagegen

import (
	"image"

	"golang.org/x/image/draw"
)

// DefaultPreviewSize is the edge of the preview box in pixels.
const DefaultPreviewSize = 512

// Preview scales img to fit a size x size box, keeping its aspect ratio.
// Images already inside the box are returned as is.
func Preview(img image.Image, size int) image.Image {
	if img == nil {
		return nil
	}
	if size <= 0 {
		size = DefaultPreviewSize
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= size && h <= size {
		return img
	}

	dw, dh := size, size
	if w > h {
		dh = max(1, h*size/w)
	} else if h > w {
		dw = max(1, w*size/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
