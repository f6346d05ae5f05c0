package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

var (
	ErrImageEmpty       = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG      = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageDecodeFail  = errors.New("sdruntime: failed to decode image")
	ErrImageInvalidSize = errors.New("sdruntime: invalid image dimensions")
)

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic)
}

// ValidateImageData checks that data is a decodable PNG.
func ValidateImageData(data []byte) error {
	if len(data) == 0 {
		return ErrImageEmpty
	}
	if !IsPNG(data) {
		return ErrImageNotPNG
	}
	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return nil
}

// PixelsToRGBA converts a packed RGB or RGBA buffer, as returned by the
// native runtime, into an image. channels must be 3 or 4.
func PixelsToRGBA(pixels []byte, width, height, channels int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrImageInvalidSize, width, height)
	}
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrImageInvalidSize, channels)
	}
	if want := width * height * channels; len(pixels) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %dx%dx%d, got %d",
			ErrImageInvalidSize, want, width, height, channels, len(pixels))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if channels == 4 {
		copy(img.Pix, pixels)
		return img, nil
	}
	for src, dst := 0, 0; src < len(pixels); src, dst = src+3, dst+4 {
		img.Pix[dst] = pixels[src]
		img.Pix[dst+1] = pixels[src+1]
		img.Pix[dst+2] = pixels[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img, nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes PNG bytes.
func DecodePNG(data []byte) (image.Image, error) {
	if err := ValidateImageData(data); err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return img, nil
}
