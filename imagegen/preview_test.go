package imagegen

import (
	"image"
	"testing"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		name         string
		w, h, size   int
		wantW, wantH int
	}{
		{"square large", 1024, 1024, 512, 512, 512},
		{"landscape", 1024, 512, 512, 512, 256},
		{"portrait", 768, 1152, 512, 341, 512},
		{"already small", 300, 200, 512, 300, 200},
		{"default size", 1024, 1024, 0, DefaultPreviewSize, DefaultPreviewSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preview(image.NewRGBA(image.Rect(0, 0, tt.w, tt.h)), tt.size).Bounds()
			if got.Dx() != tt.wantW || got.Dy() != tt.wantH {
				t.Errorf("Preview() = %dx%d, want %dx%d", got.Dx(), got.Dy(), tt.wantW, tt.wantH)
			}
		})
	}

	if Preview(nil, 512) != nil {
		t.Error("Preview(nil) != nil")
	}
}
