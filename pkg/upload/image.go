package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var errEmptyImage = errors.New("image has no pixels")

type compressed struct {
	data        []byte
	contentType string
	width       int
	height      int
}

// compressImage caps the longest side at maxDim and re-encodes as JPEG.
// GIFs are passed through so animation survives. The original is kept
// when re-encoding would not shrink it.
func compressImage(data []byte, contentType string, maxDim, quality int) (*compressed, error) {
	if contentType == "image/gif" {
		w, h := imageDimensions(data)
		return &compressed{data: data, contentType: contentType, width: w, height: h}, nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", contentType, err)
	}
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW <= 0 || origH <= 0 {
		return nil, errEmptyImage
	}
	original := &compressed{data: data, contentType: contentType, width: origW, height: origH}

	targetW, targetH := fitWithin(origW, origH, maxDim)
	resized := targetW != origW || targetH != origH
	if !resized && format == "jpeg" {
		return original, nil
	}

	// JPEG has no alpha, so flatten onto white rather than black.
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if resized {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	} else {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	}

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if !resized && buf.Len() >= len(data) {
		return original, nil
	}
	return &compressed{data: buf.Bytes(), contentType: "image/jpeg", width: targetW, height: targetH}, nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	scale := min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	return max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)
}

func imageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
