// Package resizer turns downloaded bytes into display-ready images.
package resizer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/ShoshinNikita/rasset/pkg/metrics"
	"github.com/ShoshinNikita/rasset/rasset"
)

// maxPixels protects from images with small size but huge dimensions.
const maxPixels = 64 << 20

// Process decodes data, converts the image to opaque RGB and shrinks it to fit into
// the target size. Zero target means that the image must not be resized.
//
// Decode failures are returned as [rasset.DecodeError].
func Process(data []byte, target rasset.Size) (image.Image, error) {
	now := time.Now()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &rasset.DecodeError{Err: err}
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, &rasset.DecodeError{Err: fmt.Errorf("image is too large: %dx%d", cfg.Width, cfg.Height)}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &rasset.DecodeError{Err: err}
	}

	img := normalize(src)

	if !target.IsZero() {
		if width, height, ok := thumbnail(img.Bounds(), target.Width, target.Height); ok {
			dst := image.NewRGBA(image.Rect(0, 0, width, height))
			draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
			img = dst
		}
	}

	metrics.ResizerProcessDuration.Observe(time.Since(now).Seconds())

	return img, nil
}

// normalize draws the image onto an opaque white background. Transparent, paletted and
// grayscale images become plain RGB.
func normalize(src image.Image) *image.RGBA {
	bounds := src.Bounds()

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)

	return dst
}

// EncodeJPEG writes the image as JPEG.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("couldn't encode jpeg: %w", err)
	}
	return nil
}
