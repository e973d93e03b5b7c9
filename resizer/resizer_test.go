package resizer

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/ShoshinNikita/rasset/rasset"
)

func newTestImage(width, height int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func isOpaque(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

func TestProcess(t *testing.T) {
	t.Parallel()

	red := color.NRGBA{R: 255, A: 255}

	t.Run("formats", func(t *testing.T) {
		t.Parallel()

		src := newTestImage(40, 20, red)

		encoders := map[string]func(*bytes.Buffer) error{
			"png": func(buf *bytes.Buffer) error { return png.Encode(buf, src) },
			"jpeg": func(buf *bytes.Buffer) error {
				return jpeg.Encode(buf, src, &jpeg.Options{Quality: 90})
			},
			"gif": func(buf *bytes.Buffer) error {
				return gif.Encode(buf, src, &gif.Options{NumColors: 256})
			},
			"bmp": func(buf *bytes.Buffer) error { return bmp.Encode(buf, src) },
		}
		for name, encode := range encoders {
			t.Run(name, func(t *testing.T) {
				r := require.New(t)

				var buf bytes.Buffer
				r.NoError(encode(&buf))

				img, err := Process(buf.Bytes(), rasset.Size{})
				r.NoError(err)
				r.IsType(&image.RGBA{}, img)
				r.Equal(image.Rect(0, 0, 40, 20), img.Bounds())
				r.True(isOpaque(img))
			})
		}
	})

	t.Run("transparent pixels become white", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		src := newTestImage(10, 10, color.NRGBA{})
		src.Set(0, 0, red)

		img, err := Process(encodePNG(t, src), rasset.Size{})
		r.NoError(err)
		r.True(isOpaque(img))
		r.Equal(color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.At(5, 5))
		r.Equal(color.RGBA{R: 255, A: 255}, img.At(0, 0))
	})

	t.Run("paletted", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		src := image.NewPaletted(image.Rect(0, 0, 8, 8), palette.Plan9)
		img, err := Process(encodePNG(t, src), rasset.Size{})
		r.NoError(err)
		r.IsType(&image.RGBA{}, img)
		r.True(isOpaque(img))
	})

	t.Run("shrink", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		data := encodePNG(t, newTestImage(400, 200, red))

		img, err := Process(data, rasset.Size{Width: 100, Height: 100})
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 100, 50), img.Bounds())
		r.True(isOpaque(img))

		img, err = Process(data, rasset.DefaultPreloadSize)
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 400, 200), img.Bounds(), "images must not be upscaled")
	})

	t.Run("invalid data", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		for _, data := range [][]byte{
			nil,
			[]byte("<html>not an image</html>"),
			encodePNG(t, newTestImage(10, 10, red))[:30],
		} {
			_, err := Process(data, rasset.Size{Width: 100, Height: 100})
			r.ErrorIs(err, rasset.ErrDecode)
			r.True(rasset.IsPermanent(err))
		}
	})
}

func TestEncodeJPEG(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	var buf bytes.Buffer
	r.NoError(EncodeJPEG(&buf, newTestImage(16, 16, color.White), 85))

	cfg, format, err := image.DecodeConfig(&buf)
	r.NoError(err)
	r.Equal("jpeg", format)
	r.Equal(16, cfg.Width)
}
