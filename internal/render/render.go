// Package render turns feature maps into images.
package render

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// Plane is a rows x cols window over a padded buffer.
type Plane struct {
	Data   []float32
	Rows   int
	Cols   int
	RowLen int
	Offset int
}

// At returns the value at (r, c).
func (p Plane) At(r, c int) float32 {
	return p.Data[p.Offset+r*p.RowLen+c]
}

// MaxAbs returns the largest magnitude in the plane.
func (p Plane) MaxAbs() float32 {
	var m float32
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			m = max(m, float32(math.Abs(float64(p.At(r, c)))))
		}
	}
	return m
}

// Diverging maps v in [-scale, scale] to blue (negative) through white to
// red (positive).
func Diverging(v, scale float32) color.RGBA {
	if scale <= 0 {
		return color.RGBA{255, 255, 255, 255}
	}
	t := max(-1, min(1, v/scale))
	fade := uint8(255 * (1 - math.Abs(float64(t))))
	if t >= 0 {
		return color.RGBA{255, fade, fade, 255}
	}
	return color.RGBA{fade, fade, 255, 255}
}

// Heatmap renders one pixel per element.
func Heatmap(p Plane) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.Cols, p.Rows))
	scale := p.MaxAbs()
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			img.SetRGBA(c, r, Diverging(p.At(r, c), scale))
		}
	}
	return img
}

// Upscale enlarges src by an integer factor without smoothing so cells stay
// sharp.
func Upscale(src image.Image, factor int) *image.RGBA {
	if factor < 1 {
		factor = 1
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
