package ui

import (
	"bytes"
	"embed"
	"image"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

//go:embed assets/*.svg
var assets embed.FS

// renderScale is the oversampling factor used when rasterising SVG assets.
const renderScale = 2.0

// loadSVG rasterises an embedded SVG at w x h logical pixels.
func loadSVG(path string, w, h int) (*ebiten.Image, error) {
	data, err := assets.ReadFile(path)
	if err != nil {
		return nil, err
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	rw, rh := int(float64(w)*renderScale), int(float64(h)*renderScale)
	icon.SetTarget(0, 0, float64(rw), float64(rh))

	rgba := image.NewRGBA(image.Rect(0, 0, rw, rh))
	scanner := rasterx.NewScannerGV(rw, rh, rgba, rgba.Bounds())
	raster := rasterx.NewDasher(rw, rh, scanner)
	icon.Draw(raster, 1.0)

	return ebiten.NewImageFromImage(rgba), nil
}

// drawSprite draws an image rasterised by loadSVG at (x, y).
func drawSprite(screen, sprite *ebiten.Image, x, y float64) {
	if sprite == nil {
		return
	}
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(1/renderScale, 1/renderScale)
	op.GeoM.Translate(x, y)
	op.Filter = ebiten.FilterLinear
	screen.DrawImage(sprite, op)
}
