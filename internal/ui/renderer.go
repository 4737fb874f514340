package ui

import (
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"

	"github.com/hailam/simdconv/internal/render"
)

// Theme defines the viewer's colour scheme.
type Theme struct {
	Background color.RGBA
	Panel      color.RGBA
	Text       color.RGBA
	TextMuted  color.RGBA
	Grid       color.RGBA
	Pending    color.RGBA
	Current    color.RGBA
	Window     color.RGBA
	Pipe1      color.RGBA
}

// DefaultTheme returns the default color theme.
func DefaultTheme() *Theme {
	return &Theme{
		Background: color.RGBA{40, 44, 52, 255},
		Panel:      color.RGBA{38, 40, 45, 255},
		Text:       color.RGBA{240, 240, 245, 255},
		TextMuted:  color.RGBA{160, 165, 175, 255},
		Grid:       color.RGBA{60, 65, 72, 255},
		Pending:    color.RGBA{70, 75, 82, 255},
		Current:    color.RGBA{247, 247, 105, 255}, // Yellow outline
		Window:     color.RGBA{76, 175, 120, 255},  // Green outline
		Pipe1:      color.RGBA{100, 180, 255, 255}, // Blue outline
	}
}

// maxCell caps the on-screen size of one tensor element.
const maxCell = 28

// MapView is a heatmap of one plane placed on screen.
type MapView struct {
	X, Y       int
	Cell       int
	Rows, Cols int
	image      *ebiten.Image
}

// NewMapView rasterises p so it fits in maxW x maxH at (x, y).
func NewMapView(p render.Plane, x, y, maxW, maxH int) *MapView {
	cell := min(maxW/p.Cols, maxH/p.Rows, maxCell)
	if cell < 1 {
		cell = 1
	}
	return &MapView{
		X:     x,
		Y:     y,
		Cell:  cell,
		Rows:  p.Rows,
		Cols:  p.Cols,
		image: ebiten.NewImageFromImage(render.Upscale(render.Heatmap(p), cell)),
	}
}

// Width returns the on-screen width in pixels.
func (m *MapView) Width() int {
	return m.Cols * m.Cell
}

// Height returns the on-screen height in pixels.
func (m *MapView) Height() int {
	return m.Rows * m.Cell
}

// Draw draws the heatmap and, for cells large enough to see, a grid.
func (m *MapView) Draw(screen *ebiten.Image, theme *Theme) {
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Translate(float64(m.X), float64(m.Y))
	screen.DrawImage(m.image, op)

	if m.Cell < 6 {
		return
	}
	for r := 0; r <= m.Rows; r++ {
		y := float32(m.Y + r*m.Cell)
		vector.StrokeLine(screen, float32(m.X), y, float32(m.X+m.Width()), y, 1, theme.Grid, false)
	}
	for c := 0; c <= m.Cols; c++ {
		x := float32(m.X + c*m.Cell)
		vector.StrokeLine(screen, x, float32(m.Y), x, float32(m.Y+m.Height()), 1, theme.Grid, false)
	}
}

// clip restricts a cell rectangle to the map.
func (m *MapView) clip(r, c, h, w int) (int, int, int, int) {
	if r+h > m.Rows {
		h = m.Rows - r
	}
	if c+w > m.Cols {
		w = m.Cols - c
	}
	return r, c, h, w
}

// FillCells covers h x w cells starting at (r, c).
func (m *MapView) FillCells(screen *ebiten.Image, r, c, h, w int, clr color.Color) {
	r, c, h, w = m.clip(r, c, h, w)
	if h <= 0 || w <= 0 {
		return
	}
	vector.DrawFilledRect(screen,
		float32(m.X+c*m.Cell), float32(m.Y+r*m.Cell),
		float32(w*m.Cell), float32(h*m.Cell), clr, false)
}

// OutlineCells strokes the border of h x w cells starting at (r, c).
func (m *MapView) OutlineCells(screen *ebiten.Image, r, c, h, w int, clr color.Color) {
	r, c, h, w = m.clip(r, c, h, w)
	if h <= 0 || w <= 0 {
		return
	}
	vector.StrokeRect(screen,
		float32(m.X+c*m.Cell), float32(m.Y+r*m.Cell),
		float32(w*m.Cell), float32(h*m.Cell), 2, clr, false)
}

// CellAt maps a screen position to a cell.
func (m *MapView) CellAt(x, y int) (r, c int, ok bool) {
	if x < m.X || y < m.Y || x >= m.X+m.Width() || y >= m.Y+m.Height() {
		return 0, 0, false
	}
	return (y - m.Y) / m.Cell, (x - m.X) / m.Cell, true
}

// drawText draws s with its top-left corner at (x, y).
func drawText(screen *ebiten.Image, s string, face *text.GoTextFace, x, y float64, c color.Color) {
	if face == nil {
		return
	}
	op := &text.DrawOptions{}
	op.GeoM.Translate(x, y)
	op.ColorScale.ScaleWithColor(c)
	text.Draw(screen, s, face, op)
}
