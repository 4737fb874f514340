package ui

import (
	"bytes"
	"log"

	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
)

var (
	// Font faces for text rendering
	monoFace  *text.GoTextFace
	titleFace *text.GoTextFace
)

const (
	monoFontSize  = 13.0
	titleFontSize = 16.0
)

func init() {
	initFonts()
}

func initFonts() {
	// Monospaced face keeps register dumps aligned
	monoSource, err := text.NewGoTextFaceSource(bytes.NewReader(gomono.TTF))
	if err != nil {
		log.Printf("Failed to load mono font: %v", err)
		return
	}
	monoFace = &text.GoTextFace{
		Source: monoSource,
		Size:   monoFontSize,
	}

	boldSource, err := text.NewGoTextFaceSource(bytes.NewReader(gobold.TTF))
	if err != nil {
		log.Printf("Failed to load bold font: %v", err)
		return
	}
	titleFace = &text.GoTextFace{
		Source: boldSource,
		Size:   titleFontSize,
	}
}

// lineHeight returns the vertical advance of one line of face.
func lineHeight(face *text.GoTextFace) float64 {
	if face == nil {
		return 0
	}
	_, h := text.Measure("Mg", face, 0)
	return h + 3
}
