// SimdConv - An interactive viewer for the SMIV convolution datapath
package main

import (
	"log"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/storage"
	"github.com/hailam/simdconv/internal/ui"
)

func main() {
	store, err := storage.NewStorage()
	if err != nil {
		log.Printf("Warning: Failed to open storage: %v", err)
		store = nil
	}

	cfg, err := demoConfig(store)
	if err != nil {
		log.Fatal(err)
	}

	viewer, err := ui.NewViewer(cfg, store)
	if err != nil {
		log.Fatal(err)
	}
	defer viewer.Close()

	ebiten.SetWindowSize(ui.ScreenWidth, ui.ScreenHeight)
	ebiten.SetWindowTitle("SimdConv")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(viewer); err != nil {
		log.Fatal(err)
	}
}

// demoConfig returns the last layer opened from the CLI, or a small
// 3x3 convolution with a boundary column.
func demoConfig(store *storage.Storage) (layer.Config, error) {
	if store != nil {
		if prefs, err := store.LoadPreferences(); err == nil && prefs.LastConfig != "" {
			cfg, err := layer.Load(prefs.LastConfig)
			if err == nil {
				return cfg, nil
			}
			log.Printf("Warning: Failed to load %s: %v", prefs.LastConfig, err)
		}
	}
	return layer.NewConvolution("demo", 12, 20, 2, 3, 1)
}
