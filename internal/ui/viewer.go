// Package ui implements an interactive viewer for the datapath model using
// Ebitengine.
package ui

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/render"
	"github.com/hailam/simdconv/internal/smiv"
	"github.com/hailam/simdconv/internal/storage"
	"github.com/hailam/simdconv/internal/sweep"
	"github.com/hailam/simdconv/internal/trace"
)

// UI Constants
const (
	ScreenWidth  = 1280
	ScreenHeight = 760
	PanelWidth   = 360
	MapPadding   = 24

	diagramW = 320
	diagramH = 120

	// playInterval is the number of frames between autoplay steps.
	playInterval = 20
)

// Viewer implements ebiten.Game. It runs one datapath invocation and lets
// the user step through its column iterations.
type Viewer struct {
	cfg  layer.Config
	plan *smiv.Plan
	seed int64
	ch   int

	act, kernels, result []float32
	stats                smiv.Stats
	rec                  *trace.Recorder

	step    int
	playing bool
	frames  int
	status  string

	// Storage
	store *storage.Storage
	prefs *storage.Preferences

	// Components
	input     *InputHandler
	theme     *Theme
	inputMap  *MapView
	kernelMap *MapView
	resultMap *MapView
	diagram   *ebiten.Image
}

// NewViewer creates a viewer for cfg. store may be nil.
func NewViewer(cfg layer.Config, store *storage.Storage) (*Viewer, error) {
	plan, err := smiv.NewPlan(cfg)
	if err != nil {
		return nil, err
	}

	v := &Viewer{
		cfg:   cfg,
		plan:  plan,
		seed:  1,
		store: store,
		input: NewInputHandler(),
		theme: DefaultTheme(),
		rec:   trace.NewRecorder(),
	}

	v.loadPreferences()

	v.diagram, err = loadSVG("assets/datapath.svg", diagramW, diagramH)
	if err != nil {
		log.Printf("Warning: Failed to load datapath diagram: %v", err)
	}

	if err := v.simulate(); err != nil {
		return nil, err
	}
	return v, nil
}

// loadPreferences loads the seed from storage.
func (v *Viewer) loadPreferences() {
	if v.store == nil {
		v.prefs = storage.DefaultPreferences()
		return
	}

	var err error
	v.prefs, err = v.store.LoadPreferences()
	if err != nil {
		log.Printf("Warning: Failed to load preferences: %v", err)
		v.prefs = storage.DefaultPreferences()
	}
	v.seed = v.prefs.Seed
}

// savePreferences persists the current seed.
func (v *Viewer) savePreferences() {
	if v.store == nil {
		return
	}
	v.prefs.Seed = v.seed
	if err := v.store.SavePreferences(v.prefs); err != nil {
		log.Printf("Warning: Failed to save preferences: %v", err)
	}
}

// simulate generates inputs from the seed, runs the datapath and rebuilds
// the heatmaps.
func (v *Viewer) simulate() error {
	rng := rand.New(rand.NewSource(v.seed))
	src := v.cfg.SourceDims()
	act, err := v.cfg.PadInput(sweep.RandomBuffer(rng, v.cfg.SourceLen(1), src.PaddedCols(), src.Cols), 1)
	if err != nil {
		return err
	}
	v.act = act
	v.kernels = sweep.RandomBuffer(rng, v.cfg.WeightLen(1), v.cfg.Weights.PaddedCols(), v.cfg.Weights.Cols)
	v.result = make([]float32, v.cfg.ResultLen())

	v.rec.Reset()
	st, err := smiv.Convolve(v.act, v.kernels, 0, 0, v.ch, v.cfg, v.result, smiv.WithTracer(v.rec))
	if err != nil {
		return err
	}
	v.stats = st
	v.step = 0

	in, out, k := v.cfg.Inputs, v.cfg.Outputs, v.cfg.Weights
	mapW := ScreenWidth - PanelWidth - 2*MapPadding

	v.inputMap = NewMapView(render.Plane{
		Data:   v.act,
		Rows:   in.Rows,
		Cols:   in.Cols,
		RowLen: in.PaddedCols(),
		Offset: v.ch * in.Rows * in.PaddedCols(),
	}, MapPadding, 40, mapW, 330)

	y := v.inputMap.Y + v.inputMap.Height() + 48
	v.kernelMap = NewMapView(render.Plane{
		Data:   v.kernels,
		Rows:   k.Rows,
		Cols:   k.Cols,
		RowLen: k.PaddedCols(),
		Offset: v.ch * k.Rows * k.PaddedCols(),
	}, MapPadding, y, 160, 160)

	v.resultMap = NewMapView(render.Plane{
		Data:   v.result,
		Rows:   out.Rows,
		Cols:   out.Cols,
		RowLen: out.PaddedCols(),
		Offset: v.ch * out.Rows * out.PaddedCols(),
	}, MapPadding+v.kernelMap.Width()+MapPadding, y, mapW-v.kernelMap.Width()-MapPadding, ScreenHeight-y-MapPadding)

	return nil
}

// Update handles input and autoplay.
func (v *Viewer) Update() error {
	for _, a := range v.input.Update() {
		v.apply(a)
	}

	mx, my := v.input.MousePosition()
	if v.input.ClickedInBounds(v.resultMap.X, v.resultMap.Y, v.resultMap.Width(), v.resultMap.Height()) {
		if r, c, ok := v.resultMap.CellAt(mx, my); ok {
			if i := v.rec.EventAt(r, c); i >= 0 {
				v.step = i
			}
		}
	}

	if v.playing {
		v.frames++
		if v.frames%playInterval == 0 {
			if v.step < v.rec.Len()-1 {
				v.step++
			} else {
				v.playing = false
			}
		}
	}

	return nil
}

// apply performs one action.
func (v *Viewer) apply(a Action) {
	last := max(v.rec.Len()-1, 0)

	switch a {
	case ActionNext:
		v.step = min(v.step+1, last)
	case ActionPrev:
		v.step = max(v.step-1, 0)
	case ActionFirst:
		v.step = 0
	case ActionLast:
		v.step = last
	case ActionTogglePlay:
		v.playing = !v.playing
	case ActionReseed:
		v.seed++
		v.rerun()
		v.savePreferences()
	case ActionNextChannel:
		v.ch = (v.ch + 1) % v.cfg.Inputs.Height
		v.rerun()
	case ActionSave:
		v.saveRun()
	}
}

func (v *Viewer) rerun() {
	if err := v.simulate(); err != nil {
		v.status = fmt.Sprintf("run failed: %v", err)
		return
	}
	v.status = fmt.Sprintf("seed %d channel %d", v.seed, v.ch)
}

// saveRun stores the current invocation.
func (v *Viewer) saveRun() {
	if v.store == nil {
		v.status = "no storage"
		return
	}

	plane := v.cfg.Outputs.Rows * v.cfg.Outputs.PaddedCols()
	run := &storage.Run{
		ID:      storage.RunID(v.cfg, v.act, v.kernels, 0, 0, v.ch),
		Config:  v.cfg,
		Channel: v.ch,
		Stats:   v.stats,
		Result:  append([]float32(nil), v.result[v.ch*plane:(v.ch+1)*plane]...),
	}
	if err := v.store.SaveRun(run); err != nil {
		v.status = fmt.Sprintf("save failed: %v", err)
		return
	}
	v.prefs.LastRunID = run.ID
	v.savePreferences()
	v.status = "saved " + run.ID
}

// Draw renders the maps, the current iteration and the panel.
func (v *Viewer) Draw(screen *ebiten.Image) {
	screen.Fill(v.theme.Background)

	drawText(screen, "activations  "+v.cfg.String(), titleFace, float64(v.inputMap.X), float64(v.inputMap.Y-24), v.theme.Text)
	drawText(screen, "kernel", titleFace, float64(v.kernelMap.X), float64(v.kernelMap.Y-24), v.theme.Text)
	drawText(screen, "result", titleFace, float64(v.resultMap.X), float64(v.resultMap.Y-24), v.theme.Text)

	v.inputMap.Draw(screen, v.theme)
	v.kernelMap.Draw(screen, v.theme)
	v.resultMap.Draw(screen, v.theme)

	events := v.rec.Events()

	// Outputs not yet committed at this step are greyed out.
	for _, ev := range events[min(v.step+1, len(events)):] {
		v.resultMap.FillCells(screen, ev.OutRow, ev.OutCol, 1, ev.TotalOutPx, v.theme.Pending)
	}

	if v.step < len(events) {
		ev := events[v.step]
		v.resultMap.OutlineCells(screen, ev.OutRow, ev.OutCol, 1, ev.TotalOutPx, v.theme.Current)

		// The shift registers hold two lane groups, one at a boundary.
		groups := 2
		if ev.Boundary {
			groups = 1
		}
		start := ev.InCol * smiv.VectorSize
		v.inputMap.OutlineCells(screen, ev.InRow, start, v.plan.KernelWidth, groups*smiv.VectorSize, v.theme.Window)
		v.inputMap.OutlineCells(screen, ev.InRow, start+v.plan.InitShamt, v.plan.KernelWidth, v.plan.KernelWidth, v.theme.Pipe1)
	}

	v.drawPanel(screen)
}

// drawPanel draws the side panel with plan, event and stats text.
func (v *Viewer) drawPanel(screen *ebiten.Image) {
	x0 := ScreenWidth - PanelWidth
	vector.DrawFilledRect(screen, float32(x0), 0, PanelWidth, ScreenHeight, v.theme.Panel, false)

	x := float64(x0 + 16)
	y := 16.0
	lh := lineHeight(monoFace)

	line := func(s string, muted bool) {
		c := v.theme.Text
		if muted {
			c = v.theme.TextMuted
		}
		drawText(screen, s, monoFace, x, y, c)
		y += lh
	}

	drawText(screen, "SMIV datapath", titleFace, x, y, v.theme.Text)
	y += lineHeight(titleFace) + 6

	p := v.plan
	mode := "single"
	if p.DoubleTP {
		mode = "double"
	}
	line(fmt.Sprintf("throughput   %s", mode), false)
	line(fmt.Sprintf("init_shamt   %d", p.InitShamt), false)
	line(fmt.Sprintf("dp_shamt     %d", p.DpShamt), false)
	line(fmt.Sprintf("max_psums    %d", p.MaxPsumsPerAct), false)
	line(fmt.Sprintf("fetches/row  %d", p.InputFetchesPerRow), false)
	line(fmt.Sprintf("boundary     %v", p.HasBoundaryCase), false)
	y += lh / 2

	events := v.rec.Events()
	line(fmt.Sprintf("step %d / %d", v.step+1, len(events)), false)
	if v.step < len(events) {
		ev := events[v.step]
		line(fmt.Sprintf("in  row %-3d col %d", ev.InRow, ev.InCol), true)
		line(fmt.Sprintf("out row %-3d col %d", ev.OutRow, ev.OutCol), true)
		line(fmt.Sprintf("dp0 %d  dp1 %d  outpx %d", ev.Dp0Iters, ev.Dp1Iters, ev.TotalOutPx), true)
		if ev.Boundary {
			line("boundary fetch", true)
		}
	}
	y += lh / 2

	st := v.stats
	line("cycles  "+humanize.Comma(int64(st.MaccCycles)), false)
	line("MACs    "+humanize.Comma(int64(st.MACs)), false)
	line("shifts  "+humanize.Comma(int64(st.Shifts)), false)
	line("outputs "+humanize.Comma(int64(st.OutputsCommitted)), false)
	y += lh / 2

	line("←/→ step  home/end  space play", true)
	line("r reseed  c channel  s save", true)
	if v.status != "" {
		line(v.status, true)
	}

	drawSprite(screen, v.diagram, float64(x0+(PanelWidth-diagramW)/2), float64(ScreenHeight-diagramH-16))
}

// Layout returns the fixed logical screen size.
func (v *Viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return ScreenWidth, ScreenHeight
}

// Close releases storage.
func (v *Viewer) Close() {
	if v.store != nil {
		v.store.Close()
	}
}
