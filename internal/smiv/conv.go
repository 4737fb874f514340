package smiv

import (
	"errors"
	"fmt"
	"log"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/tensor"
)

// Buffer and index errors, detected before any result is written.
var (
	ErrBufferTooSmall = tensor.ErrBufferTooSmall
	ErrIndexRange     = errors.New("smiv: index out of range")
)

// Stats counts the hardware events of one invocation.
type Stats struct {
	ColumnIterations int `json:"column_iterations"`
	KernelRowLoads   int `json:"kernel_row_loads"`
	// BoundaryFetches counts kernel-row loads whose upper lane group was
	// skipped because the row had no further fetch.
	BoundaryFetches  int `json:"boundary_fetches"`
	MaccCycles       int `json:"macc_cycles"`
	Shifts           int `json:"shifts"`
	MACs             int `json:"macs"`
	OutputsCommitted int `json:"outputs_committed"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.ColumnIterations += o.ColumnIterations
	s.KernelRowLoads += o.KernelRowLoads
	s.BoundaryFetches += o.BoundaryFetches
	s.MaccCycles += o.MaccCycles
	s.Shifts += o.Shifts
	s.MACs += o.MACs
	s.OutputsCommitted += o.OutputsCommitted
}

// ColumnEvent describes one column iteration of the scheduler.
type ColumnEvent struct {
	InRow      int       `json:"in_row"`
	InCol      int       `json:"in_col"`
	OutRow     int       `json:"out_row"`
	OutCol     int       `json:"out_col"`
	Dp0Iters   int       `json:"dp0_iters"`
	Dp1Iters   int       `json:"dp1_iters"`
	TotalOutPx int       `json:"total_outpx"`
	Boundary   bool      `json:"boundary"`
	Outputs    []float32 `json:"outputs"`
}

// Tracer receives scheduler events as they happen.
type Tracer interface {
	Column(ev ColumnEvent)
}

type options struct {
	tracer Tracer
	logger *log.Logger
}

// Option configures Convolve.
type Option func(*options)

// WithTracer reports every column iteration to t.
func WithTracer(t Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger dumps registers, weights and psums to l while running.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Convolve computes the 2D convolution of kernel kern with channel ch of
// image img and writes it to the channel's plane of result.
//
// act is laid out as [img][chan][row][col], kernels as
// [kern][chan][row][col] and result as [chan][row][col], every row padded
// per cfg. The outputs are unreduced partial sums of one channel.
//
// All validation happens before the first write, so a configuration or
// buffer error leaves result untouched.
func Convolve(act, kernels []float32, img, kern, ch int, cfg layer.Config, result []float32, opts ...Option) (Stats, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p, err := NewPlan(cfg)
	if err != nil {
		return Stats{}, err
	}

	in, w, out, err := views(act, kernels, img, kern, ch, cfg, result)
	if err != nil {
		return Stats{}, err
	}

	return p.run(in, w, out, img, kern, ch, &o), nil
}

// views builds the three tensor views and checks the invocation indices.
func views(act, kernels []float32, img, kern, ch int, cfg layer.Config, result []float32) (in, w, out *tensor.View, err error) {
	if ch < 0 || ch >= cfg.Inputs.Height {
		return nil, nil, nil, fmt.Errorf("%w: channel %d of %d", ErrIndexRange, ch, cfg.Inputs.Height)
	}
	if img < 0 || kern < 0 {
		return nil, nil, nil, fmt.Errorf("%w: image %d, kernel %d", ErrIndexRange, img, kern)
	}

	if in, err = tensor.NewView(act, img+1, cfg.Inputs.Height, cfg.Inputs.Rows, cfg.Inputs.PaddedCols()); err != nil {
		return nil, nil, nil, fmt.Errorf("activations: %w", err)
	}
	if w, err = tensor.NewView(kernels, kern+1, cfg.Weights.Height, cfg.Weights.Rows, cfg.Weights.PaddedCols()); err != nil {
		return nil, nil, nil, fmt.Errorf("kernels: %w", err)
	}
	if out, err = tensor.NewView(result, cfg.Inputs.Height, cfg.Outputs.Rows, cfg.Outputs.PaddedCols()); err != nil {
		return nil, nil, nil, fmt.Errorf("result: %w", err)
	}
	return in, w, out, nil
}

// run is the scheduler proper: rows, lane-group columns, kernel rows.
func (p *Plan) run(in, w, out *tensor.View, img, kern, ch int, o *options) Stats {
	var st Stats

	k := p.KernelWidth
	resultWidth := p.Config.Outputs.Cols
	endColMarker := p.InputFetchesPerRow - 1

	if o.logger != nil {
		o.logger.Printf("plan: %s", p)
	}

	outRow := 0
	for inRow := 0; inRow < p.EndRow; inRow += p.Stride {
		outCol := 0
		for inCol := 0; inCol < p.EndCol; inCol++ {
			dp0, dp1, total := p.Split(resultWidth - outCol)
			boundary := p.HasBoundaryCase && inCol == endColMarker

			if o.logger != nil {
				o.logger.Printf("row %d col %d: dp0_iters=%d dp1_iters=%d", inRow, inCol, dp0, dp1)
			}

			// One psum register file per pipe, shared by all kernel rows.
			var psum0, psum1 Vec
			for kernRow := 0; kernRow < k; kernRow++ {
				var pipe0, pipe1 ShiftReg

				act := VecFrom(in.Lane(inCol, img, ch, inRow+kernRow))
				pipe0.Load(0, act)
				pipe1.Load(0, act)
				if boundary {
					st.BoundaryFetches++
				} else {
					act = VecFrom(in.Lane(inCol+1, img, ch, inRow+kernRow))
					pipe0.Load(1, act)
					pipe1.Load(1, act)
				}

				weights := LoadWeights(w.Lane(0, kern, ch, kernRow), k, p.DoubleTP)

				pipe1.LShift(p.InitShamt)

				if o.logger != nil {
					o.logger.Printf("  kern_row %d weights %v", kernRow, weights)
					o.logger.Printf("  pipe0 %v", pipe0)
					o.logger.Printf("  pipe1 %v", pipe1)
				}

				Macc(weights, &pipe0, &pipe1, p.DpShamt, dp0, dp1, &psum0, &psum1)

				st.KernelRowLoads++
				st.MaccCycles += dp0
				st.Shifts += dp0 + 1
				st.MACs += dp0 * 2 * DatapathWidth
			}

			final := MergePsums(psum0, psum1, p.DoubleTP)
			if o.logger != nil {
				o.logger.Printf("  merged %v", final)
			}

			row := out.Row(ch, outRow)
			copy(row[outCol:outCol+total], final[:total])

			if o.tracer != nil {
				o.tracer.Column(ColumnEvent{
					InRow:      inRow,
					InCol:      inCol,
					OutRow:     outRow,
					OutCol:     outCol,
					Dp0Iters:   dp0,
					Dp1Iters:   dp1,
					TotalOutPx: total,
					Boundary:   boundary,
					Outputs:    append([]float32(nil), final[:total]...),
				})
			}

			st.ColumnIterations++
			st.OutputsCommitted += total

			outCol += total
			if outCol >= resultWidth {
				outCol = 0
			}
		}
		outRow++
	}

	return st
}
