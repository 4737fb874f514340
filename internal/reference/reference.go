// Package reference implements a direct 2D convolution used to validate the
// datapath model.
package reference

import (
	"fmt"
	"math"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/tensor"
)

// Conv2D convolves kernel kern with channel ch of image img using the same
// buffer layouts as the datapath, writing into result's channel plane.
func Conv2D(act, kernels []float32, img, kern, ch int, cfg layer.Config, result []float32) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	in, err := tensor.NewView(act, img+1, cfg.Inputs.Height, cfg.Inputs.Rows, cfg.Inputs.PaddedCols())
	if err != nil {
		return fmt.Errorf("activations: %w", err)
	}
	w, err := tensor.NewView(kernels, kern+1, cfg.Weights.Height, cfg.Weights.Rows, cfg.Weights.PaddedCols())
	if err != nil {
		return fmt.Errorf("kernels: %w", err)
	}
	out, err := tensor.NewView(result, cfg.Inputs.Height, cfg.Outputs.Rows, cfg.Outputs.PaddedCols())
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}

	k := cfg.KernelWidth()
	s := cfg.FieldStride
	for r := 0; r < cfg.Outputs.Rows; r++ {
		for c := 0; c < cfg.Outputs.Cols; c++ {
			var sum float32
			for kr := 0; kr < k; kr++ {
				for kc := 0; kc < k; kc++ {
					sum += float32(w.At(kern, ch, kr, kc) * in.At(img, ch, r*s+kr, c*s+kc))
				}
			}
			out.Set(sum, ch, r, c)
		}
	}
	return nil
}

// MismatchError reports the first output that differs from the reference.
type MismatchError struct {
	Channel, Row, Col int
	Got, Want         float32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatch at [%d][%d][%d]: got %g, want %g",
		e.Channel, e.Row, e.Col, e.Got, e.Want)
}

// Compare checks the logical outputs of channel ch in got against want.
// tol is an absolute tolerance; zero demands bit-equal values.
func Compare(cfg layer.Config, ch int, got, want []float32, tol float64) error {
	g, err := tensor.NewView(got, cfg.Inputs.Height, cfg.Outputs.Rows, cfg.Outputs.PaddedCols())
	if err != nil {
		return err
	}
	w, err := tensor.NewView(want, cfg.Inputs.Height, cfg.Outputs.Rows, cfg.Outputs.PaddedCols())
	if err != nil {
		return err
	}

	for r := 0; r < cfg.Outputs.Rows; r++ {
		for c := 0; c < cfg.Outputs.Cols; c++ {
			gv, wv := g.At(ch, r, c), w.At(ch, r, c)
			if math.Abs(float64(gv)-float64(wv)) > tol || math.IsNaN(float64(gv)) != math.IsNaN(float64(wv)) {
				return &MismatchError{Channel: ch, Row: r, Col: c, Got: gv, Want: wv}
			}
		}
	}
	return nil
}

// MaxAbsDiff returns the largest absolute difference over channel ch.
func MaxAbsDiff(cfg layer.Config, ch int, got, want []float32) float64 {
	stride := cfg.Outputs.PaddedCols()
	base := ch * cfg.Outputs.Rows * stride

	var worst float64
	for r := 0; r < cfg.Outputs.Rows; r++ {
		for c := 0; c < cfg.Outputs.Cols; c++ {
			i := base + r*stride + c
			worst = math.Max(worst, math.Abs(float64(got[i])-float64(want[i])))
		}
	}
	return worst
}
