package smiv

import (
	"fmt"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/tensor"
)

// Plan holds the control parameters derived once per invocation.
type Plan struct {
	Config layer.Config

	KernelWidth int
	Stride      int

	// DoubleTP is set when the kernel is narrower than the datapath, letting
	// each pipe produce its own output column.
	DoubleTP bool
	// InitShamt offsets pipe 1 from pipe 0 before the datapath runs.
	InitShamt int
	// DpShamt is the shift applied to both registers between psum slots.
	DpShamt int
	// MaxPsumsPerAct bounds the psum slots one pipe fills from one
	// activation fetch.
	MaxPsumsPerAct int

	InputFetchesPerRow int
	// HasBoundaryCase is set when the last fetch of a row has no following
	// lane group to load into the upper half of the shift registers.
	HasBoundaryCase bool

	EndRow int
	EndCol int
}

// NewPlan validates cfg and derives the schedule parameters. It fails before
// any work is scheduled if the configuration cannot be run.
func NewPlan(cfg layer.Config) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := cfg.KernelWidth()
	stride := cfg.FieldStride
	doubleTP := k < DatapathWidth

	p := &Plan{
		Config:      cfg,
		KernelWidth: k,
		Stride:      stride,
		DoubleTP:    doubleTP,
	}

	if doubleTP {
		p.InitShamt = stride
		p.DpShamt = stride * 2
	} else {
		p.InitShamt = DatapathWidth
		p.DpShamt = stride
	}

	var err error
	if p.MaxPsumsPerAct, err = maxPsumsPerAct(stride, doubleTP); err != nil {
		return nil, err
	}

	p.InputFetchesPerRow = tensor.FetchesPerRow(cfg.Inputs.Cols)
	lastInputPixelStartCol := cfg.Outputs.Cols * stride
	p.HasBoundaryCase = lastInputPixelStartCol > (p.InputFetchesPerRow-1)*VectorSize

	p.EndRow = cfg.Inputs.Rows - k + 1
	if p.HasBoundaryCase {
		p.EndCol = p.InputFetchesPerRow
	} else {
		p.EndCol = p.InputFetchesPerRow - 1
	}

	return p, nil
}

// maxPsumsPerAct returns how many outputs one pipe produces per lane group of
// activations. A fetch covers VectorSize input columns, so both pipes
// together produce VectorSize/stride outputs.
func maxPsumsPerAct(stride int, doubleTP bool) (int, error) {
	var n int
	switch stride {
	case 1:
		n = DatapathWidth * 2
	case 2:
		n = DatapathWidth
	case 4:
		n = DatapathWidth / 2
	default:
		return 0, fmt.Errorf("%w: %d", layer.ErrUnsupportedStride, stride)
	}
	if doubleTP {
		n /= 2
	}
	return n, nil
}

// Split partitions the remaining output columns of a row between the pipes.
// total is the number of outputs the merged vector holds.
func (p *Plan) Split(remaining int) (dp0, dp1, total int) {
	if p.DoubleTP {
		perDP := remaining / 2
		rem := remaining % 2
		dp0 = min(p.MaxPsumsPerAct, perDP+rem)
		dp1 = min(p.MaxPsumsPerAct, perDP)
		return dp0, dp1, dp0 + dp1
	}

	dp0 = min(p.MaxPsumsPerAct, remaining)
	dp1 = min(p.MaxPsumsPerAct, remaining)
	return dp0, dp1, dp0
}

// OutputRows returns the number of result rows the row loop produces.
func (p *Plan) OutputRows() int {
	return (p.EndRow + p.Stride - 1) / p.Stride
}

// String summarises the plan for logs and the viewer.
func (p *Plan) String() string {
	mode := "single"
	if p.DoubleTP {
		mode = "double"
	}
	return fmt.Sprintf("k=%d stride=%d tp=%s init_shamt=%d dp_shamt=%d max_psums=%d fetches=%d boundary=%v",
		p.KernelWidth, p.Stride, mode, p.InitShamt, p.DpShamt, p.MaxPsumsPerAct,
		p.InputFetchesPerRow, p.HasBoundaryCase)
}
