// Package sweep validates the datapath model against the reference
// convolution over a grid of layer shapes.
package sweep

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/reference"
	"github.com/hailam/simdconv/internal/smiv"
)

// Case is one layer shape in the grid.
type Case struct {
	Rows, Cols, Kernel, Stride int
}

func (c Case) String() string {
	return fmt.Sprintf("%dx%d k%d s%d", c.Rows, c.Cols, c.Kernel, c.Stride)
}

// Grid lists the shapes to run.
type Grid struct {
	Strides []int
	Kernels []int
	Rows    []int
	Cols    []int
}

// DefaultGrid covers every supported stride and kernel width with column
// counts on both sides of lane-group boundaries.
func DefaultGrid() Grid {
	return Grid{
		Strides: []int{1, 2, 4},
		Kernels: []int{1, 2, 3, 4, 5, 6, 7, 8},
		Rows:    []int{8, 11},
		Cols:    []int{8, 9, 15, 16, 17, 24, 31, 33, 40},
	}
}

// Cases expands the grid, skipping shapes smaller than their kernel.
func (g Grid) Cases() []Case {
	var cases []Case
	for _, s := range g.Strides {
		for _, k := range g.Kernels {
			for _, r := range g.Rows {
				for _, c := range g.Cols {
					if r < k || c < k {
						continue
					}
					cases = append(cases, Case{Rows: r, Cols: c, Kernel: k, Stride: s})
				}
			}
		}
	}
	return cases
}

// Result is the outcome of one case.
type Result struct {
	Case       Case
	Stats      smiv.Stats
	MaxAbsDiff float64
	Err        error
}

// Options tunes a sweep.
type Options struct {
	// Workers bounds the number of concurrent invocations. Zero means
	// GOMAXPROCS.
	Workers int
	// Tolerance is the absolute tolerance against the reference.
	Tolerance float64
	Seed      int64
	// Channels is the input depth of every case; each channel is a separate
	// invocation writing its own result plane.
	Channels int
}

// Run executes every case. Independent invocations share no mutable state,
// so they run concurrently. A mismatch is recorded in its Result; only
// context cancellation aborts the sweep.
func Run(ctx context.Context, cases []Case, opts Options) ([]Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}

	results := make([]Result, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for i, c := range cases {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = runCase(c, opts, opts.Seed+int64(i))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// runCase convolves every channel of one random image with one random kernel.
func runCase(c Case, opts Options, seed int64) Result {
	res := Result{Case: c}

	cfg, err := layer.NewConvolution(c.String(), c.Rows, c.Cols, opts.Channels, c.Kernel, c.Stride)
	if err != nil {
		res.Err = err
		return res
	}

	rng := rand.New(rand.NewSource(seed))
	act := RandomBuffer(rng, cfg.InputLen(1), cfg.Inputs.PaddedCols(), cfg.Inputs.Cols)
	wgt := RandomBuffer(rng, cfg.WeightLen(1), cfg.Weights.PaddedCols(), cfg.Weights.Cols)

	got := make([]float32, cfg.ResultLen())
	want := make([]float32, cfg.ResultLen())

	// Channels write disjoint planes of the same result buffers.
	var mu sync.Mutex
	var wg sync.WaitGroup
	for ch := 0; ch < opts.Channels; ch++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := smiv.Convolve(act, wgt, 0, 0, ch, cfg, got)
			if err == nil {
				err = reference.Conv2D(act, wgt, 0, 0, ch, cfg, want)
			}
			if err == nil {
				err = reference.Compare(cfg, ch, got, want, opts.Tolerance)
			}

			mu.Lock()
			defer mu.Unlock()
			res.Stats.Add(st)
			res.MaxAbsDiff = max(res.MaxAbsDiff, reference.MaxAbsDiff(cfg, ch, got, want))
			if err != nil && res.Err == nil {
				res.Err = fmt.Errorf("%s channel %d: %w", c, ch, err)
			}
		}()
	}
	wg.Wait()

	return res
}

// RandomBuffer returns a padded buffer of n elements with small integer values
// in the logical columns and zeros in the padding.
func RandomBuffer(rng *rand.Rand, n, rowLen, cols int) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		if i%rowLen < cols {
			buf[i] = float32(rng.Intn(9) - 4)
		}
	}
	return buf
}

// Failures returns the failed results.
func Failures(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
