package smiv

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/reference"
)

// fill writes small integers into the logical elements of a padded buffer so
// every sum of products is exact in float32. Padding lanes stay zero.
func fill(rng *rand.Rand, data []float32, rowLen, cols int) {
	for i := range data {
		if i%rowLen < cols {
			data[i] = float32(rng.Intn(9) - 4)
		}
	}
}

func newBuffers(t testing.TB, cfg layer.Config, images, kernels int, seed int64) (act, wgt []float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	act = make([]float32, cfg.InputLen(images))
	wgt = make([]float32, cfg.WeightLen(kernels))
	fill(rng, act, cfg.Inputs.PaddedCols(), cfg.Inputs.Cols)
	fill(rng, wgt, cfg.Weights.PaddedCols(), cfg.Weights.Cols)
	return act, wgt
}

func TestPlanParameters(t *testing.T) {
	tests := []struct {
		k, stride                 int
		doubleTP                  bool
		initShamt, dpShamt, maxPs int
	}{
		{2, 1, true, 1, 2, 4},
		{3, 2, true, 2, 4, 2},
		{3, 4, true, 4, 8, 1},
		{4, 1, false, 4, 1, 8},
		{5, 2, false, 4, 2, 4},
		{8, 4, false, 4, 4, 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("k%d_s%d", tt.k, tt.stride), func(t *testing.T) {
			cfg, err := layer.NewConvolution("", 16, 16, 1, tt.k, tt.stride)
			if err != nil {
				t.Fatalf("NewConvolution failed: %v", err)
			}
			p, err := NewPlan(cfg)
			if err != nil {
				t.Fatalf("NewPlan failed: %v", err)
			}
			if p.DoubleTP != tt.doubleTP || p.InitShamt != tt.initShamt ||
				p.DpShamt != tt.dpShamt || p.MaxPsumsPerAct != tt.maxPs {
				t.Errorf("plan %s, expected tp=%v init=%d dp=%d max=%d",
					p, tt.doubleTP, tt.initShamt, tt.dpShamt, tt.maxPs)
			}
			if p.OutputRows() != cfg.Outputs.Rows {
				t.Errorf("OutputRows = %d, expected %d", p.OutputRows(), cfg.Outputs.Rows)
			}
		})
	}
}

func TestPlanSplit(t *testing.T) {
	double, _ := layer.NewConvolution("", 16, 16, 1, 3, 1)
	single, _ := layer.NewConvolution("", 16, 16, 1, 5, 1)
	pd, _ := NewPlan(double)
	ps, _ := NewPlan(single)

	tests := []struct {
		name               string
		plan               *Plan
		remaining          int
		dp0, dp1, totalOut int
	}{
		{"double odd", pd, 3, 2, 1, 3},
		{"double even", pd, 6, 3, 3, 6},
		{"double capped", pd, 14, 4, 4, 8},
		{"double one", pd, 1, 1, 0, 1},
		{"single", ps, 5, 5, 5, 5},
		{"single capped", ps, 12, 8, 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dp0, dp1, total := tt.plan.Split(tt.remaining)
			if dp0 != tt.dp0 || dp1 != tt.dp1 || total != tt.totalOut {
				t.Errorf("Split(%d) = %d,%d,%d expected %d,%d,%d",
					tt.remaining, dp0, dp1, total, tt.dp0, tt.dp1, tt.totalOut)
			}
		})
	}
}

func TestUnsupportedStride(t *testing.T) {
	cfg, _ := layer.NewConvolution("", 8, 8, 1, 2, 1)
	cfg.FieldStride = 3
	cfg.Outputs.Rows, cfg.Outputs.Cols = 3, 3

	if _, err := NewPlan(cfg); !errors.Is(err, layer.ErrUnsupportedStride) {
		t.Fatalf("NewPlan: expected ErrUnsupportedStride, got %v", err)
	}

	act := make([]float32, cfg.InputLen(1))
	wgt := make([]float32, cfg.WeightLen(1))
	result := make([]float32, cfg.ResultLen())
	for i := range result {
		result[i] = 7
	}

	if _, err := Convolve(act, wgt, 0, 0, 0, cfg, result); !errors.Is(err, layer.ErrUnsupportedStride) {
		t.Fatalf("Convolve: expected ErrUnsupportedStride, got %v", err)
	}
	for i, v := range result {
		if v != 7 {
			t.Fatalf("result[%d] overwritten on rejected config", i)
		}
	}
}

func TestConvolveBufferErrors(t *testing.T) {
	cfg, _ := layer.NewConvolution("", 8, 8, 2, 3, 1)
	act := make([]float32, cfg.InputLen(1))
	wgt := make([]float32, cfg.WeightLen(1))
	result := make([]float32, cfg.ResultLen())

	if _, err := Convolve(act, wgt, 1, 0, 0, cfg, result); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("image past end: expected ErrBufferTooSmall, got %v", err)
	}
	if _, err := Convolve(act, wgt, 0, 1, 0, cfg, result); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("kernel past end: expected ErrBufferTooSmall, got %v", err)
	}
	if _, err := Convolve(act, wgt, 0, 0, 2, cfg, result); !errors.Is(err, ErrIndexRange) {
		t.Errorf("channel past end: expected ErrIndexRange, got %v", err)
	}
	if _, err := Convolve(act, wgt, 0, 0, 0, cfg, result[:len(result)-1]); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("short result: expected ErrBufferTooSmall, got %v", err)
	}

	// Indices whose buffer size wraps int must be rejected, not run.
	const huge = 200000000000000000
	if _, err := Convolve(act, wgt, huge, 0, 0, cfg, result); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("huge image index: expected ErrBufferTooSmall, got %v", err)
	}
	if _, err := Convolve(act, wgt, 0, huge, 0, cfg, result); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("huge kernel index: expected ErrBufferTooSmall, got %v", err)
	}
}

func TestConvolve4x4Kernel2(t *testing.T) {
	cfg, err := layer.NewConvolution("", 4, 4, 1, 2, 1)
	if err != nil {
		t.Fatalf("NewConvolution failed: %v", err)
	}

	act := make([]float32, cfg.InputLen(1))
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			act[r*8+c] = float32(4*r + c + 1)
		}
	}
	wgt := make([]float32, cfg.WeightLen(1))
	wgt[0], wgt[1], wgt[8], wgt[9] = 1, 2, 3, 4

	result := make([]float32, cfg.ResultLen())
	if _, err := Convolve(act, wgt, 0, 0, 0, cfg, result); err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}

	if cfg.Outputs.Rows != 3 || cfg.Outputs.Cols != 3 {
		t.Fatalf("output shape %dx%d, expected 3x3", cfg.Outputs.Rows, cfg.Outputs.Cols)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			// a + 2b + 3c + 4d over the window reduces to 40r + 10c + 44.
			expected := float32(40*r + 10*c + 44)
			if got := result[r*8+c]; got != expected {
				t.Errorf("out[%d][%d] = %v, expected %v", r, c, got, expected)
			}
		}
	}
}

func TestConvolve5x5Stride2(t *testing.T) {
	cfg, err := layer.NewConvolution("", 5, 5, 1, 3, 2)
	if err != nil {
		t.Fatalf("NewConvolution failed: %v", err)
	}

	act := make([]float32, cfg.InputLen(1))
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			act[r*8+c] = float32(5*r + c + 1)
		}
	}
	wgt := make([]float32, cfg.WeightLen(1))
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			wgt[r*8+c] = 1
		}
	}

	result := make([]float32, cfg.ResultLen())
	if _, err := Convolve(act, wgt, 0, 0, 0, cfg, result); err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}

	// A box filter over a linear ramp is nine times the window centre.
	expected := [2][2]float32{{63, 81}, {153, 171}}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			if got := result[r*8+c]; got != expected[r][c] {
				t.Errorf("out[%d][%d] = %v, expected %v", r, c, got, expected[r][c])
			}
		}
	}
}

func TestConvolveBoundaryCase(t *testing.T) {
	// 14 outputs span two fetches; the second has no lane group after it.
	cfg, err := layer.NewConvolution("", 6, 16, 1, 3, 1)
	if err != nil {
		t.Fatalf("NewConvolution failed: %v", err)
	}

	p, _ := NewPlan(cfg)
	if !p.HasBoundaryCase {
		t.Fatalf("expected a boundary case: %s", p)
	}
	if cfg.Outputs.Cols*cfg.FieldStride <= (p.InputFetchesPerRow-1)*VectorSize {
		t.Fatalf("config does not exercise the boundary condition")
	}

	// The activation buffer ends exactly at the last padded row, so reading
	// past it would panic.
	act, wgt := newBuffers(t, cfg, 1, 1, 1)
	act = act[:cfg.InputLen(1):cfg.InputLen(1)]

	got := make([]float32, cfg.ResultLen())
	st, err := Convolve(act, wgt, 0, 0, 0, cfg, got)
	if err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}

	want := make([]float32, cfg.ResultLen())
	if err := reference.Conv2D(act, wgt, 0, 0, 0, cfg, want); err != nil {
		t.Fatalf("reference failed: %v", err)
	}
	if err := reference.Compare(cfg, 0, got, want, 0); err != nil {
		t.Fatal(err)
	}

	if st.BoundaryFetches != cfg.Outputs.Rows*cfg.KernelWidth() {
		t.Errorf("BoundaryFetches = %d, expected %d", st.BoundaryFetches, cfg.Outputs.Rows*cfg.KernelWidth())
	}
	if st.OutputsCommitted != cfg.Outputs.Rows*cfg.Outputs.Cols {
		t.Errorf("OutputsCommitted = %d, expected %d", st.OutputsCommitted, cfg.Outputs.Rows*cfg.Outputs.Cols)
	}
}

func TestConvolveMatchesReference(t *testing.T) {
	colsList := []int{1, 4, 7, 8, 9, 12, 15, 16, 17, 23, 24, 31, 33}

	for _, stride := range []int{1, 2, 4} {
		for k := 1; k <= VectorSize; k++ {
			for _, cols := range colsList {
				if cols < k {
					continue
				}
				rows := k + 3

				name := fmt.Sprintf("s%d_k%d_%dx%d", stride, k, rows, cols)
				t.Run(name, func(t *testing.T) {
					cfg, err := layer.NewConvolution(name, rows, cols, 2, k, stride)
					if err != nil {
						t.Fatalf("NewConvolution failed: %v", err)
					}

					act, wgt := newBuffers(t, cfg, 2, 2, int64(stride*1000+k*100+cols))

					got := make([]float32, cfg.ResultLen())
					want := make([]float32, cfg.ResultLen())

					// Exercise non-zero image, kernel and channel indices.
					const img, kern, ch = 1, 1, 1
					st, err := Convolve(act, wgt, img, kern, ch, cfg, got)
					if err != nil {
						t.Fatalf("Convolve failed: %v", err)
					}
					if err := reference.Conv2D(act, wgt, img, kern, ch, cfg, want); err != nil {
						t.Fatalf("reference failed: %v", err)
					}
					if err := reference.Compare(cfg, ch, got, want, 0); err != nil {
						t.Fatal(err)
					}
					if st.OutputsCommitted != cfg.Outputs.Rows*cfg.Outputs.Cols {
						t.Errorf("committed %d outputs, expected %d",
							st.OutputsCommitted, cfg.Outputs.Rows*cfg.Outputs.Cols)
					}

					// Channel 0 belongs to another invocation and stays zero.
					for i := 0; i < cfg.ResultLen()/2; i++ {
						if got[i] != 0 {
							t.Fatalf("channel 0 written at %d", i)
						}
					}
				})
			}
		}
	}
}

type countingTracer struct {
	writes map[[2]int]int
	events []ColumnEvent
}

func (c *countingTracer) Column(ev ColumnEvent) {
	c.events = append(c.events, ev)
	for j := 0; j < ev.TotalOutPx; j++ {
		c.writes[[2]int{ev.OutRow, ev.OutCol + j}]++
	}
}

func TestConvolveWritesEachOutputOnce(t *testing.T) {
	for _, tc := range []struct{ rows, cols, k, s int }{
		{10, 33, 3, 1},
		{10, 33, 5, 2},
		{13, 19, 3, 4},
		{9, 40, 8, 1},
	} {
		cfg, err := layer.NewConvolution("", tc.rows, tc.cols, 1, tc.k, tc.s)
		if err != nil {
			t.Fatalf("NewConvolution failed: %v", err)
		}
		act, wgt := newBuffers(t, cfg, 1, 1, 7)

		tr := &countingTracer{writes: make(map[[2]int]int)}
		st, err := Convolve(act, wgt, 0, 0, 0, cfg, make([]float32, cfg.ResultLen()), WithTracer(tr))
		if err != nil {
			t.Fatalf("Convolve failed: %v", err)
		}

		if len(tr.events) != st.ColumnIterations {
			t.Errorf("%v: %d events for %d column iterations", cfg, len(tr.events), st.ColumnIterations)
		}
		if len(tr.writes) != cfg.Outputs.Rows*cfg.Outputs.Cols {
			t.Errorf("%v: %d distinct outputs written, expected %d",
				cfg, len(tr.writes), cfg.Outputs.Rows*cfg.Outputs.Cols)
		}
		for pos, n := range tr.writes {
			if n != 1 {
				t.Errorf("%v: output %v written %d times", cfg, pos, n)
			}
			if pos[1] >= cfg.Outputs.Cols || pos[0] >= cfg.Outputs.Rows {
				t.Errorf("%v: output %v outside the result", cfg, pos)
			}
		}
	}
}

func BenchmarkConvolve32x32K3(b *testing.B) {
	cfg, err := layer.NewConvolution("", 32, 32, 1, 3, 1)
	if err != nil {
		b.Fatal(err)
	}
	act, wgt := newBuffers(b, cfg, 1, 1, 1)
	result := make([]float32, cfg.ResultLen())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Convolve(act, wgt, 0, 0, 0, cfg, result); err != nil {
			b.Fatal(err)
		}
	}
}

func TestConvolvePadded(t *testing.T) {
	for _, stride := range []int{1, 2} {
		t.Run(fmt.Sprintf("s%d", stride), func(t *testing.T) {
			cfg, err := layer.NewPaddedConvolution("padded", 6, 10, 1, 3, stride, 1)
			if err != nil {
				t.Fatalf("NewPaddedConvolution failed: %v", err)
			}

			src := cfg.SourceDims()
			rng := rand.New(rand.NewSource(int64(stride)))
			raw := make([]float32, cfg.SourceLen(1))
			fill(rng, raw, src.PaddedCols(), src.Cols)
			wgt := make([]float32, cfg.WeightLen(1))
			fill(rng, wgt, cfg.Weights.PaddedCols(), cfg.Weights.Cols)

			act, err := cfg.PadInput(raw, 1)
			if err != nil {
				t.Fatalf("PadInput failed: %v", err)
			}

			got := make([]float32, cfg.ResultLen())
			want := make([]float32, cfg.ResultLen())
			if _, err := Convolve(act, wgt, 0, 0, 0, cfg, got); err != nil {
				t.Fatalf("Convolve failed: %v", err)
			}
			if err := reference.Conv2D(act, wgt, 0, 0, 0, cfg, want); err != nil {
				t.Fatalf("reference failed: %v", err)
			}
			if err := reference.Compare(cfg, 0, got, want, 0); err != nil {
				t.Fatal(err)
			}

			// The top-left output sees the border: only kernel taps at
			// rows and columns 1..2 reach real pixels.
			var corner float32
			wRow, sRow := cfg.Weights.PaddedCols(), src.PaddedCols()
			for kr := 1; kr < 3; kr++ {
				for kc := 1; kc < 3; kc++ {
					corner += wgt[kr*wRow+kc] * raw[(kr-1)*sRow+kc-1]
				}
			}
			if got[0] != corner {
				t.Errorf("corner output %v, expected %v", got[0], corner)
			}
		})
	}
}
