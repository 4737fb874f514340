package sweep

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultGridPasses(t *testing.T) {
	cases := DefaultGrid().Cases()
	if len(cases) == 0 {
		t.Fatal("empty grid")
	}

	results, err := Run(context.Background(), cases, Options{Workers: 4, Seed: 3, Channels: 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != len(cases) {
		t.Fatalf("%d results for %d cases", len(results), len(cases))
	}

	for _, r := range Failures(results) {
		t.Errorf("%s: %v", r.Case, r.Err)
	}
	for _, r := range results {
		if r.MaxAbsDiff != 0 {
			t.Errorf("%s: integer inputs differ by %g", r.Case, r.MaxAbsDiff)
		}
		if r.Stats.OutputsCommitted == 0 {
			t.Errorf("%s: nothing committed", r.Case)
		}
	}
}

func TestCasesSkipsSmallShapes(t *testing.T) {
	g := Grid{Strides: []int{1}, Kernels: []int{3, 8}, Rows: []int{4}, Cols: []int{4, 8}}
	cases := g.Cases()
	// k8 needs at least 8 rows, so only the k3 cases remain.
	if len(cases) != 2 {
		t.Fatalf("got %d cases: %v", len(cases), cases)
	}
	for _, c := range cases {
		if c.Kernel != 3 {
			t.Errorf("unexpected case %s", c)
		}
	}
}

func TestInvalidCaseReported(t *testing.T) {
	results, err := Run(context.Background(), []Case{{Rows: 8, Cols: 8, Kernel: 3, Stride: 3}}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(Failures(results)) != 1 {
		t.Fatalf("expected the stride 3 case to fail, got %+v", results)
	}
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, DefaultGrid().Cases(), Options{Workers: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
