package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/dustin/go-humanize"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/protocol"
	"github.com/hailam/simdconv/internal/reference"
	"github.com/hailam/simdconv/internal/render"
	"github.com/hailam/simdconv/internal/smiv"
	"github.com/hailam/simdconv/internal/storage"
	"github.com/hailam/simdconv/internal/sweep"
	"github.com/hailam/simdconv/internal/tensor"
	"github.com/hailam/simdconv/internal/trace"
)

var (
	configPath = flag.String("config", "", "layer config JSON file")
	rows       = flag.Int("rows", 16, "input rows")
	cols       = flag.Int("cols", 16, "input columns")
	channels   = flag.Int("channels", 1, "input channels")
	kernel     = flag.Int("kernel", 3, "kernel width")
	stride     = flag.Int("stride", 1, "field stride (1, 2 or 4)")
	pad        = flag.Int("pad", 0, "zero rows and columns around the input")

	inPath     = flag.String("in", "", "unpadded activation buffer (little-endian float32)")
	weightPath = flag.String("weights", "", "weight buffer (little-endian float32)")
	outPath    = flag.String("out", "", "write the result buffer here")
	seed       = flag.Int64("seed", 1, "seed for random inputs")

	verify  = flag.Bool("verify", false, "check the result against the reference convolution")
	tol     = flag.Float64("tol", 1e-4, "absolute tolerance for -verify and -sweep")
	pngPath = flag.String("png", "", "write a heatmap of channel 0 here")
	scale   = flag.Int("scale", 8, "pixels per element in -png")

	tracePath  = flag.String("trace", "", "write the column trace as JSON lines here (\"default\" for the platform trace dir)")
	doSweep    = flag.Bool("sweep", false, "run the validation sweep")
	workers    = flag.Int("workers", 0, "concurrent sweep cases (0 = GOMAXPROCS)")
	doProtocol = flag.Bool("protocol", false, "serve the line protocol on stdin/stdout")
	dbDir      = flag.String("db", "", "database directory (\"default\" for the platform data dir)")
	listRuns   = flag.Bool("runs", false, "list stored runs and exit")
	debug      = flag.Bool("debug", false, "dump registers and partial sums to stderr")
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
)

func main() {
	flag.Parse()

	// Start CPU profiling if requested (via flag or environment variable)
	profilePath := *cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
		log.Printf("CPU profiling enabled, writing to %s", profilePath)
	}

	store, err := openStore(*dbDir)
	if err != nil {
		log.Fatal(err)
	}
	if store != nil {
		defer store.Close()
	}

	switch {
	case *doProtocol:
		err = protocol.New(os.Stdout, store).Run(os.Stdin)
	case *doSweep:
		err = runSweep()
	case *listRuns:
		err = printRuns(store)
	default:
		err = runOnce(store)
	}
	if err != nil {
		// Deferred profile and database cleanup must run before exiting.
		log.Print(err)
		pprof.StopCPUProfile()
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
}

// openStore opens the database named by the -db flag, or nothing.
func openStore(dir string) (*storage.Storage, error) {
	switch dir {
	case "":
		return nil, nil
	case "default":
		return storage.NewStorage()
	default:
		return storage.Open(dir)
	}
}

// loadConfig reads -config or builds a layer from the dimension flags.
func loadConfig() (layer.Config, error) {
	if *configPath != "" {
		return layer.Load(*configPath)
	}
	return layer.NewPaddedConvolution("cli", *rows, *cols, *channels, *kernel, *stride, *pad)
}

// loadBuffer reads path, or generates a random padded buffer of n elements.
func loadBuffer(path string, rng *rand.Rand, n int, d layer.Dims) ([]float32, error) {
	if path == "" {
		return sweep.RandomBuffer(rng, n, d.PaddedCols(), d.Cols), nil
	}
	buf, err := tensor.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < n {
		return nil, fmt.Errorf("%s: %d elements, need %d: %w", path, len(buf), n, tensor.ErrBufferTooSmall)
	}
	return buf, nil
}

// runOnce convolves image 0 with kernel 0 over every channel.
func runOnce(store *storage.Storage) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := smiv.NewPlan(cfg)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	raw, err := loadBuffer(*inPath, rng, cfg.SourceLen(1), cfg.SourceDims())
	if err != nil {
		return err
	}
	act, err := cfg.PadInput(raw[:cfg.SourceLen(1)], 1)
	if err != nil {
		return err
	}
	kernels, err := loadBuffer(*weightPath, rng, cfg.WeightLen(1), cfg.Weights)
	if err != nil {
		return err
	}

	opts := []smiv.Option{}
	rec := trace.NewRecorder()
	if *tracePath != "" {
		opts = append(opts, smiv.WithTracer(rec))
	}
	if *debug {
		opts = append(opts, smiv.WithLogger(log.New(os.Stderr, "smiv: ", 0)))
	}

	result := make([]float32, cfg.ResultLen())
	perChannel := make([]smiv.Stats, cfg.Inputs.Height)
	var stats smiv.Stats
	for ch := range perChannel {
		st, err := smiv.Convolve(act, kernels, 0, 0, ch, cfg, result, opts...)
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		perChannel[ch] = st
		stats.Add(st)
	}

	fmt.Println(cfg)
	fmt.Println(plan)
	printStats(stats)

	diffs := make([]float64, cfg.Inputs.Height)
	if *verify {
		want := make([]float32, cfg.ResultLen())
		var maxDiff float64
		for ch := range diffs {
			if err := reference.Conv2D(act, kernels, 0, 0, ch, cfg, want); err != nil {
				return err
			}
			diffs[ch] = reference.MaxAbsDiff(cfg, ch, result, want)
			maxDiff = max(maxDiff, diffs[ch])
			if err := reference.Compare(cfg, ch, result, want, *tol); err != nil {
				return fmt.Errorf("verify: %w", err)
			}
		}
		fmt.Printf("verify ok, max abs diff %g\n", maxDiff)
	}

	if *outPath != "" {
		if err := tensor.WriteFile(*outPath, result); err != nil {
			return err
		}
	}

	if *pngPath != "" {
		img := render.Heatmap(render.Plane{
			Data:   result,
			Rows:   cfg.Outputs.Rows,
			Cols:   cfg.Outputs.Cols,
			RowLen: cfg.Outputs.PaddedCols(),
		})
		if err := render.WritePNG(*pngPath, render.Upscale(img, *scale)); err != nil {
			return err
		}
	}

	if *tracePath != "" {
		path, err := traceFile(*tracePath, cfg)
		if err != nil {
			return err
		}
		if err := writeTrace(path, rec); err != nil {
			return err
		}
		sum := rec.Summarize()
		fmt.Printf("trace: %s events, %s at the row boundary, written to %s\n",
			humanize.Comma(int64(sum.Events)), humanize.Comma(int64(sum.BoundaryEvents)), path)
	}

	if store != nil {
		return saveRuns(store, cfg, act, kernels, result, perChannel, diffs)
	}
	return nil
}

// traceFile resolves the -trace flag. "default" names a file in the
// platform trace directory.
func traceFile(flagValue string, cfg layer.Config) (string, error) {
	if flagValue != "default" {
		return flagValue, nil
	}
	dir, err := storage.GetTraceDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%016x-%d.jsonl", cfg.Key(), *seed)), nil
}

func writeTrace(path string, rec *trace.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rec.WriteJSONL(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// saveRuns records one run per channel, each with its own plane and stats,
// and remembers the config file.
func saveRuns(store *storage.Storage, cfg layer.Config, act, kernels, result []float32, stats []smiv.Stats, diffs []float64) error {
	plane := cfg.Outputs.Rows * cfg.Outputs.PaddedCols()

	var lastID string
	for ch := range stats {
		run := &storage.Run{
			ID:         storage.RunID(cfg, act, kernels, 0, 0, ch),
			Config:     cfg,
			Channel:    ch,
			Stats:      stats[ch],
			Verified:   *verify,
			MaxAbsDiff: diffs[ch],
			Result:     result[ch*plane : (ch+1)*plane],
		}
		if err := store.SaveRun(run); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		fmt.Println("saved", run.ID)
		lastID = run.ID
	}

	prefs, err := store.LoadPreferences()
	if err != nil {
		return err
	}
	prefs.LastRunID = lastID
	prefs.Seed = *seed
	prefs.Tolerance = *tol
	if *configPath != "" {
		if abs, err := filepath.Abs(*configPath); err == nil {
			prefs.LastConfig = abs
		}
	}
	return store.SavePreferences(prefs)
}

func printStats(st smiv.Stats) {
	fmt.Printf("column iterations  %s\n", humanize.Comma(int64(st.ColumnIterations)))
	fmt.Printf("kernel row loads   %s\n", humanize.Comma(int64(st.KernelRowLoads)))
	fmt.Printf("boundary fetches   %s\n", humanize.Comma(int64(st.BoundaryFetches)))
	fmt.Printf("macc cycles        %s\n", humanize.Comma(int64(st.MaccCycles)))
	fmt.Printf("shifts             %s\n", humanize.Comma(int64(st.Shifts)))
	fmt.Printf("MACs               %s\n", humanize.Comma(int64(st.MACs)))
	fmt.Printf("outputs committed  %s\n", humanize.Comma(int64(st.OutputsCommitted)))
}

// runSweep validates the default grid and fails on any mismatch.
func runSweep() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cases := sweep.DefaultGrid().Cases()
	results, err := sweep.Run(ctx, cases, sweep.Options{
		Workers:   *workers,
		Tolerance: *tol,
		Seed:      *seed,
		Channels:  *channels,
	})
	if err != nil {
		return err
	}

	var total smiv.Stats
	for _, r := range results {
		total.Add(r.Stats)
	}
	failed := sweep.Failures(results)
	for _, r := range failed {
		fmt.Printf("FAIL %s: %v\n", r.Case, r.Err)
	}
	fmt.Printf("%d cases, %d failed, %s MACs\n", len(results), len(failed), humanize.Comma(int64(total.MACs)))
	if len(failed) > 0 {
		return fmt.Errorf("sweep: %d of %d cases failed", len(failed), len(results))
	}
	return nil
}

func printRuns(store *storage.Storage) error {
	if store == nil {
		return fmt.Errorf("-runs needs -db")
	}
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-24s  %s MACs  %s\n", r.ID, r.Config, humanize.Comma(int64(r.Stats.MACs)), humanize.Time(r.CreatedAt))
	}
	return nil
}
