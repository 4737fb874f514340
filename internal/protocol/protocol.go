// Package protocol implements a line-oriented command protocol that lets an
// external timing simulator drive the datapath model over stdin/stdout.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/reference"
	"github.com/hailam/simdconv/internal/smiv"
	"github.com/hailam/simdconv/internal/storage"
	"github.com/hailam/simdconv/internal/sweep"
	"github.com/hailam/simdconv/internal/tensor"
	"github.com/hailam/simdconv/internal/trace"
)

// Session holds the state of one protocol connection.
type Session struct {
	out   io.Writer
	store *storage.Storage

	cfg     *layer.Config
	act     []float32
	kernels []float32
	result  []float32

	img, kern, ch int
	ran           bool
	stats         smiv.Stats
	rec           *trace.Recorder

	tolerance float64
}

// New creates a session writing replies to out. store may be nil, in which
// case the save and runs commands report an error.
func New(out io.Writer, store *storage.Storage) *Session {
	return &Session{
		out:       out,
		store:     store,
		rec:       trace.NewRecorder(),
		tolerance: 1e-4,
	}
}

// Run reads commands until quit or end of input.
func (s *Session) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]
		args := parts[1:]

		var err error
		switch cmd {
		case "hello":
			s.handleHello()
		case "isready":
			s.reply("readyok")
		case "config":
			err = s.handleConfig(args)
		case "load":
			err = s.handleLoad(args)
		case "random":
			err = s.handleRandom(args)
		case "input", "weights":
			err = s.handleBuffer(cmd, args)
		case "run":
			err = s.handleRun(args)
		case "verify":
			err = s.handleVerify(args)
		case "stats":
			err = s.handleStats()
		case "trace":
			err = s.handleTrace()
		case "dump":
			err = s.handleDump()
		case "save":
			err = s.handleSave()
		case "runs":
			err = s.handleRuns()
		case "quit":
			return nil
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}

		if err != nil {
			s.reply("error %v", err)
		}
	}

	return scanner.Err()
}

func (s *Session) reply(format string, args ...any) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

// handleHello reports the modelled hardware parameters.
func (s *Session) handleHello() {
	s.reply("id name simdconv")
	s.reply("param vector_size %d", smiv.VectorSize)
	s.reply("param datapath_width %d", smiv.DatapathWidth)
	s.reply("param shift_reg_size %d", smiv.ShiftRegSize)
	s.reply("hellook")
}

// handleConfig parses "config <rows> <cols> <height> <kernel> <stride> [pad]".
// rows and cols are the source size; pad zero pixels surround it.
func (s *Session) handleConfig(args []string) error {
	if len(args) != 5 && len(args) != 6 {
		return fmt.Errorf("usage: config <rows> <cols> <height> <kernel> <stride> [pad]")
	}
	n, err := atois(args)
	if err != nil {
		return err
	}
	pad := 0
	if len(n) == 6 {
		pad = n[5]
	}

	cfg, err := layer.NewPaddedConvolution("proto", n[0], n[1], n[2], n[3], n[4], pad)
	if err != nil {
		return err
	}
	s.setConfig(cfg)
	return nil
}

func (s *Session) handleLoad(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: load <config.json>")
	}
	cfg, err := layer.Load(args[0])
	if err != nil {
		return err
	}
	s.setConfig(cfg)
	return nil
}

// setConfig installs cfg and resets buffers to one zeroed image and kernel.
func (s *Session) setConfig(cfg layer.Config) {
	s.cfg = &cfg
	s.act = make([]float32, cfg.InputLen(1))
	s.kernels = make([]float32, cfg.WeightLen(1))
	s.result = make([]float32, cfg.ResultLen())
	s.ran = false
	s.rec.Reset()
	s.reply("configok %s", cfg)
}

func (s *Session) handleRandom(args []string) error {
	if s.cfg == nil {
		return fmt.Errorf("no config")
	}
	seed := int64(1)
	if len(args) > 0 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad seed %q", args[0])
		}
		seed = v
	}

	rng := rand.New(rand.NewSource(seed))
	src := s.cfg.SourceDims()
	act, err := s.cfg.PadInput(sweep.RandomBuffer(rng, s.cfg.SourceLen(1), src.PaddedCols(), src.Cols), 1)
	if err != nil {
		return err
	}
	s.act = act
	s.kernels = sweep.RandomBuffer(rng, s.cfg.WeightLen(1), s.cfg.Weights.PaddedCols(), s.cfg.Weights.Cols)
	s.reply("randomok %d", seed)
	return nil
}

// handleBuffer loads "input <path>" or "weights <path>" raw float32 files.
func (s *Session) handleBuffer(cmd string, args []string) error {
	if s.cfg == nil {
		return fmt.Errorf("no config")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <file>", cmd)
	}

	data, err := tensor.ReadFile(args[0])
	if err != nil {
		return err
	}

	if cmd == "input" {
		// Input files hold the unpadded source image.
		if len(data) < s.cfg.SourceLen(1) {
			return fmt.Errorf("%w: input has %d floats, need %d", tensor.ErrBufferTooSmall, len(data), s.cfg.SourceLen(1))
		}
		act, err := s.cfg.PadInput(data[:s.cfg.SourceLen(1)], 1)
		if err != nil {
			return err
		}
		s.act = act
	} else {
		if len(data) < s.cfg.WeightLen(1) {
			return fmt.Errorf("%w: weights have %d floats, need %d", tensor.ErrBufferTooSmall, len(data), s.cfg.WeightLen(1))
		}
		s.kernels = data
	}
	s.reply("%sok %d", cmd, len(data))
	return nil
}

// handleRun parses "run [img kern chan]".
func (s *Session) handleRun(args []string) error {
	if s.cfg == nil {
		return fmt.Errorf("no config")
	}

	img, kern, ch := 0, 0, 0
	if len(args) > 0 {
		if len(args) != 3 {
			return fmt.Errorf("usage: run [img kern chan]")
		}
		n, err := atois(args)
		if err != nil {
			return err
		}
		img, kern, ch = n[0], n[1], n[2]
	}

	s.ran = false
	s.rec.Reset()
	st, err := smiv.Convolve(s.act, s.kernels, img, kern, ch, *s.cfg, s.result, smiv.WithTracer(s.rec))
	if err != nil {
		return err
	}

	s.img, s.kern, s.ch = img, kern, ch
	s.stats = st
	s.ran = true
	s.reply("done outputs %d cycles %d", st.OutputsCommitted, st.MaccCycles)
	return nil
}

func (s *Session) handleVerify(args []string) error {
	if !s.ran {
		return fmt.Errorf("nothing to verify")
	}
	tol := s.tolerance
	if len(args) > 0 {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad tolerance %q", args[0])
		}
		tol = v
	}

	want := make([]float32, s.cfg.ResultLen())
	if err := reference.Conv2D(s.act, s.kernels, s.img, s.kern, s.ch, *s.cfg, want); err != nil {
		return err
	}
	if err := reference.Compare(*s.cfg, s.ch, s.result, want, tol); err != nil {
		s.reply("verify fail %v", err)
		return nil
	}
	s.reply("verify ok maxdiff %g", reference.MaxAbsDiff(*s.cfg, s.ch, s.result, want))
	return nil
}

func (s *Session) handleStats() error {
	if !s.ran {
		return fmt.Errorf("no run")
	}
	st := s.stats
	for _, kv := range []struct {
		name string
		v    int
	}{
		{"column_iterations", st.ColumnIterations},
		{"kernel_row_loads", st.KernelRowLoads},
		{"boundary_fetches", st.BoundaryFetches},
		{"macc_cycles", st.MaccCycles},
		{"shifts", st.Shifts},
		{"macs", st.MACs},
		{"outputs", st.OutputsCommitted},
	} {
		s.reply("stat %s %s", kv.name, humanize.Comma(int64(kv.v)))
	}
	s.reply("statsend")
	return nil
}

// handleTrace streams the last run's column events as JSON lines.
func (s *Session) handleTrace() error {
	if !s.ran {
		return fmt.Errorf("no run")
	}
	if err := s.rec.WriteJSONL(s.out); err != nil {
		return err
	}
	s.reply("traceend %d", s.rec.Len())
	return nil
}

// handleDump prints the logical outputs of the last run, one row per line.
func (s *Session) handleDump() error {
	if !s.ran {
		return fmt.Errorf("no run")
	}
	out, err := tensor.NewView(s.result, s.cfg.Inputs.Height, s.cfg.Outputs.Rows, s.cfg.Outputs.PaddedCols())
	if err != nil {
		return err
	}

	for r := 0; r < s.cfg.Outputs.Rows; r++ {
		var b strings.Builder
		fmt.Fprintf(&b, "row %d", r)
		for _, v := range out.Row(s.ch, r)[:s.cfg.Outputs.Cols] {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
		s.reply("%s", b.String())
	}
	s.reply("dumpend")
	return nil
}

func (s *Session) handleSave() error {
	if s.store == nil {
		return fmt.Errorf("no storage")
	}
	if !s.ran {
		return fmt.Errorf("no run")
	}

	plane := s.cfg.Outputs.Rows * s.cfg.Outputs.PaddedCols()
	run := &storage.Run{
		ID:      storage.RunID(*s.cfg, s.act, s.kernels, s.img, s.kern, s.ch),
		Config:  *s.cfg,
		Image:   s.img,
		Kernel:  s.kern,
		Channel: s.ch,
		Stats:   s.stats,
		Result:  append([]float32(nil), s.result[s.ch*plane:(s.ch+1)*plane]...),
	}
	if err := s.store.SaveRun(run); err != nil {
		return err
	}
	s.reply("saved %s", run.ID)
	return nil
}

func (s *Session) handleRuns() error {
	if s.store == nil {
		return fmt.Errorf("no storage")
	}
	runs, err := s.store.ListRuns()
	if err != nil {
		return err
	}
	for _, r := range runs {
		s.reply("run %s %s outputs %d %s", r.ID, r.Config, r.Stats.OutputsCommitted, humanize.Time(r.CreatedAt))
	}
	s.reply("runsend %d", len(runs))
	return nil
}

func atois(args []string) ([]int, error) {
	n := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", a)
		}
		n[i] = v
	}
	return n, nil
}
