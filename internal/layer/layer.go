// Package layer describes one convolution invocation of the SMIV datapath.
package layer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/hailam/simdconv/internal/tensor"
)

// Configuration errors. Both are detected before any datapath work starts.
var (
	ErrInvalidConfig     = errors.New("invalid layer configuration")
	ErrUnsupportedStride = errors.New("unsupported field stride")
)

// Dims describes one tensor of a layer. Cols is the logical row length and
// AlignPad the extra columns that round it up to whole lane groups.
type Dims struct {
	Rows     int `json:"rows"`
	Cols     int `json:"cols"`
	Height   int `json:"height"`
	AlignPad int `json:"align_pad"`
}

// PaddedCols returns the stored row length.
func (d Dims) PaddedCols() int {
	return d.Cols + d.AlignPad
}

// Config is an immutable description of one convolution layer.
type Config struct {
	Name        string `json:"name,omitempty"`
	Inputs      Dims   `json:"inputs"`
	Outputs     Dims   `json:"outputs"`
	Weights     Dims   `json:"weights"`
	FieldStride int    `json:"field_stride"`
	// Padding is the zero border added around each input plane. Inputs
	// already includes it; PadInput builds such a buffer from an unpadded
	// one.
	Padding int `json:"padding,omitempty"`
}

// NewConvolution derives a lane-aligned configuration for a square kernel
// over a rows x cols image with height channels.
func NewConvolution(name string, rows, cols, height, kernel, stride int) (Config, error) {
	cfg := Config{
		Name: name,
		Inputs: Dims{
			Rows:     rows,
			Cols:     cols,
			Height:   height,
			AlignPad: tensor.AlignPad(cols),
		},
		Weights: Dims{
			Rows:     kernel,
			Cols:     kernel,
			Height:   height,
			AlignPad: tensor.AlignPad(kernel),
		},
		FieldStride: stride,
	}

	if stride > 0 && rows >= kernel && cols >= kernel {
		outRows := (rows-kernel)/stride + 1
		outCols := (cols-kernel)/stride + 1
		cfg.Outputs = Dims{
			Rows:     outRows,
			Cols:     outCols,
			Height:   height,
			AlignPad: tensor.AlignPad(outCols),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewPaddedConvolution is NewConvolution over a rows x cols image surrounded
// by pad zero rows and columns on every side.
func NewPaddedConvolution(name string, rows, cols, height, kernel, stride, pad int) (Config, error) {
	if pad < 0 {
		return Config{}, fmt.Errorf("%w: negative padding %d", ErrInvalidConfig, pad)
	}
	cfg, err := NewConvolution(name, rows+2*pad, cols+2*pad, height, kernel, stride)
	if err != nil {
		return Config{}, err
	}
	cfg.Padding = pad
	return cfg, nil
}

// SourceDims returns the input dims before zero padding.
func (c Config) SourceDims() Dims {
	cols := c.Inputs.Cols - 2*c.Padding
	return Dims{
		Rows:     c.Inputs.Rows - 2*c.Padding,
		Cols:     cols,
		Height:   c.Inputs.Height,
		AlignPad: tensor.AlignPad(cols),
	}
}

// SourceLen returns the unpadded activation buffer length for the given
// image count.
func (c Config) SourceLen(images int) int {
	d := c.SourceDims()
	return images * d.Height * d.Rows * d.PaddedCols()
}

// PadInput zero-pads an unpadded [img][chan][row][col] buffer to the layout
// of Inputs. Without padding it returns src.
func (c Config) PadInput(src []float32, images int) ([]float32, error) {
	if c.Padding == 0 {
		return src, nil
	}
	d := c.SourceDims()
	dst, rows, cols, err := tensor.ZeroPad(src, images, d.Height, d.Rows, d.Cols, c.Padding)
	if err != nil {
		return nil, err
	}
	if rows != c.Inputs.Rows || cols != c.Inputs.Cols {
		return nil, fmt.Errorf("%w: padded input %dx%d, expected %dx%d",
			ErrInvalidConfig, rows, cols, c.Inputs.Rows, c.Inputs.Cols)
	}
	return dst, nil
}

// KernelWidth returns the kernel's column count.
func (c Config) KernelWidth() int {
	return c.Weights.Cols
}

// Validate checks every constraint the datapath relies on.
func (c Config) Validate() error {
	switch c.FieldStride {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: %d (supported: 1, 2, 4)", ErrUnsupportedStride, c.FieldStride)
	}

	k := c.Weights.Cols
	if k < 1 || k > tensor.VectorSize {
		return fmt.Errorf("%w: kernel width %d outside [1, %d]", ErrInvalidConfig, k, tensor.VectorSize)
	}
	if c.Weights.Rows != k {
		return fmt.Errorf("%w: kernel is %dx%d, must be square", ErrInvalidConfig, c.Weights.Rows, k)
	}
	if c.Inputs.Height < 1 {
		return fmt.Errorf("%w: input height %d", ErrInvalidConfig, c.Inputs.Height)
	}
	if c.Weights.Height != c.Inputs.Height {
		return fmt.Errorf("%w: kernel height %d does not match input height %d",
			ErrInvalidConfig, c.Weights.Height, c.Inputs.Height)
	}
	if c.Padding < 0 || (c.Padding > 0 && (2*c.Padding >= c.Inputs.Rows || 2*c.Padding >= c.Inputs.Cols)) {
		return fmt.Errorf("%w: padding %d leaves no input inside %dx%d",
			ErrInvalidConfig, c.Padding, c.Inputs.Rows, c.Inputs.Cols)
	}
	if c.Inputs.Rows < k || c.Inputs.Cols < k {
		return fmt.Errorf("%w: input %dx%d smaller than kernel %d",
			ErrInvalidConfig, c.Inputs.Rows, c.Inputs.Cols, k)
	}

	for _, d := range []struct {
		name string
		dims Dims
	}{
		{"inputs", c.Inputs},
		{"outputs", c.Outputs},
		{"weights", c.Weights},
	} {
		if d.dims.AlignPad < 0 {
			return fmt.Errorf("%w: %s align pad %d", ErrInvalidConfig, d.name, d.dims.AlignPad)
		}
		if pc := d.dims.PaddedCols(); pc%tensor.VectorSize != 0 || pc < tensor.VectorSize {
			return fmt.Errorf("%w: %s padded width %d is not a whole number of lane groups",
				ErrInvalidConfig, d.name, pc)
		}
	}

	wantRows := (c.Inputs.Rows-k)/c.FieldStride + 1
	wantCols := (c.Inputs.Cols-k)/c.FieldStride + 1
	if c.Outputs.Rows != wantRows || c.Outputs.Cols != wantCols {
		return fmt.Errorf("%w: outputs %dx%d, expected %dx%d",
			ErrInvalidConfig, c.Outputs.Rows, c.Outputs.Cols, wantRows, wantCols)
	}

	return nil
}

// InputLen returns the activation buffer length for the given image count.
func (c Config) InputLen(images int) int {
	return images * c.Inputs.Height * c.Inputs.Rows * c.Inputs.PaddedCols()
}

// WeightLen returns the weight buffer length for the given kernel count.
func (c Config) WeightLen(kernels int) int {
	return kernels * c.Weights.Height * c.Weights.Rows * c.Weights.PaddedCols()
}

// ResultLen returns the result buffer length: one output plane per input
// channel.
func (c Config) ResultLen() int {
	return c.Inputs.Height * c.Outputs.Rows * c.Outputs.PaddedCols()
}

// Key returns a stable 64-bit digest of the configuration.
func (c Config) Key() uint64 {
	data, _ := json.Marshal(c)
	return xxhash.Sum64(data)
}

// String returns a compact description such as "conv0 5x5x1 k3 s2".
func (c Config) String() string {
	name := c.Name
	if name == "" {
		name = "conv"
	}
	s := fmt.Sprintf("%s %dx%dx%d k%d s%d", name,
		c.Inputs.Rows, c.Inputs.Cols, c.Inputs.Height, c.Weights.Cols, c.FieldStride)
	if c.Padding > 0 {
		s += fmt.Sprintf(" p%d", c.Padding)
	}
	return s
}

// Load reads and validates a JSON layer file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
