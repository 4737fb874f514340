/*
Package smiv models the SMIV convolution datapath at lane level.

One invocation convolves a single kernel against a single input channel of a
single image using two shift registers, a shared weight buffer and two MAC
pipes whose partial sums are merged before being committed to the result.

# Datapath

	activations ──► pipe0 shift reg ──► MAC pipe 0 ──► psums_0 ─┐
	            └─► pipe1 shift reg ──► MAC pipe 1 ──► psums_1 ─┴► merge ──► result
	weights ──────► weight buffer (lanes [0,W) pipe 0, [W,2W) pipe 1)

When the kernel is narrower than the datapath ("double throughput"), the two
pipes compute alternating output columns; otherwise they split one kernel
row between them and their partial sums are added.

# Usage

	stats, err := smiv.Convolve(act, weights, img, kern, chan, cfg, result)
	if err != nil {
		log.Fatal(err)
	}
*/
package smiv

import "github.com/hailam/simdconv/internal/tensor"

// Hardware parameters.
const (
	// VectorSize is the SIMD lane width and the psum register file length.
	VectorSize = tensor.VectorSize

	// DatapathWidth is the number of MACs one pipe performs per step.
	DatapathWidth = 4

	// ShiftRegSize is the shift register length, two lane groups.
	ShiftRegSize = 16

	shiftRegGroups = ShiftRegSize / VectorSize
)

// Vec is one lane-width hardware vector.
type Vec [VectorSize]float32

// VecFrom copies up to VectorSize values from s into a Vec.
func VecFrom(s []float32) Vec {
	var v Vec
	copy(v[:], s)
	return v
}
