package smiv

// Macc runs the dual-pipe multiply-accumulate datapath.
//
// For each psum slot below dp0 it adds weights[0:W)·pipe0 head to psum0 and,
// when the slot is below dp1, weights[W:2W)·pipe1 head to psum1, then shifts
// both registers by shamt. Slots at or beyond the iteration counts are left
// untouched so psums keep accumulating across kernel rows.
func Macc(weights Vec, pipe0, pipe1 *ShiftReg, shamt, dp0, dp1 int, psum0, psum1 *Vec) {
	for slot := 0; slot < dp0; slot++ {
		head0, head1 := pipe0.Head(), pipe1.Head()
		acc0 := psum0[slot]
		acc1 := psum1[slot]
		for j := 0; j < DatapathWidth; j++ {
			// Explicit conversions keep the product rounded to float32
			// before it is added, so no multiply-add gets fused.
			acc0 += float32(weights[j] * head0[j])
			acc1 += float32(weights[j+DatapathWidth] * head1[j])
		}
		psum0[slot] = acc0
		if slot < dp1 {
			psum1[slot] = acc1
		}

		// Both accumulations for this slot happen before the shared shift.
		LShiftPair(pipe0, pipe1, shamt)
	}
}

// MergePsums combines the two pipes' partial sums.
//
// Double throughput interleaves them, pipe 0 into the even lanes and pipe 1
// into the odd lanes. Otherwise the pipes hold halves of the same outputs and
// are added lane by lane.
func MergePsums(p0, p1 Vec, doubleTP bool) Vec {
	var out Vec
	if doubleTP {
		for i := 0; i < VectorSize/2; i++ {
			out[2*i] = p0[i]
			out[2*i+1] = p1[i]
		}
		return out
	}

	for i := 0; i < VectorSize; i++ {
		out[i] = p0[i] + p1[i]
	}
	return out
}
