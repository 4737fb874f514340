package smiv

// ShiftReg is one shift register: a sliding window over an input row.
type ShiftReg [ShiftRegSize]float32

// Load writes vec into lane group g.
func (sr *ShiftReg) Load(g int, vec Vec) {
	copy(sr[g*VectorSize:(g+1)*VectorSize], vec[:])
}

// Head returns the lanes the MAC pipe reads.
func (sr *ShiftReg) Head() [DatapathWidth]float32 {
	var h [DatapathWidth]float32
	copy(h[:], sr[:DatapathWidth])
	return h
}

// LShift shifts the register left by shamt lanes, zero-filling the tail.
// Every lane is computed from the register's state before the call.
func (sr *ShiftReg) LShift(shamt int) {
	prev := *sr
	for i := range sr {
		src := i + shamt
		if src < ShiftRegSize {
			sr[i] = prev[src]
		} else {
			sr[i] = 0
		}
	}
}

// LShiftPair shifts two registers by the same amount, as one control signal
// drives both physical register files. Each register shifts from its own
// prior state.
func LShiftPair(a, b *ShiftReg, shamt int) {
	prevA, prevB := *a, *b
	for i := 0; i < ShiftRegSize; i++ {
		src := i + shamt
		if src < ShiftRegSize {
			a[i] = prevA[src]
			b[i] = prevB[src]
		} else {
			a[i] = 0
			b[i] = 0
		}
	}
}
