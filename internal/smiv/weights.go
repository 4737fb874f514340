package smiv

// LoadWeights arranges one kernel row into the weight buffer.
//
// In double throughput mode the row is replicated into both pipe halves,
// lanes [0,k) and [DatapathWidth, DatapathWidth+k). Otherwise the first
// min(k, VectorSize) lanes are written. Remaining lanes are zero.
func LoadWeights(row []float32, kernelWidth int, doubleTP bool) Vec {
	var buf Vec
	if doubleTP {
		for w := 0; w < kernelWidth; w++ {
			buf[w] = row[w]
			buf[DatapathWidth+w] = row[w]
		}
		return buf
	}

	bound := min(kernelWidth, VectorSize)
	for w := 0; w < bound; w++ {
		buf[w] = row[w]
	}
	return buf
}
